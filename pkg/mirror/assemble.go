package mirror

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/gh-mirror/pkg/resolve"
	"github.com/Sternrassler/gh-mirror/pkg/strategy"
)

// Diagnostic headers.
const (
	HeaderMirrorVersion = "X-Mirror-Version"
	HeaderCacheStrategy = "X-Cache-Strategy"
	HeaderGitHubTarget  = "X-GitHub-Target"
	HeaderCacheStatus   = "X-Cache-Status"
	HeaderResponseTime  = "X-Response-Time"
)

// Cache status values.
const (
	CacheStatusHit  = "HIT"
	CacheStatusMiss = "MISS"
)

// forwardedHeaders are copied from the client request to upstream when
// present.
var forwardedHeaders = []string{
	"Range",
	"If-Range",
	"If-None-Match",
	"If-Modified-Since",
	"User-Agent",
	"Accept",
	"Accept-Encoding",
}

// cacheControl formats the Cache-Control value for p.
func cacheControl(p strategy.Policy, swr time.Duration) string {
	return fmt.Sprintf("public, max-age=%d, s-maxage=%d, stale-while-revalidate=%d",
		int64(p.BrowserTTL/time.Second),
		int64(p.EdgeTTL/time.Second),
		int64(swr/time.Second))
}

// mergeVary puts Accept-Encoding first and appends the upstream Vary tokens
// that are not already present.
func mergeVary(upstream []string) string {
	tokens := []string{"Accept-Encoding"}
	seen := map[string]bool{"accept-encoding": true}

	for _, v := range upstream {
		for _, tok := range strings.Split(v, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" || seen[strings.ToLower(tok)] {
				continue
			}
			seen[strings.ToLower(tok)] = true
			tokens = append(tokens, tok)
		}
	}
	return strings.Join(tokens, ", ")
}

// assembly carries what the response headers are derived from.
type assembly struct {
	policy  strategy.Policy
	target  string
	version string
	swr     time.Duration
}

// assemble merges upstream headers with the policy, CORS, security,
// diagnostic and connection headers. upstream is not modified.
func (a assembly) assemble(upstream http.Header) http.Header {
	h := upstream.Clone()
	if h == nil {
		h = make(http.Header)
	}

	h.Set("Cache-Control", cacheControl(a.policy, a.swr))
	h.Set("Vary", mergeVary(upstream.Values("Vary")))

	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Expose-Headers", "*")

	h.Set(HeaderMirrorVersion, a.version)
	h.Set(HeaderCacheStrategy, a.policy.Label)
	h.Set(HeaderGitHubTarget, a.target)
	h.Set(HeaderCacheStatus, CacheStatusMiss)

	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "SAMEORIGIN")

	h.Set("Connection", "keep-alive")
	h.Set("Keep-Alive", "timeout=60, max=1000")

	return h
}

// setResponseTime writes elapsed as whole milliseconds.
func setResponseTime(h http.Header, elapsed time.Duration) {
	h.Set(HeaderResponseTime, strconv.FormatInt(elapsed.Milliseconds(), 10)+"ms")
}

func preflightHeader() http.Header {
	h := make(http.Header)
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET,HEAD,OPTIONS")
	h.Set("Access-Control-Allow-Headers", "*")
	h.Set("Access-Control-Max-Age", "86400")
	return h
}

// forwardHeader copies the allow-listed request headers. Accept-Encoding is
// dropped when compression is disabled.
func forwardHeader(in http.Header, compression bool) http.Header {
	out := make(http.Header)
	for _, name := range forwardedHeaders {
		if name == "Accept-Encoding" && !compression {
			continue
		}
		if vs := in.Values(name); len(vs) > 0 {
			out[name] = append([]string(nil), vs...)
		}
	}
	return out
}

// upstreamURL appends rawQuery verbatim. Callers strip the reserved key
// parameters first.
func upstreamURL(t resolve.Target, rawQuery string) string {
	if rawQuery == "" {
		return t.UpstreamURL
	}
	return t.UpstreamURL + "?" + rawQuery
}

const usageMessage = `gh-mirror: missing repository path

Usage:
  /{owner}/{repo}/...
  /{content-host}/{path}

Examples:
  /torvalds/linux/archive/refs/tags/v6.6.tar.gz
  /raw.githubusercontent.com/golang/go/master/README.md
`
