package cache

import (
	"net/url"
	"strings"
	"time"
)

// Reserved query parameters carried by every cache key.
const (
	VersionParam  = "mirror_v"
	EncodingParam = "mirror_enc"
)

// Encoding tags.
const (
	EncodingBrotli = "br"
	EncodingGzip   = "gzip"
)

// maxVersionLen bounds ETag-derived versions.
const maxVersionLen = 32

// CacheKey identifies a stored response: the request URL plus a freshness
// version and an optional encoding tag.
type CacheKey struct {
	// URL is the canonical key string, reserved parameters included.
	URL string

	// Version is the freshness version (normalized ETag or YYYYMMDD).
	Version string

	// Encoding is "br", "gzip" or empty.
	Encoding string
}

// String returns the key as stored in a backend.
//
// Example:
//
//	https://mirror.example/torvalds/linux/archive/v6.6.tar.gz?mirror_enc=gzip&mirror_v=20240101
func (k CacheKey) String() string {
	return k.URL
}

// BuildKey derives a CacheKey from the request URL u, the client's
// Accept-Encoding value and a freshness version. An empty version falls back
// to the UTC day stamp of now. u is not modified.
//
// The client's query is kept byte for byte, minus any reserved pairs, and
// the reserved pairs are appended after it. Two requests share a key only
// if they send the same query upstream.
func BuildKey(u *url.URL, acceptEncoding, version string, now time.Time) CacheKey {
	if version == "" {
		version = DateVersion(now)
	}
	enc := EncodingTag(acceptEncoding)

	k := *u
	k.User = nil
	k.Fragment = ""
	k.RawFragment = ""
	k.ForceQuery = false

	var pairs []string
	if q := StripReserved(u.RawQuery); q != "" {
		pairs = append(pairs, q)
	}
	if enc != "" {
		pairs = append(pairs, EncodingParam+"="+enc)
	}
	pairs = append(pairs, VersionParam+"="+url.QueryEscape(version))
	k.RawQuery = strings.Join(pairs, "&")

	return CacheKey{
		URL:      k.String(),
		Version:  version,
		Encoding: enc,
	}
}

// StripReserved removes the mirror_v and mirror_enc pairs from rawQuery and
// leaves every other byte as sent. Pairs are split on '&' only, so
// malformed escapes and ';' survive.
func StripReserved(rawQuery string) string {
	if rawQuery == "" {
		return rawQuery
	}

	pairs := strings.Split(rawQuery, "&")
	kept := pairs[:0]
	for _, p := range pairs {
		if !isReserved(p) {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "&")
}

func isReserved(pair string) bool {
	name, _, _ := strings.Cut(pair, "=")
	if unescaped, err := url.QueryUnescape(name); err == nil {
		name = unescaped
	}
	return name == VersionParam || name == EncodingParam
}

// EncodingTag returns "br" if acceptEncoding mentions br, "gzip" if it
// mentions gzip, and "" otherwise.
func EncodingTag(acceptEncoding string) string {
	ae := strings.ToLower(acceptEncoding)
	switch {
	case strings.Contains(ae, EncodingBrotli):
		return EncodingBrotli
	case strings.Contains(ae, EncodingGzip):
		return EncodingGzip
	default:
		return ""
	}
}

// NormalizeETag strips the weak validator prefix and surrounding quotes and
// truncates to 32 characters. ok is false when raw carries no usable tag.
func NormalizeETag(raw string) (string, bool) {
	tag := strings.TrimSpace(raw)
	tag = strings.TrimPrefix(tag, "W/")
	tag = strings.Trim(tag, `"`)
	if tag == "" {
		return "", false
	}
	if len(tag) > maxVersionLen {
		tag = tag[:maxVersionLen]
	}
	return tag, true
}

// DateVersion returns the UTC calendar day of t as YYYYMMDD.
func DateVersion(t time.Time) string {
	return t.UTC().Format("20060102")
}
