// Package mirror serves GitHub content through a cache.
//
// Handler runs every request through an explicit state machine:
//
//	START -> VALIDATE_METHOD -> (CORS_PREFLIGHT | RESOLVE) -> STRATEGY ->
//	CACHE_LOOKUP -> (HIT_RETURN | MISS_FETCH -> ASSEMBLE -> ASYNC_STORE -> RETURN)
//
// with METHOD_NOT_ALLOWED, INVALID_PATH and UPSTREAM_FAILURE as error
// terminals. Process returns the outcome independent of HTTP framing;
// ServeHTTP writes it.
package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/gh-mirror/pkg/cache"
	"github.com/Sternrassler/gh-mirror/pkg/config"
	"github.com/Sternrassler/gh-mirror/pkg/resolve"
	"github.com/Sternrassler/gh-mirror/pkg/strategy"
	"github.com/Sternrassler/gh-mirror/pkg/tasks"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for served requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mirror_requests_total",
		Help: "Total handled requests by strategy, cache status and status code",
	}, []string{"strategy", "cache_status", "code"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mirror_request_duration_seconds",
		Help:    "Time until response headers are written",
		Buckets: prometheus.DefBuckets,
	}, []string{"cache_status"})
)

// Task kinds submitted to the runner.
const (
	TaskCacheStore = "cache_store"
	TaskEarlyHint  = "early_hint"
)

// RequestIDHeader is echoed when the client sends one and generated
// otherwise.
const RequestIDHeader = "X-Request-Id"

// Fetcher fetches an upstream URL. *upstream.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, method, url string, header http.Header) (*http.Response, error)
}

// Submitter schedules detached work. *tasks.Runner implements it.
type Submitter interface {
	Submit(kind string, fn tasks.Task) bool
}

// Config holds the collaborators of a Handler.
type Config struct {
	// Settings is the immutable mirror configuration.
	Settings *config.Config

	Store   cache.Store
	Fetcher Fetcher
	Tasks   Submitter

	// HintClient sends early-hint pre-connects. Defaults to a client with a
	// 5s timeout.
	HintClient *http.Client
}

// Result is the outcome of Process.
type Result struct {
	// State is the terminal state.
	State State

	// Trace lists every state entered, START first.
	Trace []State

	Status int
	Header http.Header

	// Body is nil when the response has none. The caller must close it.
	Body io.ReadCloser

	// Policy is the zero value before STRATEGY.
	Policy strategy.Policy

	// Key is the final cache key, empty before ASSEMBLE or CACHE_LOOKUP.
	Key cache.CacheKey
}

func (r *Result) enter(s State) {
	r.State = s
	r.Trace = append(r.Trace, s)
}

// Handler is the mirror's http.Handler.
type Handler struct {
	settings   *config.Config
	resolver   *resolve.Resolver
	selector   *strategy.Selector
	store      cache.Store
	fetcher    Fetcher
	tasks      Submitter
	hintClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time
}

// New creates a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Settings == nil {
		return nil, fmt.Errorf("mirror: settings are required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("mirror: store is required")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("mirror: fetcher is required")
	}
	if cfg.Tasks == nil {
		return nil, fmt.Errorf("mirror: task runner is required")
	}

	resolver, err := resolve.New(cfg.Settings.ContentHosts, cfg.Settings.DefaultHost)
	if err != nil {
		return nil, fmt.Errorf("mirror: %w", err)
	}

	hintClient := cfg.HintClient
	if hintClient == nil {
		hintClient = &http.Client{Timeout: 5 * time.Second}
	}

	return &Handler{
		settings:   cfg.Settings,
		resolver:   resolver,
		selector:   strategy.New(cfg.Settings),
		store:      cfg.Store,
		fetcher:    cfg.Fetcher,
		tasks:      cfg.Tasks,
		hintClient: hintClient,
		logger:     log.With().Str("component", "mirror").Logger(),
		now:        time.Now,
	}, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := h.now()
	res := h.Process(r)
	if res.Body != nil {
		defer res.Body.Close()
	}

	dst := w.Header()
	for k, vs := range res.Header {
		dst[k] = vs
	}
	w.WriteHeader(res.Status)

	cacheStatus := res.Header.Get(HeaderCacheStatus)
	requestDuration.WithLabelValues(statusLabel(cacheStatus)).Observe(h.now().Sub(start).Seconds())
	requestsTotal.WithLabelValues(policyLabel(res.Policy), statusLabel(cacheStatus), strconv.Itoa(res.Status)).Inc()

	if res.Body == nil || r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, res.Body); err != nil {
		h.logger.Debug().Err(err).
			Str("request_id", res.Header.Get(RequestIDHeader)).
			Str("path", r.URL.Path).
			Msg("Client stream ended early")
	}
}

// Process runs the state machine for r.
func (h *Handler) Process(r *http.Request) *Result {
	start := h.now()
	res := &Result{}
	res.enter(StateStart)

	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	logger := h.logger.With().
		Str("request_id", requestID).
		Str("path", r.URL.Path).
		Logger()

	// Predicates are fixed for the rest of the request.
	isRangeRequest := r.Header.Get("Range") != ""
	isCacheableMethod := r.Method == http.MethodGet

	res.enter(StateValidateMethod)
	switch r.Method {
	case http.MethodOptions:
		res.enter(StateCORSPreflight)
		res.Status = http.StatusNoContent
		res.Header = preflightHeader()
		res.Header.Set(RequestIDHeader, requestID)
		return res
	case http.MethodGet, http.MethodHead:
	default:
		res.enter(StateMethodNotAllowed)
		plainText(res, http.StatusMethodNotAllowed, "method not allowed\n")
		res.Header.Set("Allow", "GET, HEAD, OPTIONS")
		res.Header.Set(RequestIDHeader, requestID)
		return res
	}

	res.enter(StateResolve)
	target, err := h.resolver.Resolve(r.URL.EscapedPath())
	if err != nil {
		res.enter(StateInvalidPath)
		plainText(res, http.StatusBadRequest, usageMessage)
		res.Header.Set(RequestIDHeader, requestID)
		return res
	}
	fetchURL := upstreamURL(target, cache.StripReserved(r.URL.RawQuery))

	res.enter(StateStrategy)
	policy := h.selector.Select(target.OriginPath)
	res.Policy = policy
	logger = logger.With().Str("strategy", policy.Label).Logger()

	keyURL := requestURL(r)
	acceptEncoding := r.Header.Get("Accept-Encoding")
	lookupKey := cache.BuildKey(keyURL, acceptEncoding, "", start)

	res.enter(StateCacheLookup)
	if isCacheableMethod && !isRangeRequest {
		entry, err := h.store.Match(r.Context(), lookupKey)
		switch {
		case err == nil:
			res.enter(StateHitReturn)
			res.Key = lookupKey
			res.Status = entry.StatusCode
			res.Header = entry.Headers.Clone()
			if res.Header == nil {
				res.Header = make(http.Header)
			}
			res.Header.Set(HeaderCacheStatus, CacheStatusHit)
			res.Header.Set(HeaderCacheStrategy, policy.Label)
			res.Header.Set(RequestIDHeader, requestID)
			setResponseTime(res.Header, h.now().Sub(start))
			res.Body = io.NopCloser(bytes.NewReader(entry.Data))

			logger.Debug().
				Str("cache_status", CacheStatusHit).
				Str("key", lookupKey.String()).
				Int("status", res.Status).
				Msg("Served from cache")
			return res
		case !errors.Is(err, cache.ErrCacheMiss):
			logger.Warn().Err(err).Str("key", lookupKey.String()).Msg("Cache lookup failed")
		}
	}

	if isCacheableMethod && h.settings.EarlyHints {
		h.earlyHint(target.OriginHost)
	}

	res.enter(StateMissFetch)
	resp, err := h.fetcher.Fetch(r.Context(), r.Method, fetchURL, forwardHeader(r.Header, h.settings.Compression))
	if err != nil {
		res.enter(StateUpstreamFailure)
		plainText(res, http.StatusBadGateway, "upstream unavailable\n")
		res.Header.Set(HeaderGitHubTarget, fetchURL)
		res.Header.Set(RequestIDHeader, requestID)
		logger.Error().Err(err).Str("target", fetchURL).Msg("Upstream fetch failed")
		return res
	}

	res.enter(StateAssemble)
	version := lookupKey.Version
	if policy.UseETagValidation {
		if tag, ok := cache.ETagVersion(resp.Header); ok {
			version = tag
		}
	}
	finalKey := cache.BuildKey(keyURL, acceptEncoding, version, start)
	res.Key = finalKey

	a := assembly{
		policy:  policy,
		target:  fetchURL,
		version: version,
		swr:     h.settings.StaleWhileRevalidate,
	}
	res.Status = resp.StatusCode
	res.Header = a.assemble(resp.Header)
	res.Header.Set(RequestIDHeader, requestID)
	setResponseTime(res.Header, h.now().Sub(start))
	res.Body = resp.Body

	if isCacheableMethod && !isRangeRequest && resp.StatusCode == http.StatusOK && h.fits(resp.ContentLength) {
		res.enter(StateAsyncStore)
		stored := res.Header.Clone()
		res.Body = newTeeBody(resp.Body, h.settings.Cache.MaxEntryBytes, func(body []byte) {
			h.scheduleStore(logger, finalKey, stored, body, policy.EdgeTTL)
		})
	}

	res.enter(StateReturn)
	logger.Debug().
		Str("cache_status", CacheStatusMiss).
		Str("key", finalKey.String()).
		Int("status", res.Status).
		Msg("Fetched from upstream")
	return res
}

// fits reports whether a body of length n may be stored. Unknown lengths
// are checked while streaming.
func (h *Handler) fits(n int64) bool {
	return n < 0 || n <= h.settings.Cache.MaxEntryBytes
}

// scheduleStore submits the cache write. body is copied because the tee
// buffer is released once the response is closed.
func (h *Handler) scheduleStore(logger zerolog.Logger, key cache.CacheKey, header http.Header, body []byte, ttl time.Duration) {
	data := append([]byte(nil), body...)
	entry := cache.NewEntry(http.StatusOK, header, data, h.now(), ttl)

	ok := h.tasks.Submit(TaskCacheStore, func(ctx context.Context) error {
		if err := h.store.Put(ctx, key, entry); err != nil {
			logger.Warn().Err(err).Str("key", key.String()).Msg("Cache store failed")
			return err
		}
		return nil
	})
	if !ok {
		logger.Debug().Str("key", key.String()).Msg("Cache store dropped")
	}
}

// earlyHint pre-connects to the origin host on a GET miss. Hits never reach
// upstream, so they skip it. The outcome is ignored.
func (h *Handler) earlyHint(host string) {
	origin := "https://" + host + "/"
	h.tasks.Submit(TaskEarlyHint, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, origin, nil)
		if err != nil {
			return err
		}
		resp, err := h.hintClient.Do(req)
		if err != nil {
			return err
		}
		return resp.Body.Close()
	})
}

// requestURL rebuilds the absolute URL the client asked for.
func requestURL(r *http.Request) *url.URL {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return &url.URL{
		Scheme:   scheme,
		Host:     strings.ToLower(r.Host),
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}
}

func plainText(res *Result, status int, body string) {
	res.Status = status
	res.Header = make(http.Header)
	res.Header.Set("Content-Type", "text/plain; charset=utf-8")
	res.Header.Set("Content-Length", strconv.Itoa(len(body)))
	res.Body = io.NopCloser(strings.NewReader(body))
}

func policyLabel(p strategy.Policy) string {
	if p.Label == "" {
		return "none"
	}
	return p.Label
}

func statusLabel(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
