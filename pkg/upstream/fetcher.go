// Package upstream performs resilient HTTP fetches against GitHub origins.
//
// Each attempt has a hard timeout that covers connecting and receiving the
// response headers; the body is streamed afterwards without a deadline.
// Server errors, timeouts and transport errors are retried with a linear
// delay (RetryDelay * n before retry n). Client errors and successful
// responses are returned at once.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/gh-mirror/pkg/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// maxErrorBody bounds the buffered body of a retried 5xx response.
const maxErrorBody = 1 << 20

// Observer receives the headers of every upstream response.
type Observer interface {
	Observe(ctx context.Context, headers http.Header) error
}

// Config holds the fetcher configuration.
type Config struct {
	// MaxRetries is the number of attempts after the first.
	MaxRetries int

	// RetryDelay is the base of the linear backoff.
	RetryDelay time.Duration

	// Timeout bounds each attempt until response headers arrive.
	Timeout time.Duration

	// UserAgent is sent when the forwarded headers carry none.
	UserAgent string

	// HTTPClient defaults to a client that follows redirects and does not
	// decompress bodies.
	HTTPClient *http.Client

	// RateLimit is optional.
	RateLimit Observer
}

// DefaultConfig returns 2 retries, 1s base delay and a 30s attempt timeout.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 2,
		RetryDelay: 1 * time.Second,
		Timeout:    30 * time.Second,
		UserAgent:  "gh-mirror/1.0",
	}
}

// ConfigFrom copies the upstream settings of cfg.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Timeout:    cfg.RequestTimeout,
		UserAgent:  cfg.UserAgent,
	}
}

// Fetcher issues upstream requests. It is safe for concurrent use; each
// Fetch call runs its attempts sequentially.
type Fetcher struct {
	client *http.Client
	config Config
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a Fetcher.
func New(cfg Config) (*Fetcher, error) {
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0 (got %d)", cfg.MaxRetries)
	}
	if cfg.RetryDelay < 0 {
		return nil, fmt.Errorf("retry_delay must be >= 0 (got %s)", cfg.RetryDelay)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be > 0 (got %s)", cfg.Timeout)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = newHTTPClient()
	}

	return &Fetcher{
		client: client,
		config: cfg,
		logger: log.With().Str("component", "upstream").Logger(),
		sleep:  sleepContext,
	}, nil
}

func newHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// Bodies pass through byte for byte.
	transport.DisableCompression = true
	transport.MaxIdleConnsPerHost = 32
	return &http.Client{Transport: transport}
}

// Fetch requests rawURL, retrying server errors, timeouts and transport
// errors. It returns the first non-retryable response, or the last
// response once attempts are exhausted. An error is returned only when no
// attempt produced a response or ctx ended.
//
// The caller must close the returned body.
func (f *Fetcher) Fetch(ctx context.Context, method, rawURL string, header http.Header) (*http.Response, error) {
	attempts := f.config.MaxRetries + 1

	var (
		lastResp    *http.Response
		lastErr     error
		lastOutcome Outcome
	)

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := retryDelay(f.config.RetryDelay, attempt-1)
			upstreamRetriesTotal.WithLabelValues(string(lastOutcome)).Inc()
			upstreamBackoffSeconds.Observe(delay.Seconds())

			f.logger.Warn().
				Str("target", rawURL).
				Int("attempt", attempt).
				Str("reason", string(lastOutcome)).
				Dur("backoff", delay).
				Msg("Retrying upstream request")

			if err := f.sleep(ctx, delay); err != nil {
				return nil, &FetchError{
					URL:      rawURL,
					Attempts: attempt - 1,
					Err:      fmt.Errorf("%w: %v", ErrContextCancelled, err),
				}
			}
		}

		start := time.Now()
		resp, err := f.attempt(ctx, method, rawURL, header)
		upstreamDuration.Observe(time.Since(start).Seconds())

		if err != nil && ctx.Err() != nil {
			upstreamAttemptsTotal.WithLabelValues(string(OutcomeTransport)).Inc()
			return nil, &FetchError{
				URL:      rawURL,
				Attempts: attempt,
				Err:      fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err()),
			}
		}

		outcome := classify(resp, err)
		upstreamAttemptsTotal.WithLabelValues(string(outcome)).Inc()
		lastOutcome = outcome

		if resp != nil {
			f.observe(ctx, resp.Header)
		}

		if !shouldRetry(outcome) {
			if attempt > 1 {
				f.logger.Debug().
					Str("target", rawURL).
					Int("attempt", attempt).
					Int("status", resp.StatusCode).
					Msg("Upstream request succeeded after retry")
			}
			return resp, nil
		}

		if err != nil {
			lastErr = err
			f.logger.Debug().Err(err).
				Str("target", rawURL).
				Int("attempt", attempt).
				Str("outcome", string(outcome)).
				Msg("Upstream attempt failed")
			continue
		}

		// 5xx: keep it as the fallback result, but free the connection.
		buffered, bufErr := bufferBody(resp)
		if bufErr != nil {
			lastErr = bufErr
			continue
		}
		lastResp = buffered
		f.logger.Debug().
			Str("target", rawURL).
			Int("attempt", attempt).
			Int("status", resp.StatusCode).
			Msg("Upstream server error")
	}

	upstreamExhaustedTotal.WithLabelValues(string(lastOutcome)).Inc()

	if lastResp != nil {
		f.logger.Warn().
			Str("target", rawURL).
			Int("attempts", attempts).
			Int("status", lastResp.StatusCode).
			Msg("Upstream retries exhausted, passing through last response")
		return lastResp, nil
	}

	f.logger.Error().Err(lastErr).
		Str("target", rawURL).
		Int("attempts", attempts).
		Msg("Upstream retries exhausted")

	return nil, &FetchError{
		URL:      rawURL,
		Attempts: attempts,
		Err:      fmt.Errorf("%w: %w", ErrRetryExhausted, lastErr),
	}
}

// attempt performs one request. The timeout covers the wait for response
// headers only; after that the body is bound to ctx and released by Close.
func (f *Fetcher) attempt(ctx context.Context, method, rawURL string, header http.Header) (*http.Response, error) {
	actx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(f.config.Timeout, cancel)

	req, err := http.NewRequestWithContext(actx, method, rawURL, nil)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	if header != nil {
		req.Header = header.Clone()
	}
	if req.Header.Get("User-Agent") == "" && f.config.UserAgent != "" {
		req.Header.Set("User-Agent", f.config.UserAgent)
	}

	resp, err := f.client.Do(req)
	if !timer.Stop() {
		cancel()
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("%w after %s", ErrTimeout, f.config.Timeout)
	}
	if err != nil {
		cancel()
		return nil, err
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (f *Fetcher) observe(ctx context.Context, h http.Header) {
	if f.config.RateLimit == nil {
		return
	}
	if err := f.config.RateLimit.Observe(ctx, h); err != nil {
		f.logger.Debug().Err(err).Msg("Failed to record rate limit headers")
	}
}

// bufferBody replaces resp.Body with an in-memory copy of at most
// maxErrorBody bytes and closes the original.
func bufferBody(resp *http.Response) (*http.Response, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, fmt.Errorf("read error body: %w", err)
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return resp, nil
}

// cancelOnClose releases the attempt context when the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
