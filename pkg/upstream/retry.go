package upstream

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for upstream attempts and retries.
var (
	upstreamAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mirror_upstream_attempts_total",
		Help: "Total upstream attempts by outcome",
	}, []string{"outcome"})

	upstreamRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mirror_upstream_retries_total",
		Help: "Total upstream retries by the outcome that caused them",
	}, []string{"reason"})

	upstreamExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mirror_upstream_exhausted_total",
		Help: "Total fetches that used every attempt, by last outcome",
	}, []string{"reason"})

	upstreamDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mirror_upstream_duration_seconds",
		Help:    "Time until upstream response headers per attempt",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	upstreamBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mirror_upstream_backoff_seconds",
		Help:    "Delay slept before an upstream retry",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	})
)

// retryDelay returns the linear delay before retry number n (1-indexed).
func retryDelay(base time.Duration, n int) time.Duration {
	if n < 1 || base <= 0 {
		return 0
	}
	return base * time.Duration(n)
}

// classify maps an attempt result onto an Outcome.
func classify(resp *http.Response, err error) Outcome {
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return OutcomeTimeout
		}
		return OutcomeTransport
	}
	switch {
	case resp.StatusCode >= 500:
		return OutcomeServerError
	case resp.StatusCode >= 400:
		return OutcomeClientError
	default:
		return OutcomeOK
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
