// Package metrics exposes the Prometheus registry shared by the mirror.
// Collectors are declared with promauto in the package that owns them
// (mirror, cache, upstream, ratelimit, tasks, warmup); this package only
// serves them and documents the catalogue.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer promauto collectors end up in.
var Registry = prometheus.DefaultRegisterer

// Gatherer is read by Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the HTTP handler serving all registered collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Request Metrics (pkg/mirror):
//   - mirror_requests_total{strategy, cache_status, code} (Counter): Handled requests
//   - mirror_request_duration_seconds{cache_status} (Histogram): Time until headers are written
//
// Cache Metrics (pkg/cache):
//   - mirror_cache_hits_total{backend} (Counter): Store lookups that found an entry
//   - mirror_cache_misses_total{backend} (Counter): Store lookups without an entry
//   - mirror_cache_errors_total{backend, operation} (Counter): Store failures by operation (match, put)
//   - mirror_cache_stored_bytes_total{backend} (Counter): Serialized bytes written
//
// Upstream Metrics (pkg/upstream):
//   - mirror_upstream_attempts_total{outcome} (Counter): Attempts by outcome (ok, client_error, server_error, timeout, transport)
//   - mirror_upstream_retries_total{reason} (Counter): Retries by reason
//   - mirror_upstream_exhausted_total{reason} (Counter): Fetches that used every attempt
//   - mirror_upstream_duration_seconds (Histogram): Time to response headers per attempt
//   - mirror_upstream_backoff_seconds (Histogram): Delay slept before a retry
//
// Rate Limit Metrics (pkg/ratelimit):
//   - mirror_upstream_rate_limit (Gauge): Last X-RateLimit-Limit seen
//   - mirror_upstream_rate_limit_remaining (Gauge): Last X-RateLimit-Remaining seen
//   - mirror_upstream_rate_limit_reset_timestamp_seconds (Gauge): Last X-RateLimit-Reset seen
//   - mirror_upstream_rate_limit_low_total (Counter): Responses observed below the warning threshold
//
// Task Metrics (pkg/tasks):
//   - mirror_tasks_submitted_total{kind} (Counter): Detached tasks accepted
//   - mirror_tasks_dropped_total{kind} (Counter): Detached tasks rejected by a full queue
//   - mirror_tasks_failed_total{kind} (Counter): Detached tasks that returned an error
//
// Warm-up Metrics (pkg/warmup):
//   - mirror_warmup_requests_total{result} (Counter): Warm-up fetches by result (ok, error)
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(mirror_cache_hits_total[5m])) /
//   (sum(rate(mirror_cache_hits_total[5m])) + sum(rate(mirror_cache_misses_total[5m])))
//
//   # Upstream Retry Rate
//   sum(rate(mirror_upstream_retries_total[5m])) by (reason)
//
//   # Remaining GitHub Budget
//   mirror_upstream_rate_limit_remaining < 100
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(mirror_request_duration_seconds_bucket[5m]))
