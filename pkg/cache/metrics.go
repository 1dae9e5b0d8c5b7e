package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks lookups that found a live entry
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"backend"}, // "memory", "redis", "leveldb"
	)

	// CacheMisses tracks lookups without a live entry
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"backend"},
	)

	// CacheErrors tracks store failures
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"backend", "operation"}, // "match", "put", "sweep"
	)

	// CacheStoredBytes tracks serialized bytes written
	CacheStoredBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_cache_stored_bytes_total",
			Help: "Total number of serialized bytes written to the cache",
		},
		[]string{"backend"},
	)
)
