// Package cache builds cache keys and stores mirrored responses.
//
// # Cache Keys
//
// A CacheKey is the request URL plus two reserved query parameters:
//
//   - mirror_v: the freshness version, either a normalized upstream ETag or
//     the UTC day stamp (YYYYMMDD)
//   - mirror_enc: "br" or "gzip" depending on the client's Accept-Encoding,
//     omitted for clients that accept neither
//
// Each request is looked up under a date-versioned key. A response is stored
// under its final key, which carries the ETag instead when the policy asks
// for ETag validation and upstream sent one:
//
//	lookup := cache.BuildKey(u, r.Header.Get("Accept-Encoding"), "", now)
//	entry, err := store.Match(ctx, lookup)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch upstream
//	}
//
//	version, ok := cache.ETagVersion(resp.Header)
//	if !ok || !policy.UseETagValidation {
//		version = ""
//	}
//	final := cache.BuildKey(u, r.Header.Get("Accept-Encoding"), version, now)
//	_ = store.Put(ctx, final, cache.NewEntry(resp.StatusCode, header, body, now, policy.EdgeTTL))
//
// # Backends
//
// Three Store implementations are provided. Open selects one from
// configuration:
//
//   - MemoryStore: process-local map, lost on restart
//   - RedisStore: shared across instances, expiry handled by Redis TTLs
//   - LevelDBStore: local disk, survives restarts
//
// Entries are serialized as JSON in the persistent backends. MemoryStore and
// LevelDBStore implement Sweeper to reclaim expired entries.
//
// # Metrics
//
//   - mirror_cache_hits_total{backend} - Cache hits
//   - mirror_cache_misses_total{backend} - Cache misses
//   - mirror_cache_errors_total{backend, operation} - Store failures
//   - mirror_cache_stored_bytes_total{backend} - Bytes written
package cache
