package cache

import (
	"net/http"
	"time"
)

// NewEntry builds an entry for a response stored at now and kept for ttl.
// header is cloned.
func NewEntry(status int, header http.Header, body []byte, now time.Time, ttl time.Duration) *CacheEntry {
	return &CacheEntry{
		Data:       body,
		ETag:       header.Get("ETag"),
		Expires:    now.Add(ttl),
		StatusCode: status,
		Headers:    header.Clone(),
		CachedAt:   now,
	}
}

// ETagVersion returns the normalized ETag of h, if present.
func ETagVersion(h http.Header) (string, bool) {
	return NormalizeETag(h.Get("ETag"))
}
