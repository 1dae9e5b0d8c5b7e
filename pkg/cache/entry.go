package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// CacheEntry is a stored upstream response together with the headers the
// mirror assembled for it.
type CacheEntry struct {
	// Data is the response body
	Data []byte `json:"data"`

	// ETag is the raw upstream entity tag, if any
	ETag string `json:"etag,omitempty"`

	// Expires is CachedAt plus the policy's edge TTL
	Expires time.Time `json:"expires"`

	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`

	// CachedAt is when the response was stored
	CachedAt time.Time `json:"cached_at"`
}

// IsExpired reports whether the entry is stale at now.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return !now.Before(e.Expires)
}

// TTL returns the time until expiration, or 0 if already expired.
func (e *CacheEntry) TTL(now time.Time) time.Duration {
	ttl := e.Expires.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

var errNilEntry = errors.New("cache entry cannot be nil")

func encodeEntry(e *CacheEntry) ([]byte, error) {
	if e == nil {
		return nil, errNilEntry
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal cache entry: %w", err)
	}
	return b, nil
}

func decodeEntry(b []byte) (*CacheEntry, error) {
	var e CacheEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if e.StatusCode == 0 {
		return nil, fmt.Errorf("%w: missing status code", ErrInvalidEntry)
	}
	return &e, nil
}
