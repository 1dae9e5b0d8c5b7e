package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Sternrassler/gh-mirror/pkg/config"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Store is the key-value cache the mirror reads and writes. Writes are
// last-write-wins; implementations must be safe for concurrent use.
type Store interface {
	// Match returns the live entry for key or ErrCacheMiss.
	Match(ctx context.Context, key CacheKey) (*CacheEntry, error)

	// Put stores entry under key until entry.Expires.
	Put(ctx context.Context, key CacheKey, entry *CacheEntry) error
}

// Backend is a Store owned by the process.
type Backend interface {
	Store
	io.Closer

	// Name is the metrics label of the backend.
	Name() string

	// Ping reports whether the backend can serve requests.
	Ping(ctx context.Context) error
}

// Sweeper is implemented by backends without native expiry.
type Sweeper interface {
	// Sweep deletes entries expired at now and returns how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Open creates the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.CacheConfig) (Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return NewMemoryStore(), nil
	case config.BackendRedis:
		return OpenRedisStore(ctx, cfg.RedisURL)
	case config.BackendLevelDB:
		return OpenLevelDBStore(cfg.LevelDBPath)
	default:
		return nil, fmt.Errorf("cache: unsupported backend %q", cfg.Backend)
	}
}
