package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces mirror entries in a shared Redis.
const redisKeyPrefix = "mirror:"

// RedisStore stores entries in Redis with a TTL derived from Expires.
type RedisStore struct {
	redis *redis.Client
	now   func() time.Time
}

// NewRedisStore creates a RedisStore on an existing client.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{
		redis: redisClient,
		now:   time.Now,
	}
}

// OpenRedisStore connects to rawURL (redis://[:password@]host:port/db) and
// verifies the connection.
func OpenRedisStore(ctx context.Context, rawURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return NewRedisStore(client), nil
}

// Name implements Backend.
func (s *RedisStore) Name() string { return "redis" }

// Client returns the underlying client so other components can share the
// connection pool.
func (s *RedisStore) Client() *redis.Client { return s.redis }

// Match retrieves a cache entry by key.
// Returns ErrCacheMiss if the key doesn't exist or the entry is expired.
func (s *RedisStore) Match(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	data, err := s.redis.Get(ctx, redisKeyPrefix+key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.WithLabelValues(s.Name()).Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues(s.Name(), "match").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	entry, err := decodeEntry(data)
	if err != nil {
		CacheErrors.WithLabelValues(s.Name(), "match").Inc()
		return nil, err
	}

	// Redis expiry has second granularity.
	if entry.IsExpired(s.now()) {
		CacheMisses.WithLabelValues(s.Name()).Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues(s.Name()).Inc()
	return entry, nil
}

// Put stores a cache entry with TTL based on the entry's Expires field.
// Already expired entries are not written.
func (s *RedisStore) Put(ctx context.Context, key CacheKey, entry *CacheEntry) error {
	data, err := encodeEntry(entry)
	if err != nil {
		CacheErrors.WithLabelValues(s.Name(), "put").Inc()
		return err
	}

	ttl := entry.TTL(s.now())
	if ttl <= 0 {
		return nil
	}

	if err := s.redis.Set(ctx, redisKeyPrefix+key.String(), data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues(s.Name(), "put").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	CacheStoredBytes.WithLabelValues(s.Name()).Add(float64(len(data)))
	return nil
}

// Ping implements Backend.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.redis.Close()
}
