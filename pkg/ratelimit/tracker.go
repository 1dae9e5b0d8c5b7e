package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Sternrassler/gh-mirror/pkg/tasks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit observation.
var (
	rateLimitLimit = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mirror_upstream_rate_limit",
		Help: "Last X-RateLimit-Limit reported by upstream",
	})

	rateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mirror_upstream_rate_limit_remaining",
		Help: "Last X-RateLimit-Remaining reported by upstream",
	})

	rateLimitReset = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mirror_upstream_rate_limit_reset_timestamp_seconds",
		Help: "Last X-RateLimit-Reset reported by upstream",
	})

	rateLimitLowTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirror_upstream_rate_limit_low_total",
		Help: "Total number of upstream responses reporting a low rate limit budget",
	})
)

// TaskShare is the task kind used to publish state to Redis.
const TaskShare = "ratelimit_share"

// Submitter runs detached work. *tasks.Runner satisfies it.
type Submitter interface {
	Submit(kind string, fn tasks.Task) bool
}

// minSharedTTL keeps shared state around briefly even when the window is
// about to reset.
const minSharedTTL = time.Minute

// Tracker records the upstream rate limit. State is kept in memory and, when
// a Redis client is given, shared through Redis.
type Tracker struct {
	redis  *redis.Client
	tasks  Submitter
	logger zerolog.Logger

	mu    sync.RWMutex
	state RateLimitState
	now   func() time.Time
}

// NewTracker creates a new rate limit tracker. redisClient may be nil.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
		state:  RateLimitState{IsHealthy: true},
		now:    time.Now,
	}
}

// SetSubmitter moves Redis writes off the calling goroutine. Call it before
// the first Observe. Without a submitter Observe writes synchronously.
func (t *Tracker) SetSubmitter(s Submitter) {
	t.tasks = s
}

// Observe parses GitHub rate limit headers. Responses without them are
// ignored.
func (t *Tracker) Observe(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get("X-RateLimit-Remaining")
	if remainStr == "" {
		// raw and codeload hosts do not report a budget
		return nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse X-RateLimit-Remaining header: %w", err)
	}

	var limit int
	if s := headers.Get("X-RateLimit-Limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil {
			return fmt.Errorf("parse X-RateLimit-Limit header: %w", err)
		}
	}

	var resetAt time.Time
	if s := headers.Get("X-RateLimit-Reset"); s != "" {
		epoch, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("parse X-RateLimit-Reset header: %w", err)
		}
		resetAt = time.Unix(epoch, 0)
	}

	state := RateLimitState{
		Limit:      limit,
		Remaining:  remain,
		ResetAt:    resetAt,
		LastUpdate: t.now(),
	}
	state.UpdateHealth()

	t.mu.Lock()
	t.state = state
	t.mu.Unlock()

	rateLimitLimit.Set(float64(limit))
	rateLimitRemaining.Set(float64(remain))
	if !resetAt.IsZero() {
		rateLimitReset.Set(float64(resetAt.Unix()))
	}

	if state.IsLow() {
		rateLimitLowTotal.Inc()
		t.logger.Warn().
			Int("limit", limit).
			Int("remaining", remain).
			Time("reset_at", resetAt).
			Msg("Upstream rate limit budget low")
	} else {
		t.logger.Debug().
			Int("limit", limit).
			Int("remaining", remain).
			Msg("Upstream rate limit state updated")
	}

	if t.redis == nil {
		return nil
	}
	if t.tasks == nil {
		return t.share(ctx, state)
	}
	if !t.tasks.Submit(TaskShare, func(ctx context.Context) error {
		return t.share(ctx, state)
	}) {
		t.logger.Debug().Msg("Rate limit share dropped")
	}
	return nil
}

func (t *Tracker) share(ctx context.Context, state RateLimitState) error {
	ttl := state.ResetAt.Sub(state.LastUpdate)
	if ttl < minSharedTTL {
		ttl = minSharedTTL
	}

	pipe := t.redis.Pipeline()
	pipe.Set(ctx, RedisKeyLimit, state.Limit, ttl)
	pipe.Set(ctx, RedisKeyRemaining, state.Remaining, ttl)
	pipe.Set(ctx, RedisKeyResetTimestamp, state.ResetAt.Unix(), ttl)
	pipe.Set(ctx, RedisKeyLastUpdate, state.LastUpdate.UnixMilli(), ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}
	return nil
}

// GetState returns the most recent state. With Redis configured the shared
// state wins when it is newer than the local one.
func (t *Tracker) GetState(ctx context.Context) (*RateLimitState, error) {
	t.mu.RLock()
	local := t.state
	t.mu.RUnlock()

	if t.redis == nil {
		return &local, nil
	}

	shared, err := t.loadShared(ctx)
	if err != nil {
		return nil, err
	}
	if shared == nil || !shared.LastUpdate.After(local.LastUpdate) {
		return &local, nil
	}
	return shared, nil
}

func (t *Tracker) loadShared(ctx context.Context) (*RateLimitState, error) {
	vals, err := t.redis.MGet(ctx, RedisKeyLimit, RedisKeyRemaining, RedisKeyResetTimestamp, RedisKeyLastUpdate).Result()
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}

	nums := make([]int64, len(vals))
	for i, v := range vals {
		if v == nil {
			// expired or never written
			return nil, nil
		}
		s, ok := v.(string)
		if !ok {
			return nil, errors.New("get rate limit state: unexpected value type")
		}
		if nums[i], err = strconv.ParseInt(s, 10, 64); err != nil {
			return nil, fmt.Errorf("parse rate limit state: %w", err)
		}
	}

	state := &RateLimitState{
		Limit:      int(nums[0]),
		Remaining:  int(nums[1]),
		ResetAt:    time.Unix(nums[2], 0),
		LastUpdate: time.UnixMilli(nums[3]),
	}
	state.UpdateHealth()
	return state, nil
}
