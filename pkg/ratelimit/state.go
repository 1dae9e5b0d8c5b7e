// Package ratelimit records the GitHub rate limit reported on upstream
// responses (X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset).
// It only observes: requests are never delayed or blocked.
package ratelimit

import (
	"time"
)

// Redis keys for rate limit state shared between mirror instances.
const (
	RedisKeyLimit          = "mirror:rate_limit:limit"
	RedisKeyRemaining      = "mirror:rate_limit:remaining"
	RedisKeyResetTimestamp = "mirror:rate_limit:reset_timestamp"
	RedisKeyLastUpdate     = "mirror:rate_limit:last_update"
)

// Thresholds for the low-budget warning.
const (
	// LowRemainingFloor flags the budget as low below this many requests.
	LowRemainingFloor = 10

	// LowRemainingRatio flags the budget as low below this share of the limit.
	LowRemainingRatio = 0.1
)

// RateLimitState is the last rate limit reported by upstream.
type RateLimitState struct {
	// Limit is the request budget of the window (X-RateLimit-Limit).
	Limit int `json:"limit"`

	// Remaining is what is left of the budget (X-RateLimit-Remaining).
	Remaining int `json:"remaining"`

	// ResetAt is when the window resets (X-RateLimit-Reset, epoch seconds).
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was observed. Zero if never observed.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is false while the budget is low.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state data is older than the given duration.
func (s *RateLimitState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// IsLow reports whether the remaining budget is below either threshold.
func (s *RateLimitState) IsLow() bool {
	if s.Remaining < LowRemainingFloor {
		return true
	}
	return s.Limit > 0 && float64(s.Remaining) < float64(s.Limit)*LowRemainingRatio
}

// TimeUntilReset returns the duration until the window resets.
// Returns 0 if the reset time has already passed.
func (s *RateLimitState) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth updates the IsHealthy field based on the remaining budget.
func (s *RateLimitState) UpdateHealth() {
	s.IsHealthy = !s.IsLow()
}
