// Package quota tracks the shared request quota of a rate-limited
// external API (X-RateLimit-Remaining / X-RateLimit-Reset style headers)
// and gates batch waves before the quota is breached. State lives in
// Redis so every process hitting the same API shares one quota view.
package quota

import (
	"time"
)

// Redis keys for quota state storage.
const (
	RedisKeyRemaining  = "dispatch:quota:remaining"
	RedisKeyLimit      = "dispatch:quota:limit"
	RedisKeyResetAt    = "dispatch:quota:reset_at"
	RedisKeyLastUpdate = "dispatch:quota:last_update"
)

// Thresholds for quota admission decisions.
const (
	// ThresholdCritical blocks new waves when remaining requests fall
	// below this value, leaving headroom for in-flight retries.
	ThresholdCritical = 5

	// ThresholdWarning throttles wave admission when remaining requests
	// fall below this value.
	ThresholdWarning = 50

	// ThresholdHealthy indicates normal operation.
	ThresholdHealthy = 200
)

// State is the current quota window state, shared across instances via Redis.
type State struct {
	// Remaining is the number of requests left in the current window,
	// from the X-RateLimit-Remaining header.
	Remaining int `json:"remaining"`

	// Limit is the window's total request budget, from X-RateLimit-Limit.
	Limit int `json:"limit"`

	// ResetAt is when the quota window resets, from X-RateLimit-Reset
	// (epoch seconds).
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was last refreshed from headers.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining >= ThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state is older than maxAge.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock returns true if new waves should be blocked.
func (s *State) NeedsCriticalBlock() bool {
	return s.Remaining < ThresholdCritical
}

// NeedsThrottling returns true if wave admission should be slowed.
func (s *State) NeedsThrottling() bool {
	return s.Remaining < ThresholdWarning && !s.NeedsCriticalBlock()
}

// TimeUntilReset returns the duration until the quota window resets,
// or 0 if the reset time has already passed.
func (s *State) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth recomputes IsHealthy from Remaining.
func (s *State) UpdateHealth() {
	s.IsHealthy = s.Remaining >= ThresholdHealthy
}
