// Package backoff implements the pure retry/wait policy shared by the
// fallback dispatcher and the batch fetch engine. Decide is a pure
// function of the attempt number and an optional server hint, which
// keeps it independent of the transport and trivially unit-testable.
package backoff

import (
	"math/rand"
	"time"
)

// Strategy selects how the default wait grows with the attempt number.
type Strategy string

const (
	// StrategyFixed waits the same base duration before every retry.
	// Used for batch-item retries.
	StrategyFixed Strategy = "fixed"

	// StrategyLinear waits base × attempt.
	StrategyLinear Strategy = "linear"

	// StrategyExponential waits base × 2^(attempt-1).
	// Used for single-request dispatch retries.
	StrategyExponential Strategy = "exponential"
)

// Policy holds the retry configuration for one call site.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// BaseWait is the wait before the first retry.
	BaseWait time.Duration

	// Ceiling bounds every wait, including server hints. The policy
	// never sleeps longer than this regardless of what the server asks.
	Ceiling time.Duration

	// Strategy selects the default wait curve when no hint is present.
	Strategy Strategy

	// Jitter adds ±20% randomness to computed waits (not to server
	// hints) to avoid thundering-herd retries.
	Jitter bool
}

// Decision is the policy's answer for one failed attempt.
type Decision struct {
	ShouldRetry bool
	Wait        time.Duration
}

// DefaultDispatchPolicy returns the retry policy for single-request
// dispatch: exponential from 1s, 3 attempts, 60s ceiling.
func DefaultDispatchPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseWait:    1 * time.Second,
		Ceiling:     60 * time.Second,
		Strategy:    StrategyExponential,
		Jitter:      true,
	}
}

// DefaultBatchPolicy returns the retry policy for batch items: fixed
// 800ms, 3 attempts, 60s ceiling.
func DefaultBatchPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseWait:    800 * time.Millisecond,
		Ceiling:     60 * time.Second,
		Strategy:    StrategyFixed,
	}
}

// Normalize backfills zero values with defaults so a partially
// populated policy is safe to use.
func (p Policy) Normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseWait <= 0 {
		p.BaseWait = 800 * time.Millisecond
	}
	if p.Ceiling <= 0 {
		p.Ceiling = 60 * time.Second
	}
	if p.Strategy == "" {
		p.Strategy = StrategyFixed
	}
	return p
}

// Decide returns whether a retry should happen after the given number of
// completed attempts, and how long to wait first. A non-nil hint is the
// server-supplied wait (e.g. Retry-After) and takes precedence over the
// default curve. All waits are clamped to the ceiling.
func (p Policy) Decide(attempt int, hint *time.Duration) Decision {
	p = p.Normalize()

	if attempt >= p.MaxAttempts {
		return Decision{ShouldRetry: false}
	}

	var wait time.Duration
	if hint != nil {
		wait = *hint
		if wait < 0 {
			wait = 0
		}
	} else {
		wait = p.defaultWait(attempt)
		if p.Jitter {
			wait = time.Duration(float64(wait) * (0.8 + rand.Float64()*0.4))
		}
	}

	if wait > p.Ceiling {
		wait = p.Ceiling
	}

	return Decision{ShouldRetry: true, Wait: wait}
}

// defaultWait computes the hint-free wait for the given attempt (1-based:
// attempt 1 is the wait before the first retry).
func (p Policy) defaultWait(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	switch p.Strategy {
	case StrategyLinear:
		return p.BaseWait * time.Duration(attempt)
	case StrategyExponential:
		wait := p.BaseWait
		for i := 1; i < attempt; i++ {
			wait *= 2
			if wait > p.Ceiling {
				return p.Ceiling
			}
		}
		return wait
	default:
		return p.BaseWait
	}
}

// MaxTotalWait returns an upper bound on the cumulative sleep the policy
// can impose across all retries of one operation. Useful for reasoning
// about worst-case dispatch latency.
func (p Policy) MaxTotalWait() time.Duration {
	p = p.Normalize()
	return time.Duration(p.MaxAttempts-1) * p.Ceiling
}
