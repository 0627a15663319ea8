package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gitpulse/dispatch/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for quota tracking.
var (
	quotaRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_quota_remaining",
		Help: "Requests remaining in the current upstream quota window",
	})

	quotaBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_quota_blocks_total",
		Help: "Total wave admissions blocked due to critical quota",
	})

	quotaThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_quota_throttles_total",
		Help: "Total wave admissions throttled due to low quota",
	})
)

// Tracker monitors upstream quota headers and gates batch admission.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewTracker creates a quota tracker over a Redis client.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
	}
}

// GetState retrieves the current quota state from Redis. Returns a
// default healthy state if no data exists yet.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	remaining, err := t.redis.Get(ctx, RedisKeyRemaining).Int()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get quota remaining: %w", err)
	}

	limit, err := t.redis.Get(ctx, RedisKeyLimit).Int()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get quota limit: %w", err)
	}

	resetTimestamp, err := t.redis.Get(ctx, RedisKeyResetAt).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get quota reset timestamp: %w", err)
	}

	lastUpdateStr, err := t.redis.Get(ctx, RedisKeyLastUpdate).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get quota last update: %w", err)
	}

	// No state yet: assume healthy until real headers arrive.
	if err == redis.Nil {
		t.logger.Debug().Msg("No quota state in Redis, returning default healthy state")
		return &State{
			Remaining:  ThresholdHealthy,
			Limit:      ThresholdHealthy,
			ResetAt:    time.Now().Add(60 * time.Minute),
			LastUpdate: time.Now(),
			IsHealthy:  true,
		}, nil
	}

	var lastUpdate time.Time
	if lastUpdateStr != "" {
		if err := json.Unmarshal([]byte(lastUpdateStr), &lastUpdate); err != nil {
			return nil, fmt.Errorf("parse quota last update: %w", err)
		}
	}

	state := &State{
		Remaining:  remaining,
		Limit:      limit,
		ResetAt:    time.Unix(resetTimestamp, 0),
		LastUpdate: lastUpdate,
	}
	state.UpdateHealth()

	return state, nil
}

// UpdateFromHeaders parses quota headers from an upstream response and
// stores the new state in Redis. Responses without quota headers are
// ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get("X-RateLimit-Remaining")
	if remainStr == "" {
		// Header not present; fine for endpoints outside the quota.
		return nil
	}

	remaining, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse X-RateLimit-Remaining header: %w", err)
	}

	limit := 0
	if limitStr := headers.Get("X-RateLimit-Limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return fmt.Errorf("parse X-RateLimit-Limit header: %w", err)
		}
	}

	now := time.Now()
	resetAt := now.Add(60 * time.Minute)
	if resetStr := headers.Get("X-RateLimit-Reset"); resetStr != "" {
		resetEpoch, err := strconv.ParseInt(resetStr, 10, 64)
		if err != nil {
			return fmt.Errorf("parse X-RateLimit-Reset header: %w", err)
		}
		resetAt = time.Unix(resetEpoch, 0)
	}

	state := &State{
		Remaining:  remaining,
		Limit:      limit,
		ResetAt:    resetAt,
		LastUpdate: now,
	}
	state.UpdateHealth()

	lastUpdateJSON, err := json.Marshal(state.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal quota last update: %w", err)
	}

	pipe := t.redis.Pipeline()
	pipe.Set(ctx, RedisKeyRemaining, remaining, 0)
	pipe.Set(ctx, RedisKeyLimit, limit, 0)
	pipe.Set(ctx, RedisKeyResetAt, state.ResetAt.Unix(), 0)
	pipe.Set(ctx, RedisKeyLastUpdate, lastUpdateJSON, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store quota state in redis: %w", err)
	}

	quotaRemaining.Set(float64(remaining))

	logEvent := t.logger.Info()
	msg := "Quota state updated"
	if state.NeedsCriticalBlock() {
		logEvent = t.logger.Error()
		msg = "Quota CRITICAL - new waves will be blocked"
	} else if state.NeedsThrottling() {
		logEvent = t.logger.Warn()
		msg = "Quota WARNING - waves will be throttled"
	}

	logEvent.
		Int("remaining", remaining).
		Int("limit", limit).
		Time("reset_at", state.ResetAt).
		Bool("is_healthy", state.IsHealthy).
		Msg(msg)

	return nil
}

// Allow reports whether a new batch wave may start under the current
// quota. Blocks admission in the critical band; sleeps briefly in the
// warning band. Implements batch.Gate.
func (t *Tracker) Allow(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, fmt.Errorf("get quota state: %w", err)
	}

	if state.NeedsCriticalBlock() {
		t.logger.Error().
			Int("remaining", state.Remaining).
			Dur("until_reset", state.TimeUntilReset()).
			Msg("Quota critical - blocking wave")

		quotaBlocksTotal.Inc()
		return false, nil
	}

	if state.NeedsThrottling() {
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Msg("Quota low - throttling wave")

		quotaThrottlesTotal.Inc()
		select {
		case <-ctx.Done():
			return false, nil
		case <-time.After(1 * time.Second):
		}
	}

	return true, nil
}

// trackedTransport records quota headers from every response.
type trackedTransport struct {
	next    transport.Transport
	tracker *Tracker
}

// WrapTransport returns a Transport that feeds every response's quota
// headers into the tracker before handing the response back. Tracking
// failures are logged, never propagated; quota visibility must not
// break the request path.
func WrapTransport(next transport.Transport, tracker *Tracker) transport.Transport {
	return &trackedTransport{next: next, tracker: tracker}
}

// Send implements transport.Transport.
func (t *trackedTransport) Send(ctx context.Context, spec transport.RequestSpec) (*transport.Response, error) {
	resp, err := t.next.Send(ctx, spec)
	if resp != nil {
		if updateErr := t.tracker.UpdateFromHeaders(ctx, resp.Headers); updateErr != nil {
			t.tracker.logger.Warn().Err(updateErr).Msg("Failed to update quota from headers")
		}
	}
	return resp, err
}
