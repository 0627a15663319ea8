// Package batch implements the rate-limit-aware batch fetch engine:
// a list of fetch items is executed in bounded-size concurrent waves,
// each item retried individually via the backoff policy, with an
// inter-wave delay as admission control against shared quotas. An item
// that exhausts its retries contributes the zero value, never an error.
package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gitpulse/dispatch/pkg/backoff"
	"github.com/gitpulse/dispatch/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for batch fetch operations.
var (
	batchItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_batch_items_total",
		Help: "Total batch items by final outcome",
	}, []string{"outcome"})

	batchWavesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_batch_waves_total",
		Help: "Total batch waves dispatched",
	})

	batchItemRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_batch_item_retries_total",
		Help: "Total per-item retry attempts by error class",
	}, []string{"error_class"})
)

// FetchFunc fetches one item by key. Failures are classified through
// *transport.RequestError; any other error retries without a hint.
type FetchFunc[T any] func(ctx context.Context, key string) (T, error)

// Gate is consulted before each wave. A false answer stops the engine
// from initiating further waves; accumulated results are returned as-is.
// Implemented by quota.Tracker.
type Gate interface {
	Allow(ctx context.Context) (bool, error)
}

// Options configures one FetchAll invocation. Zero values take the
// documented defaults.
type Options struct {
	// BatchSize is the number of items in flight per wave (default 3).
	BatchSize int

	// MaxItems caps the total items processed (default 10).
	MaxItems int

	// InterBatchDelay is the pause between waves (default 500ms).
	// This is the primary mechanism for staying under a rolling-window
	// quota whose reset time is not precisely known.
	InterBatchDelay time.Duration

	// PerItemTimeout bounds each individual fetch attempt (default 15s).
	PerItemTimeout time.Duration

	// Policy is the per-item retry policy (default fixed 800ms backoff,
	// 3 attempts, 60s ceiling).
	Policy backoff.Policy

	// Gate, when set, is asked for admission before every wave.
	Gate Gate

	// Progress, when set, is published to during execution so callers
	// can sample completion. FetchAll creates one otherwise.
	Progress *Progress
}

// DefaultOptions returns the default batch configuration.
func DefaultOptions() Options {
	return Options{
		BatchSize:       3,
		MaxItems:        10,
		InterBatchDelay: 500 * time.Millisecond,
		PerItemTimeout:  15 * time.Second,
		Policy:          backoff.DefaultBatchPolicy(),
	}
}

// normalize backfills zero values with defaults.
func (o Options) normalize() Options {
	def := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = def.BatchSize
	}
	if o.MaxItems <= 0 {
		o.MaxItems = def.MaxItems
	}
	if o.InterBatchDelay <= 0 {
		o.InterBatchDelay = def.InterBatchDelay
	}
	if o.PerItemTimeout <= 0 {
		o.PerItemTimeout = def.PerItemTimeout
	}
	o.Policy = o.Policy.Normalize()
	if o.Progress == nil {
		o.Progress = NewProgress()
	}
	return o
}

// Result is the outcome of one FetchAll invocation. Results holds the
// final value for every processed key; keys whose item exhausted its
// retries map to the zero value of T.
type Result[T any] struct {
	Results  map[string]T
	Progress *Progress
}

// item is one unit of work with its retry count.
type item struct {
	key     string
	attempt int
}

// FetchAll executes fetchOne over the keys in bounded concurrent waves.
// Wave N fully completes (success or capped failure for every member)
// before wave N+1 begins. When the context deadline elapses the engine
// stops initiating new waves and retries and returns the partial
// results accumulated so far; it never leaves work running behind.
func FetchAll[T any](ctx context.Context, keys []string, fetchOne FetchFunc[T], opts Options) Result[T] {
	opts = opts.normalize()
	logger := log.With().Str("component", "batch").Logger()
	start := time.Now()

	if len(keys) > opts.MaxItems {
		keys = keys[:opts.MaxItems]
	}
	opts.Progress.setTotal(len(keys))

	results := make(map[string]T, len(keys))
	var mu sync.Mutex

	waves := 0
	for waveStart := 0; waveStart < len(keys); waveStart += opts.BatchSize {
		if ctx.Err() != nil {
			logger.Warn().
				Int("processed", opts.Progress.Snapshot().Processed).
				Int("total", len(keys)).
				Msg("Deadline reached, returning partial results")
			break
		}

		if opts.Gate != nil {
			allowed, err := opts.Gate.Allow(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("Admission gate check failed, continuing")
			} else if !allowed {
				logger.Warn().
					Int("processed", opts.Progress.Snapshot().Processed).
					Msg("Admission gate closed, returning partial results")
				break
			}
		}

		waveEnd := waveStart + opts.BatchSize
		if waveEnd > len(keys) {
			waveEnd = len(keys)
		}

		waves++
		batchWavesTotal.Inc()
		logger.Debug().
			Int("wave", waves).
			Int("size", waveEnd-waveStart).
			Msg("Dispatching wave")

		// Strict barrier: every member reaches a final result before
		// the next wave starts.
		var wg sync.WaitGroup
		for _, key := range keys[waveStart:waveEnd] {
			wg.Add(1)
			go func(it item) {
				defer wg.Done()
				value := fetchItem(ctx, it, fetchOne, opts)
				mu.Lock()
				results[it.key] = value
				mu.Unlock()
				opts.Progress.markProcessed()
			}(item{key: key})
		}
		wg.Wait()

		if waveEnd < len(keys) {
			select {
			case <-ctx.Done():
			case <-time.After(opts.InterBatchDelay):
			}
		}
	}

	snap := opts.Progress.Snapshot()
	logger.Info().
		Int("processed", snap.Processed).
		Int("total", snap.Total).
		Int("waves", waves).
		Dur("duration", time.Since(start)).
		Msg("Batch fetch complete")

	return Result[T]{Results: results, Progress: opts.Progress}
}

// fetchItem drives one item to a final value, retrying individually so
// a rate-limited item never forces re-fetches of its wave-mates. On cap
// exhaustion, deadline expiry, or a not-found resource the zero value
// is recorded.
func fetchItem[T any](ctx context.Context, it item, fetchOne FetchFunc[T], opts Options) T {
	var zero T
	logger := log.With().Str("component", "batch").Str("key", it.key).Logger()

	for {
		if ctx.Err() != nil {
			batchItemsTotal.WithLabelValues("deadline").Inc()
			return zero
		}

		itemCtx, cancel := context.WithTimeout(ctx, opts.PerItemTimeout)
		value, err := fetchOne(itemCtx, it.key)
		cancel()

		if err == nil {
			batchItemsTotal.WithLabelValues("success").Inc()
			return value
		}

		class, hint := classifyItemError(err)

		// The resource genuinely does not exist or is inaccessible;
		// expected, not an error, and never retried.
		if class == transport.ClassNotFound {
			batchItemsTotal.WithLabelValues("not_found").Inc()
			logger.Debug().Msg("Item not found, recording empty result")
			return zero
		}

		if !transport.Retryable(class) {
			batchItemsTotal.WithLabelValues("failed").Inc()
			logger.Warn().Err(err).Str("error_class", string(class)).Msg("Item failed with non-retryable error")
			return zero
		}

		it.attempt++
		decision := opts.Policy.Decide(it.attempt, hint)
		if !decision.ShouldRetry {
			batchItemsTotal.WithLabelValues("exhausted").Inc()
			logger.Warn().
				Err(err).
				Int("attempts", it.attempt).
				Msg("Item retries exhausted, recording empty result")
			return zero
		}

		batchItemRetriesTotal.WithLabelValues(string(class)).Inc()
		logger.Debug().
			Str("error_class", string(class)).
			Int("attempt", it.attempt).
			Dur("backoff", decision.Wait).
			Msg("Retrying item after backoff")

		select {
		case <-ctx.Done():
			batchItemsTotal.WithLabelValues("deadline").Inc()
			return zero
		case <-time.After(decision.Wait):
		}
	}
}

// classifyItemError maps a fetch error to an outcome class and optional
// server wait hint. Errors outside the transport taxonomy retry without
// a hint.
func classifyItemError(err error) (transport.Class, *time.Duration) {
	var reqErr *transport.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.Class == transport.ClassRateLimit && reqErr.RetryAfter > 0 {
			hint := reqErr.RetryAfter
			return reqErr.Class, &hint
		}
		return reqErr.Class, nil
	}
	return transport.ClassNetwork, nil
}
