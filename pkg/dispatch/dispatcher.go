// Package dispatch implements the multi-provider fallback dispatcher:
// one logical request is tried against the current primary provider
// first, then the remaining configured providers, then a static local
// responder that always succeeds. Dispatch never returns a Go error and
// always completes within the combined retry budget.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gitpulse/dispatch/pkg/backoff"
	"github.com/gitpulse/dispatch/pkg/registry"
	"github.com/gitpulse/dispatch/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for dispatch operations.
var (
	dispatchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_requests_total",
		Help: "Total logical dispatches by provider used and outcome",
	}, []string{"provider", "outcome"})

	dispatchAttemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_attempt_duration_seconds",
		Help:    "Upstream attempt duration in seconds by provider",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"provider"})

	dispatchRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_retries_total",
		Help: "Total dispatch retry attempts by provider and error class",
	}, []string{"provider", "error_class"})

	dispatchFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_fallbacks_total",
		Help: "Total dispatches resolved by the static fallback responder",
	})
)

// Dispatcher routes logical requests across the configured providers.
type Dispatcher struct {
	transport transport.Transport
	registry  *registry.Registry
	specs     map[string]ProviderSpec
	policy    backoff.Policy
	fallback  FallbackFunc
	logger    zerolog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPolicy overrides the per-provider retry policy.
func WithPolicy(p backoff.Policy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithFallback overrides the static last-resort responder.
func WithFallback(fn FallbackFunc) Option {
	return func(d *Dispatcher) { d.fallback = fn }
}

// New creates a dispatcher over the given transport and provider specs.
// The registry is injected so its state is shared with whatever else
// observes it (status endpoints, operators); provider declarations in
// the registry are expected to match the specs by name.
func New(t transport.Transport, reg *registry.Registry, specs []ProviderSpec, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		transport: t,
		registry:  reg,
		specs:     make(map[string]ProviderSpec, len(specs)),
		policy:    backoff.DefaultDispatchPolicy(),
		fallback:  defaultFallback,
		logger:    log.With().Str("component", "dispatcher").Logger(),
	}
	for _, spec := range specs {
		d.specs[spec.Name] = spec
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Definitions builds the registry declarations for a set of provider
// specs, preserving order. Convenience for wiring New with registry.New.
func Definitions(specs []ProviderSpec) []registry.Definition {
	defs := make([]registry.Definition, 0, len(specs))
	for _, spec := range specs {
		defs = append(defs, registry.Definition{
			Name:       spec.Name,
			Configured: spec.Configured,
		})
	}
	return defs
}

// Registry returns the injected provider registry.
func (d *Dispatcher) Registry() *registry.Registry {
	return d.registry
}

// Dispatch routes one logical request. Candidates are tried in priority
// order (current primary, then remaining configured providers); each
// candidate gets the full retry budget for retryable failures and is
// marked failed exactly once when exhausted. If every candidate fails,
// the static responder answers, so the result is always well-formed.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Result {
	order := d.registry.AttemptOrder()

	var lastDetail string
	for _, name := range order {
		spec, ok := d.specs[name]
		if !ok {
			continue
		}

		payload, detail := d.tryProvider(ctx, spec, req)
		if detail == "" {
			d.registry.SetPrimary(name)
			dispatchRequestsTotal.WithLabelValues(name, "success").Inc()
			return Result{
				Success:      true,
				ProviderUsed: name,
				Payload:      payload,
			}
		}

		lastDetail = detail
		d.registry.MarkFailure(name)
		dispatchRequestsTotal.WithLabelValues(name, "failure").Inc()

		d.logger.Warn().
			Str("provider", name).
			Str("detail", detail).
			Msg("Provider exhausted, advancing to next candidate")
	}

	// Every configured candidate is exhausted; the static responder
	// answers so the caller always gets a completion.
	dispatchFallbacksTotal.Inc()
	d.logger.Warn().
		Int("candidates", len(order)).
		Msg("All providers exhausted, using static fallback")

	return Result{
		Success:      true,
		ProviderUsed: FallbackProvider,
		Payload:      d.fallback(req),
		ErrorDetail:  lastDetail,
	}
}

// tryProvider runs one candidate through the retry budget. Returns the
// payload on success, or a non-empty failure detail once the candidate
// is exhausted or hit a non-retryable error.
func (d *Dispatcher) tryProvider(ctx context.Context, spec ProviderSpec, req Request) (payload, detail string) {
	attempt := 0

	for {
		resp, err := d.sendOnce(ctx, spec, req)
		if err == nil {
			text, parseErr := spec.ParseResponse(resp.Body)
			if parseErr != nil {
				// A malformed 2xx body is a provider defect, not
				// worth burning retries on.
				return "", fmt.Sprintf("parse response: %v", parseErr)
			}
			if attempt > 0 {
				d.logger.Info().
					Str("provider", spec.Name).
					Int("attempt", attempt+1).
					Msg("Request succeeded after retry")
			}
			return text, ""
		}

		attempt++

		class, hint := classifyFailure(err)
		if !transport.Retryable(class) {
			return "", err.Error()
		}

		decision := d.policy.Decide(attempt, hint)
		if !decision.ShouldRetry {
			return "", fmt.Sprintf("%v after %d attempts: %v", transport.ErrRetryExhausted, attempt, err)
		}

		dispatchRetriesTotal.WithLabelValues(spec.Name, string(class)).Inc()

		d.logger.Debug().
			Str("provider", spec.Name).
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", decision.Wait).
			Msg("Retrying provider after backoff")

		select {
		case <-ctx.Done():
			return "", fmt.Sprintf("%v: %v", transport.ErrContextCancelled, ctx.Err())
		case <-time.After(decision.Wait):
		}
	}
}

// sendOnce performs a single upstream attempt. A non-2xx status is
// converted into a classified *transport.RequestError.
func (d *Dispatcher) sendOnce(ctx context.Context, spec ProviderSpec, req Request) (*transport.Response, error) {
	reqSpec, err := spec.NewRequest(req)
	if err != nil {
		return nil, &transport.RequestError{
			Class:   transport.ClassClient,
			Message: "build provider request",
			Err:     err,
		}
	}

	start := time.Now()
	resp, err := d.transport.Send(ctx, reqSpec)
	dispatchAttemptDuration.WithLabelValues(spec.Name).Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, err
	}
	if reqErr := transport.ErrorFromResponse(resp); reqErr != nil {
		return nil, reqErr
	}
	return resp, nil
}

// classifyFailure extracts the outcome class and optional server wait
// hint from an attempt error. Unknown error shapes classify as network.
func classifyFailure(err error) (transport.Class, *time.Duration) {
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
