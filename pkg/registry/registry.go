// Package registry tracks the backend providers available for logical
// request dispatch: which are configured, how often each has failed, and
// which one is currently primary. All mutation goes through one mutex so
// failure counts are never lost to concurrent dispatches.
package registry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for provider registry state.
var (
	providerFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_provider_failures_total",
		Help: "Total provider failures recorded by provider name",
	}, []string{"provider"})

	primarySwitchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_primary_switches_total",
		Help: "Total number of primary provider switches",
	})
)

// NonePrimary is the sentinel returned by CurrentPrimary when no
// configured provider exists.
const NonePrimary = "none"

// Definition declares one provider at registry construction time.
type Definition struct {
	// Name uniquely identifies the provider (e.g. "openrouter", "gemini").
	Name string

	// Configured reports whether credentials/config are present.
	// An unconfigured provider is never attempted and can never be primary.
	Configured bool
}

// Info is a read-only snapshot of one provider's state.
type Info struct {
	Configured   bool `json:"configured"`
	FailureCount int  `json:"failure_count"`
	IsPrimary    bool `json:"is_primary"`
}

// provider is the internal mutable record, guarded by Registry.mu.
type provider struct {
	name         string
	configured   bool
	failureCount int
	isPrimary    bool
}

// Registry holds the ordered provider list. Providers are defined once
// at construction and never removed; only flags and counters mutate.
type Registry struct {
	mu        sync.Mutex
	providers []*provider
	byName    map[string]*provider
	logger    zerolog.Logger
}

// New creates a registry from the declared providers. The first
// configured provider becomes primary; if none is configured there is no
// primary until a provider is configured and promoted.
func New(defs []Definition) *Registry {
	r := &Registry{
		byName: make(map[string]*provider, len(defs)),
		logger: log.With().Str("component", "registry").Logger(),
	}

	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		if _, exists := r.byName[def.Name]; exists {
			continue
		}
		p := &provider{
			name:       def.Name,
			configured: def.Configured,
		}
		r.providers = append(r.providers, p)
		r.byName[def.Name] = p
	}

	for _, p := range r.providers {
		if p.configured {
			p.isPrimary = true
			break
		}
	}

	return r
}

// Status returns a read-only snapshot of all providers, keyed by name.
// Side-effect free; safe to call from any goroutine.
func (r *Registry) Status() map[string]Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make(map[string]Info, len(r.providers))
	for _, p := range r.providers {
		snapshot[p.name] = Info{
			Configured:   p.configured,
			FailureCount: p.failureCount,
			IsPrimary:    p.isPrimary,
		}
	}
	return snapshot
}

// CurrentPrimary returns the name of the primary provider, or
// NonePrimary when no provider is configured.
func (r *Registry) CurrentPrimary() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.providers {
		if p.isPrimary {
			return p.name
		}
	}
	return NonePrimary
}

// MarkFailure increments the failure counter for the named provider.
// No-op if the name is unknown. Counters never reset automatically;
// see ResetFailures for the explicit operator action.
func (r *Registry) MarkFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byName[name]
	if !ok {
		return
	}

	p.failureCount++
	providerFailuresTotal.WithLabelValues(name).Inc()

	r.logger.Warn().
		Str("provider", name).
		Int("failure_count", p.failureCount).
		Msg("Provider failure recorded")
}

// SetPrimary promotes the named provider to primary. Succeeds only if
// the provider is configured; otherwise returns false and leaves state
// unchanged. The one-primary invariant is enforced by clearing the flag
// on all other providers in the same critical section.
func (r *Registry) SetPrimary(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byName[name]
	if !ok || !p.configured {
		return false
	}

	if p.isPrimary {
		return true
	}

	for _, other := range r.providers {
		other.isPrimary = false
	}
	p.isPrimary = true
	primarySwitchesTotal.Inc()

	r.logger.Info().
		Str("provider", name).
		Msg("Primary provider switched")

	return true
}

// ResetFailures zeroes the failure counter for the named provider.
// This is the explicit operator action; nothing in the dispatch path
// resets counters. No-op if the name is unknown.
func (r *Registry) ResetFailures(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byName[name]
	if !ok {
		return
	}

	p.failureCount = 0

	r.logger.Info().
		Str("provider", name).
		Msg("Provider failure count reset")
}

// AttemptOrder returns the candidate order for one dispatch: the current
// primary first, then the remaining configured providers in declaration
// order. Unconfigured providers are never included.
func (r *Registry) AttemptOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	order := make([]string, 0, len(r.providers))
	for _, p := range r.providers {
		if p.configured && p.isPrimary {
			order = append(order, p.name)
		}
	}
	for _, p := range r.providers {
		if p.configured && !p.isPrimary {
			order = append(order, p.name)
		}
	}
	return order
}
