package dispatch

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gitpulse/dispatch/pkg/backoff"
	"github.com/gitpulse/dispatch/pkg/registry"
	"github.com/gitpulse/dispatch/pkg/transport"
)

// scriptedTransport returns canned responses per provider, matched by
// URL substring, consuming each provider's script in order.
type scriptedTransport struct {
	mu      sync.Mutex
	scripts map[string][]scriptStep
	calls   map[string]int
}

type scriptStep struct {
	status     int
	body       string
	headers    map[string]string
	networkErr bool
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		scripts: make(map[string][]scriptStep),
		calls:   make(map[string]int),
	}
}

func (s *scriptedTransport) script(key string, steps ...scriptStep) {
	s.scripts[key] = steps
}

func (s *scriptedTransport) callCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

func (s *scriptedTransport) Send(ctx context.Context, spec transport.RequestSpec) (*transport.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, steps := range s.scripts {
		if !strings.Contains(spec.URL, key) {
			continue
		}

		index := s.calls[key]
		s.calls[key]++
		if index >= len(steps) {
			index = len(steps) - 1
		}
		step := steps[index]

		if step.networkErr {
			return nil, &transport.RequestError{Class: transport.ClassNetwork, Message: "connection refused"}
		}

		headers := http.Header{}
		for k, v := range step.headers {
			headers.Set(k, v)
		}
		return &transport.Response{
			StatusCode: step.status,
			Headers:    headers,
			Body:       []byte(step.body),
		}, nil
	}

	return nil, &transport.RequestError{Class: transport.ClassNetwork, Message: "no script for " + spec.URL}
}

// testProvider builds a minimal spec hitting a distinguishable URL.
func testProvider(name string, configured bool) ProviderSpec {
	return ProviderSpec{
		Name:       name,
		Configured: configured,
		NewRequest: func(req Request) (transport.RequestSpec, error) {
			return transport.RequestSpec{
				Method: "POST",
				URL:    "https://" + name + ".example/complete",
				Body:   []byte(req.Prompt),
			}, nil
		},
		ParseResponse: func(body []byte) (string, error) {
			return string(body), nil
		},
	}
}

// fastPolicy keeps retry waits negligible in tests.
func fastPolicy() backoff.Policy {
	return backoff.Policy{
		MaxAttempts: 3,
		BaseWait:    time.Millisecond,
		Ceiling:     50 * time.Millisecond,
		Strategy:    backoff.StrategyFixed,
	}
}

func newTestDispatcher(t *testing.T, tr transport.Transport, specs ...ProviderSpec) *Dispatcher {
	t.Helper()
	reg := registry.New(Definitions(specs))
	return New(tr, reg, specs, WithPolicy(fastPolicy()))
}

func TestDispatch_PrimarySucceeds(t *testing.T) {
	tr := newScriptedTransport()
	tr.script("a.example", scriptStep{status: 200, body: "answer from a"})

	d := newTestDispatcher(t, tr, testProvider("a", true), testProvider("b", true))
	result := d.Dispatch(context.Background(), Request{Prompt: "hello"})

	if !result.Success {
		t.Fatal("Expected success")
	}
	if result.ProviderUsed != "a" {
		t.Errorf("ProviderUsed = %q, want %q", result.ProviderUsed, "a")
	}
	if result.Payload != "answer from a" {
		t.Errorf("Payload = %q, want %q", result.Payload, "answer from a")
	}
	if tr.callCount("b.example") != 0 {
		t.Error("Secondary provider must not be called when primary succeeds")
	}
}

// Provider A answers 500 three times; B answers 200. The dispatch must
// resolve through B, and A's failure count must be exactly 1 (one
// failure recorded when its retry budget is exhausted, not three).
func TestDispatch_FailoverAfterRetryBudget(t *testing.T) {
	tr := newScriptedTransport()
	tr.script("a.example", scriptStep{status: 500})
	tr.script("b.example", scriptStep{status: 200, body: "answer from b"})

	d := newTestDispatcher(t, tr, testProvider("a", true), testProvider("b", true))
	result := d.Dispatch(context.Background(), Request{Prompt: "hello"})

	if !result.Success {
		t.Fatal("Expected success via failover")
	}
	if result.ProviderUsed != "b" {
		t.Errorf("ProviderUsed = %q, want %q", result.ProviderUsed, "b")
	}
	if got := tr.callCount("a.example"); got != 3 {
		t.Errorf("provider a calls = %d, want 3 (full retry budget)", got)
	}
	if got := d.Registry().Status()["a"].FailureCount; got != 1 {
		t.Errorf("provider a FailureCount = %d, want 1", got)
	}
}

// Success through a non-primary candidate promotes it to primary.
func TestDispatch_PromotesSucceedingProvider(t *testing.T) {
	tr := newScriptedTransport()
	tr.script("a.example", scriptStep{status: 500})
	tr.script("b.example", scriptStep{status: 200, body: "ok"})

	d := newTestDispatcher(t, tr, testProvider("a", true), testProvider("b", true))
	d.Dispatch(context.Background(), Request{Prompt: "hello"})

	if got := d.Registry().CurrentPrimary(); got != "b" {
		t.Errorf("CurrentPrimary() = %q, want %q after failover success", got, "b")
	}
}

// 4xx other than 429 fails the provider immediately, without retries.
func TestDispatch_ClientErrorDoesNotRetry(t *testing.T) {
	tr := newScriptedTransport()
	tr.script("a.example", scriptStep{status: 401})
	tr.script("b.example", scriptStep{status: 200, body: "ok"})

	d := newTestDispatcher(t, tr, testProvider("a", true), testProvider("b", true))
	result := d.Dispatch(context.Background(), Request{Prompt: "hello"})

	if result.ProviderUsed != "b" {
		t.Errorf("ProviderUsed = %q, want %q", result.ProviderUsed, "b")
	}
	if got := tr.callCount("a.example"); got != 1 {
		t.Errorf("provider a calls = %d, want 1 (no retries on 401)", got)
	}
	if got := d.Registry().Status()["a"].FailureCount; got != 1 {
		t.Errorf("provider a FailureCount = %d, want 1", got)
	}
}

func TestDispatch_RateLimitRetriesWithHint(t *testing.T) {
	tr := newScriptedTransport()
	tr.script("a.example",
		scriptStep{status: 429, headers: map[string]string{"Retry-After": "0"}},
		scriptStep{status: 200, body: "recovered"},
	)

	d := newTestDispatcher(t, tr, testProvider("a", true))
	result := d.Dispatch(context.Background(), Request{Prompt: "hello"})

	if !result.Success || result.ProviderUsed != "a" {
		t.Fatalf("Expected recovery on provider a, got %+v", result)
	}
	if got := tr.callCount("a.example"); got != 2 {
		t.Errorf("provider a calls = %d, want 2", got)
	}
	if got := d.Registry().Status()["a"].FailureCount; got != 0 {
		t.Errorf("provider a FailureCount = %d, want 0 after recovery", got)
	}
}

func TestDispatch_NetworkFailureRetries(t *testing.T) {
	tr := newScriptedTransport()
	tr.script("a.example",
		scriptStep{networkErr: true},
		scriptStep{status: 200, body: "recovered"},
	)

	d := newTestDispatcher(t, tr, testProvider("a", true))
	result := d.Dispatch(context.Background(), Request{Prompt: "hello"})

	if !result.Success || result.ProviderUsed != "a" {
		t.Fatalf("Expected recovery after network error, got %+v", result)
	}
}

// When every configured provider is exhausted the static responder
// answers; dispatch never surfaces an error.
func TestDispatch_AllProvidersExhaustedUsesFallback(t *testing.T) {
	tr := newScriptedTransport()
	tr.script("a.example", scriptStep{status: 500})
	tr.script("b.example", scriptStep{networkErr: true})

	d := newTestDispatcher(t, tr, testProvider("a", true), testProvider("b", true))
	result := d.Dispatch(context.Background(), Request{Prompt: "hello"})

	if !result.Success {
		t.Error("Fallback result must be marked successful")
	}
	if result.ProviderUsed != FallbackProvider {
		t.Errorf("ProviderUsed = %q, want %q", result.ProviderUsed, FallbackProvider)
	}
	if result.Payload == "" {
		t.Error("Fallback payload must not be empty")
	}
	if result.ErrorDetail == "" {
		t.Error("Fallback result should carry the last failure detail")
	}

	status := d.Registry().Status()
	if status["a"].FailureCount != 1 || status["b"].FailureCount != 1 {
		t.Errorf("FailureCounts = a:%d b:%d, want 1 each",
			status["a"].FailureCount, status["b"].FailureCount)
	}
}

func TestDispatch_NoConfiguredProviders(t *testing.T) {
	tr := newScriptedTransport()

	d := newTestDispatcher(t, tr, testProvider("a", false), testProvider("b", false))
	result := d.Dispatch(context.Background(), Request{Prompt: "hello"})

	if !result.Success || result.ProviderUsed != FallbackProvider {
		t.Errorf("Expected immediate fallback, got %+v", result)
	}
	if tr.callCount("a.example") != 0 || tr.callCount("b.example") != 0 {
		t.Error("Unconfigured providers must never be attempted")
	}
}

func TestDispatch_UnconfiguredProviderSkipped(t *testing.T) {
	tr := newScriptedTransport()
	tr.script("b.example", scriptStep{status: 200, body: "ok"})

	d := newTestDispatcher(t, tr, testProvider("a", false), testProvider("b", true))
	result := d.Dispatch(context.Background(), Request{Prompt: "hello"})

	if result.ProviderUsed != "b" {
		t.Errorf("ProviderUsed = %q, want %q", result.ProviderUsed, "b")
	}
	if tr.callCount("a.example") != 0 {
		t.Error("Unconfigured provider must not be attempted")
	}
}

func TestDispatch_MalformedSuccessBodyFailsOver(t *testing.T) {
	specA := testProvider("a", true)
	specA.ParseResponse = func(body []byte) (string, error) {
		return "", &transport.RequestError{Class: transport.ClassClient, Message: "bad body"}
	}

	tr := newScriptedTransport()
	tr.script("a.example", scriptStep{status: 200, body: "garbage"})
	tr.script("b.example", scriptStep{status: 200, body: "ok"})

	d := newTestDispatcher(t, tr, specA, testProvider("b", true))
	result := d.Dispatch(context.Background(), Request{Prompt: "hello"})

	if result.ProviderUsed != "b" {
		t.Errorf("ProviderUsed = %q, want %q", result.ProviderUsed, "b")
	}
	if got := tr.callCount("a.example"); got != 1 {
		t.Errorf("provider a calls = %d, want 1 (no retry on parse failure)", got)
	}
}

func TestDispatch_WithFallbackOverride(t *testing.T) {
	tr := newScriptedTransport()
	specs := []ProviderSpec{testProvider("a", false)}
	reg := registry.New(Definitions(specs))

	d := New(tr, reg, specs,
		WithPolicy(fastPolicy()),
		WithFallback(func(req Request) string { return "custom: " + req.Prompt }),
	)

	result := d.Dispatch(context.Background(), Request{Prompt: "hi"})
	if result.Payload != "custom: hi" {
		t.Errorf("Payload = %q, want custom fallback", result.Payload)
	}
}

func TestDispatch_ContextCancelledDuringBackoff(t *testing.T) {
	tr := newScriptedTransport()
	tr.script("a.example", scriptStep{status: 500})

	specs := []ProviderSpec{testProvider("a", true)}
	reg := registry.New(Definitions(specs))
	d := New(tr, reg, specs, WithPolicy(backoff.Policy{
		MaxAttempts: 3,
		BaseWait:    5 * time.Second,
		Ceiling:     60 * time.Second,
		Strategy:    backoff.StrategyFixed,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	result := d.Dispatch(ctx, Request{Prompt: "hello"})
	elapsed := time.Since(start)

	// The fallback still answers, but without sitting out the backoff.
	if result.ProviderUsed != FallbackProvider {
		t.Errorf("ProviderUsed = %q, want fallback", result.ProviderUsed)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Dispatch took %v, should abandon backoff on cancellation", elapsed)
	}
}
