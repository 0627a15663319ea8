// Package metrics provides the centralized Prometheus registry reference
// for the dispatch core. All metrics are defined in their respective
// packages (dispatch, batch, registry, quota) to maintain modularity and
// avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the dispatch core.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Dispatch Metrics (pkg/dispatch):
//   - dispatch_requests_total{provider, outcome} (Counter): Logical dispatches by provider and outcome
//   - dispatch_attempt_duration_seconds{provider} (Histogram): Upstream attempt duration by provider
//   - dispatch_retries_total{provider, error_class} (Counter): Dispatch retry attempts
//   - dispatch_fallbacks_total (Counter): Dispatches resolved by the static fallback responder
//
// Registry Metrics (pkg/registry):
//   - dispatch_provider_failures_total{provider} (Counter): Provider failures recorded
//   - dispatch_primary_switches_total (Counter): Primary provider switches
//
// Batch Metrics (pkg/batch):
//   - dispatch_batch_items_total{outcome} (Counter): Items by final outcome (success, not_found, exhausted, failed, deadline)
//   - dispatch_batch_waves_total (Counter): Waves dispatched
//   - dispatch_batch_item_retries_total{error_class} (Counter): Per-item retry attempts
//
// Quota Metrics (pkg/quota):
//   - dispatch_quota_remaining (Gauge): Requests remaining in the current quota window
//   - dispatch_quota_blocks_total (Counter): Waves blocked due to critical quota
//   - dispatch_quota_throttles_total (Counter): Waves throttled due to low quota
//
// Example Prometheus Queries:
//
//   # Fallback Rate
//   rate(dispatch_fallbacks_total[5m]) / sum(rate(dispatch_requests_total[5m]))
//
//   # Per-Provider Failure Rate
//   rate(dispatch_provider_failures_total[5m])
//
//   # Quota Headroom
//   dispatch_quota_remaining < 50
//
//   # P95 Upstream Latency
//   histogram_quantile(0.95, rate(dispatch_attempt_duration_seconds_bucket[5m]))
//
//   # Batch Item Exhaustion Rate
//   rate(dispatch_batch_items_total{outcome="exhausted"}[5m])
