// Package metrics provides the centralized Prometheus metrics registry for
// the statistics client. All metrics are defined in their respective packages
// (client, cache, ratelimit, update) to maintain modularity and avoid
// circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the statistics client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - stat_rate_limit_waits_total{source} (Counter): Requests that had to wait for the limiter
//   - stat_rate_limit_wait_seconds{source} (Histogram): Time spent waiting per source
//
// Request Metrics (pkg/client):
//   - stat_requests_total{source, status} (Counter): Upstream requests by source and HTTP status
//   - stat_request_duration_seconds{source} (Histogram): Request duration by source
//   - stat_errors_total{class} (Counter): Failures by error class (timeout, connectivity, ...)
//   - stat_transport_fallback_total (Counter): Requests answered by the secondary transport
//
// Retry Metrics (pkg/client):
//   - stat_retries_total{error_class} (Counter): Retry attempts by error class
//   - stat_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - stat_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Cache Metrics (pkg/cache):
//   - stat_cache_hits_total (Counter): Entry lookups served from the cache
//   - stat_cache_misses_total (Counter): Entry lookups that required a fetch
//   - stat_cache_refreshes_total{outcome} (Counter): Resource refreshes by outcome
//   - stat_cache_errors_total{operation} (Counter): Store operation errors
//   - stat_cache_entries (Gauge): Entries currently cached
//
// Update Metrics (pkg/update):
//   - stat_update_checks_total{reason} (Counter): Update check decisions by reason
//   - stat_merge_rows_total{outcome} (Counter): Merged rows by outcome (replaced, added)
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(stat_cache_hits_total[5m])) /
//   (sum(rate(stat_cache_hits_total[5m])) + sum(rate(stat_cache_misses_total[5m])))
//
//   # Request Error Rate
//   rate(stat_errors_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(stat_request_duration_seconds_bucket[5m]))
//
//   # Share of Fetches Skipped as Up To Date
//   rate(stat_update_checks_total{reason="up_to_date"}[5m]) /
//   sum(rate(stat_update_checks_total[5m]))
