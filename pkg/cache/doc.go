// Package cache provides the staggered-TTL store for slowly changing
// reference metadata.
//
// The upstream statistics service publishes code lists (classification
// entries) that many datasets share. Fetching them is expensive and rate
// limited, so entries are stored once per stable id, each resource keeps
// only the list of ids it depends on, and every entry expires on its own
// schedule:
//
//	ttl_days = base_ttl + (xxhash(id) mod jitter_window)
//
// The hash is deterministic, so an id keeps its place in the expiration
// window across runs, while a batch of entries created together still
// expires on a rolling schedule instead of all at once.
//
// # Basic usage
//
//	store := cache.OpenStore(dir, logger)
//	manager := cache.NewManager(store, loader, cache.DefaultTTLConfig(), logger)
//
//	// Ensure one resource's dependencies are present (first contact).
//	fetched, err := manager.EnsureResource(ctx, "dataset/abc")
//
//	// Look up entries, refreshing whatever has expired.
//	entries, expired, err := manager.GetOrRefresh(ctx, ids, false)
//
//	// Maintenance sweep.
//	summary := manager.RefreshExpired(ctx, false)
//
// Stale entries are never evicted, only marked for refresh; a forced refresh
// resets an entry's first_seen timestamp. Concurrent refreshes of the same
// resource are coalesced into a single upstream fetch.
//
// # Persistence
//
// The entry store and the resource mappings are two independent JSON files,
// written atomically (temp file + rename). A missing or corrupt file loads
// as a cold cache and is logged, never fatal.
//
// # Metrics
//
//   - stat_cache_hits_total / stat_cache_misses_total
//   - stat_cache_refreshes_total{outcome}
//   - stat_cache_errors_total{operation}
//   - stat_cache_entries
package cache
