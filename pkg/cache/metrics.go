package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks lookups answered from the local store.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stat_cache_hits_total",
		Help: "Total number of code-list cache hits",
	})

	// CacheMisses tracks lookups for expired or absent entries.
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stat_cache_misses_total",
		Help: "Total number of code-list cache misses (absent or expired)",
	})

	// CacheRefreshes tracks resource refreshes by outcome.
	CacheRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stat_cache_refreshes_total",
		Help: "Total number of resource refreshes by outcome",
	}, []string{"outcome"}) // "ok", "error"

	// CacheErrors tracks store operation errors.
	CacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stat_cache_errors_total",
		Help: "Total number of cache store operation errors",
	}, []string{"operation"}) // "load", "persist"

	// CacheEntries tracks the number of entries in the store.
	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stat_cache_entries",
		Help: "Current number of deduplicated code-list entries",
	})
)
