package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mkarlsen/statclient/pkg/update"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Loader fetches a resource's full structured-metadata payload and derives
// the code-list entries it contains, keyed by entry id. The client package
// wires its retrying transport and schema parser in here; the cache never
// talks to the network itself.
type Loader interface {
	LoadEntries(ctx context.Context, resourceID string) (map[string][]update.Row, error)
}

// SweepSummary reports the outcome of a maintenance sweep.
type SweepSummary struct {
	Refreshed  int
	Failed     int
	Total      int
	ExpiredIDs []string
}

// Manager coordinates the staggered-TTL cache: expiry decisions, per-resource
// refreshes (coalesced so concurrent callers trigger one network fetch), and
// the maintenance sweep.
type Manager struct {
	store  *Store
	loader Loader
	ttl    TTLConfig
	logger zerolog.Logger

	// sf coalesces concurrent refreshes of the same resource.
	sf singleflight.Group

	// SweepConcurrency bounds the maintenance sweep's worker pool.
	SweepConcurrency int

	// now is swappable for tests.
	now func() time.Time
}

// NewManager creates a cache manager.
func NewManager(store *Store, loader Loader, ttl TTLConfig, logger zerolog.Logger) *Manager {
	if store == nil {
		panic("store cannot be nil")
	}
	if loader == nil {
		panic("loader cannot be nil")
	}
	if ttl.BaseDays <= 0 {
		ttl = DefaultTTLConfig()
	}
	return &Manager{
		store:            store,
		loader:           loader,
		ttl:              ttl,
		logger:           logger.With().Str("component", "cache").Logger(),
		SweepConcurrency: 4,
		now:              time.Now,
	}
}

// GetOrRefresh returns the requested entries, refreshing any that are absent
// or expired through the loader first. With force, every requested id is
// treated as expired. The returned slice of ids lists what was refreshed.
func (m *Manager) GetOrRefresh(ctx context.Context, ids []string, force bool) (map[string]*Entry, []string, error) {
	now := m.now()
	expired := make([]string, 0)
	for _, id := range ids {
		entry, ok := m.store.Entry(id)
		if !ok || force || entry.IsExpired(now) {
			CacheMisses.Inc()
			expired = append(expired, id)
			continue
		}
		CacheHits.Inc()
	}

	if len(expired) > 0 {
		if err := m.refreshEntries(ctx, expired, force); err != nil {
			return nil, expired, err
		}
	}

	entries := make(map[string]*Entry, len(ids))
	for _, id := range ids {
		if entry, ok := m.store.Entry(id); ok {
			entries[id] = entry
		}
	}
	return entries, expired, nil
}

// EnsureResource makes sure one resource's dependencies are present,
// downloading only that resource's entries on first contact. Returns true
// when a fetch was performed.
func (m *Manager) EnsureResource(ctx context.Context, resourceID string) (bool, error) {
	if mapping, ok := m.store.Mapping(resourceID); ok {
		complete := true
		for _, id := range mapping.EntryIDs {
			if _, ok := m.store.Entry(id); !ok {
				complete = false
				break
			}
		}
		if complete {
			CacheHits.Inc()
			return false, nil
		}
	}

	if err := m.refreshResource(ctx, resourceID, false); err != nil {
		return false, err
	}
	return true, nil
}

// RefreshExpired sweeps every cached entry, refreshing the expired ones (all
// of them with force). One resource's failure never aborts the batch;
// failures are collected into the summary.
func (m *Manager) RefreshExpired(ctx context.Context, force bool) SweepSummary {
	now := m.now()
	allIDs := m.store.EntryIDs()

	summary := SweepSummary{Total: len(allIDs)}
	for _, id := range allIDs {
		entry, ok := m.store.Entry(id)
		if !ok {
			continue
		}
		if force || entry.IsExpired(now) {
			summary.ExpiredIDs = append(summary.ExpiredIDs, id)
		}
	}
	if len(summary.ExpiredIDs) == 0 {
		m.logger.Info().Int("total", summary.Total).Msg("Sweep found nothing expired")
		return summary
	}

	resources := m.groupByOwner(summary.ExpiredIDs)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.SweepConcurrency)

	for resourceID, ids := range resources {
		resourceID, ids := resourceID, ids
		g.Go(func() error {
			err := m.refreshResource(gctx, resourceID, force)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed += len(ids)
				m.logger.Warn().Err(err).
					Str("resource", resourceID).
					Int("entries", len(ids)).
					Msg("Sweep refresh failed, continuing with remaining resources")
				return nil
			}
			summary.Refreshed += len(ids)
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info().
		Int("refreshed", summary.Refreshed).
		Int("failed", summary.Failed).
		Int("total", summary.Total).
		Msg("Sweep complete")
	return summary
}

// refreshEntries refreshes the owning resource of each expired entry.
func (m *Manager) refreshEntries(ctx context.Context, ids []string, force bool) error {
	for resourceID := range m.groupByOwner(ids) {
		if err := m.refreshResource(ctx, resourceID, force); err != nil {
			return err
		}
	}
	return nil
}

// groupByOwner maps expired entry ids to the resources whose payloads must
// be re-fetched to refresh them. Entries no mapping references cannot be
// refreshed and are logged.
func (m *Manager) groupByOwner(ids []string) map[string][]string {
	resources := make(map[string][]string)
	for _, id := range ids {
		owner, ok := m.store.OwnerOf(id)
		if !ok {
			m.logger.Warn().Str("entry", id).Msg("Entry has no owning resource, cannot refresh")
			continue
		}
		resources[owner] = append(resources[owner], id)
	}
	return resources
}

// refreshResource re-fetches one resource's payload and re-derives its
// entries. Concurrent refreshes of the same resource are coalesced into a
// single network fetch.
func (m *Manager) refreshResource(ctx context.Context, resourceID string, force bool) error {
	_, err, _ := m.sf.Do(resourceID, func() (interface{}, error) {
		byID, err := m.loader.LoadEntries(ctx, resourceID)
		if err != nil {
			CacheRefreshes.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("load resource %q: %w", resourceID, err)
		}

		now := m.now()
		entries := make([]*Entry, 0, len(byID))
		entryIDs := make([]string, 0, len(byID))
		for id, rows := range byID {
			entry := m.upsert(id, rows, now, force)
			entries = append(entries, entry)
			entryIDs = append(entryIDs, id)
		}

		// Entries are persisted before the mapping so a mapping never
		// references an entry that is not in the store.
		if err := m.store.PutEntries(entries); err != nil {
			CacheErrors.WithLabelValues("persist").Inc()
			return nil, err
		}
		if err := m.store.PutMapping(resourceID, entryIDs, now); err != nil {
			CacheErrors.WithLabelValues("persist").Inc()
			return nil, err
		}

		CacheRefreshes.WithLabelValues("ok").Inc()
		CacheEntries.Set(float64(len(m.store.EntryIDs())))
		m.logger.Debug().
			Str("resource", resourceID).
			Int("entries", len(entries)).
			Msg("Resource refreshed")
		return nil, nil
	})
	return err
}

// upsert builds the refreshed entry value. New entries get FirstSeen=now; a
// forced refresh resets FirstSeen as well. TTLDays is recomputed on every
// refresh, which is a fixed point for an unchanged TTL config but re-staggers
// every entry when the window configuration changes.
func (m *Manager) upsert(id string, rows []update.Row, now time.Time, force bool) *Entry {
	entry, ok := m.store.Entry(id)
	if !ok || force {
		return &Entry{
			ID:            id,
			Rows:          rows,
			FirstSeen:     now,
			LastRefreshed: now,
			TTLDays:       ComputeTTL(id, m.ttl),
		}
	}
	return &Entry{
		ID:            id,
		Rows:          rows,
		FirstSeen:     entry.FirstSeen,
		LastRefreshed: now,
		TTLDays:       ComputeTTL(id, m.ttl),
	}
}
