package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mkarlsen/statclient/internal/atomicfile"
	"github.com/rs/zerolog"
)

const (
	entriesFile  = "entries.json"
	mappingsFile = "mappings.json"
)

// Store persists the deduplicated entry store and the resource mappings as
// two independent JSON files under one directory. Either file may be missing
// or unreadable; both cases load as a cold cache. Writes are atomic
// (temp file + rename).
type Store struct {
	mu       sync.Mutex
	dir      string
	entries  map[string]*Entry
	mappings map[string]*ResourceMapping
	logger   zerolog.Logger
}

// OpenStore loads (or cold-starts) the store rooted at dir.
func OpenStore(dir string, logger zerolog.Logger) *Store {
	s := &Store{
		dir:      dir,
		entries:  make(map[string]*Entry),
		mappings: make(map[string]*ResourceMapping),
		logger:   logger.With().Str("component", "cache-store").Logger(),
	}
	loadJSON(filepath.Join(dir, entriesFile), &s.entries, s.logger)
	loadJSON(filepath.Join(dir, mappingsFile), &s.mappings, s.logger)
	return s
}

// loadJSON reads one persisted store, tolerating absence and corruption.
func loadJSON[T any](path string, dst *map[string]T, logger zerolog.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", path).Msg("Persisted store unreadable, starting cold")
		}
		return
	}
	if err := json.Unmarshal(data, dst); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Persisted store corrupt, starting cold")
		*dst = make(map[string]T)
	}
}

// Entry returns the cached entry for id, if present.
func (s *Store) Entry(id string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}

// EntryIDs returns all cached entry ids, sorted.
func (s *Store) EntryIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PutEntries upserts a batch of entries and persists the entry store.
func (s *Store) PutEntries(entries []*Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.entries[e.ID] = e
	}
	return s.saveEntries()
}

// Mapping returns the resource mapping for resourceID, if present.
func (s *Store) Mapping(resourceID string) (*ResourceMapping, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[resourceID]
	return m, ok
}

// ResourceIDs returns all mapped resource ids, sorted.
func (s *Store) ResourceIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.mappings))
	for id := range s.mappings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PutMapping persists a resource mapping. Every referenced entry must
// already be in the entry store; partial mappings are never written.
func (s *Store) PutMapping(resourceID string, entryIDs []string, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range entryIDs {
		if _, ok := s.entries[id]; !ok {
			return fmt.Errorf("mapping %q references missing entry %q", resourceID, id)
		}
	}

	ids := append([]string(nil), entryIDs...)
	sort.Strings(ids)
	s.mappings[resourceID] = &ResourceMapping{
		ResourceID:  resourceID,
		EntryIDs:    ids,
		LastUpdated: updatedAt,
	}
	return s.saveMappings()
}

// OwnerOf returns a resource that depends on the given entry. When several
// do, the lexicographically smallest resource id wins so the choice is
// stable across runs.
func (s *Store) OwnerOf(entryID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owners := make([]string, 0, 1)
	for resourceID, m := range s.mappings {
		for _, id := range m.EntryIDs {
			if id == entryID {
				owners = append(owners, resourceID)
				break
			}
		}
	}
	if len(owners) == 0 {
		return "", false
	}
	sort.Strings(owners)
	return owners[0], true
}

func (s *Store) saveEntries() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal entry store: %w", err)
	}
	if err := atomicfile.WriteFile(filepath.Join(s.dir, entriesFile), data, 0o644); err != nil {
		return fmt.Errorf("persist entry store: %w", err)
	}
	return nil
}

func (s *Store) saveMappings() error {
	data, err := json.MarshalIndent(s.mappings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal mapping store: %w", err)
	}
	if err := atomicfile.WriteFile(filepath.Join(s.dir, mappingsFile), data, 0o644); err != nil {
		return fmt.Errorf("persist mapping store: %w", err)
	}
	return nil
}
