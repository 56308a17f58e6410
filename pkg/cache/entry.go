// Package cache implements the staggered-TTL store for reference metadata
// ("code lists"). Entries are deduplicated by stable id and shared across
// every resource that depends on them; each entry expires on its own
// deterministically jittered schedule so a batch created together does not
// come due all at once.
package cache

import (
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/mkarlsen/statclient/pkg/update"
)

// TTLConfig controls the expiration window.
type TTLConfig struct {
	// BaseDays is the minimum lifetime of an entry.
	BaseDays int

	// JitterDays is the width of the expiration window. An entry's TTL lands
	// in [BaseDays, BaseDays+JitterDays-1].
	JitterDays int
}

// DefaultTTLConfig spreads refreshes over a two-week window after a two-week
// base lifetime.
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		BaseDays:   14,
		JitterDays: 14,
	}
}

// Entry is one deduplicated code-list record.
type Entry struct {
	// ID is the stable identifier shared by every resource that references
	// this entry.
	ID string `json:"id"`

	// Rows is the entry's payload (code/label records).
	Rows []update.Row `json:"rows"`

	// FirstSeen is when the entry was first fetched.
	FirstSeen time.Time `json:"first_seen"`

	// LastRefreshed is when the entry payload was last re-fetched.
	LastRefreshed time.Time `json:"last_refreshed"`

	// TTLDays is the entry's lifetime, computed from its id.
	TTLDays int `json:"ttl_days"`
}

// ResourceMapping ties a high-level resource to the entries it depends on.
// Mappings store ids only, never payload copies; many resources may
// reference the same entry.
type ResourceMapping struct {
	ResourceID  string    `json:"resource_id"`
	EntryIDs    []string  `json:"entry_ids"`
	LastUpdated time.Time `json:"last_updated"`
}

// ComputeTTL derives an entry's lifetime from its id. The hash is
// deterministic across runs and platforms (xxhash, not a seeded map hash),
// so the same id always lands on the same day of the expiration window while
// a batch of distinct ids spreads across it. Changing the hash function
// would reshuffle every entry's expiration on upgrade.
func ComputeTTL(id string, cfg TTLConfig) int {
	if cfg.JitterDays <= 0 {
		return cfg.BaseDays
	}
	return cfg.BaseDays + int(xxhash.Sum64String(id)%uint64(cfg.JitterDays))
}

// IsExpired reports whether the entry is due for a refresh at now.
func (e *Entry) IsExpired(now time.Time) bool {
	return now.Sub(e.LastRefreshed) > time.Duration(e.TTLDays)*24*time.Hour
}
