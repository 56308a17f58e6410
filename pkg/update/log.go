package update

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mkarlsen/statclient/internal/atomicfile"
	"github.com/rs/zerolog"
)

// LogEntry records the last successful fetch of one resource.
type LogEntry struct {
	// LastDownload is when the resource was last fetched in full.
	LastDownload time.Time `json:"last_download"`

	// RemoteSignal is the server-reported update timestamp seen at that
	// fetch. Future requests are skipped while the server still reports it.
	RemoteSignal time.Time `json:"remote_signal"`
}

// Log is the per-resource download log, persisted as a single JSON file.
// A missing or unreadable file is treated as a cold start, never as fatal.
type Log struct {
	mu      sync.Mutex
	path    string
	entries map[string]LogEntry
	logger  zerolog.Logger
}

// OpenLog loads the download log at path.
func OpenLog(path string, logger zerolog.Logger) *Log {
	l := &Log{
		path:    path,
		entries: make(map[string]LogEntry),
		logger:  logger.With().Str("component", "download-log").Logger(),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn().Err(err).Str("path", path).Msg("Download log unreadable, starting cold")
		}
		return l
	}

	if err := json.Unmarshal(data, &l.entries); err != nil {
		l.logger.Warn().Err(err).Str("path", path).Msg("Download log corrupt, starting cold")
		l.entries = make(map[string]LogEntry)
	}
	return l
}

// Lookup returns the log entry for a resource, if one exists.
func (l *Log) Lookup(resourceID string) (LogEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[resourceID]
	return entry, ok
}

// Record overwrites the log entry for a resource after a successful full
// fetch and persists the log atomically.
func (l *Log) Record(resourceID string, signal time.Time, fetchedAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[resourceID] = LogEntry{
		LastDownload: fetchedAt,
		RemoteSignal: signal,
	}
	return l.save()
}

// Len returns the number of logged resources.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// save must be called with the mutex held.
func (l *Log) save() error {
	data, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal download log: %w", err)
	}
	if err := atomicfile.WriteFile(l.path, data, 0o644); err != nil {
		return fmt.Errorf("persist download log: %w", err)
	}
	return nil
}
