package update

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

// stubSignals returns a fixed signal or error for every resource.
type stubSignals struct {
	signal time.Time
	err    error
	calls  int
}

func (s *stubSignals) LatestSignal(ctx context.Context, resourceID string) (time.Time, error) {
	s.calls++
	return s.signal, s.err
}

func newTestChecker(t *testing.T, signals SignalFetcher) (*Checker, *Log) {
	t.Helper()
	log := OpenLog(filepath.Join(t.TempDir(), "download_log.json"), testLogger())
	return NewChecker(log, signals, testLogger()), log
}

func TestShouldRefetch_ColdStart(t *testing.T) {
	// A resource never logged before always needs fetching, regardless of
	// what the server would report.
	signals := &stubSignals{signal: time.Now()}
	checker, _ := newTestChecker(t, signals)

	d := checker.ShouldRefetch(context.Background(), "dataset/abc")

	if !d.Needed {
		t.Error("ShouldRefetch() Needed = false, want true on cold start")
	}
	if d.Reason != ReasonFirstDownload {
		t.Errorf("Reason = %q, want %q", d.Reason, ReasonFirstDownload)
	}
	if signals.calls != 0 {
		t.Errorf("LatestSignal called %d times on cold start, want 0", signals.calls)
	}
}

func TestShouldRefetch_UpToDate(t *testing.T) {
	signal := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	signals := &stubSignals{signal: signal}
	checker, _ := newTestChecker(t, signals)

	if err := checker.Record("dataset/abc", signal, time.Now()); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	d := checker.ShouldRefetch(context.Background(), "dataset/abc")

	if d.Needed {
		t.Error("ShouldRefetch() Needed = true, want false for equal signal")
	}
	if d.Reason != ReasonUpToDate {
		t.Errorf("Reason = %q, want %q", d.Reason, ReasonUpToDate)
	}
}

func TestShouldRefetch_RemoteNewer(t *testing.T) {
	logged := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	signals := &stubSignals{signal: logged.Add(24 * time.Hour)}
	checker, _ := newTestChecker(t, signals)

	if err := checker.Record("dataset/abc", logged, time.Now()); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	d := checker.ShouldRefetch(context.Background(), "dataset/abc")

	if !d.Needed {
		t.Error("ShouldRefetch() Needed = false, want true for newer signal")
	}
	if d.Reason != ReasonRemoteNewer {
		t.Errorf("Reason = %q, want %q", d.Reason, ReasonRemoteNewer)
	}
}

func TestShouldRefetch_FailsOpen(t *testing.T) {
	// When the signal cannot be fetched, prefer a redundant fetch over
	// silently serving stale data.
	signals := &stubSignals{err: errors.New("network is unreachable")}
	checker, _ := newTestChecker(t, signals)

	if err := checker.Record("dataset/abc", time.Now(), time.Now()); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	d := checker.ShouldRefetch(context.Background(), "dataset/abc")

	if !d.Needed {
		t.Error("ShouldRefetch() Needed = false, want true when check fails")
	}
	if d.Reason != ReasonCheckFailed {
		t.Errorf("Reason = %q, want %q", d.Reason, ReasonCheckFailed)
	}
}

func TestLog_RecordOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "download_log.json")
	log := OpenLog(path, testLogger())

	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	second := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	if err := log.Record("dataset/abc", first, first); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := log.Record("dataset/abc", second, second); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	entry, ok := log.Lookup("dataset/abc")
	if !ok {
		t.Fatal("Lookup() returned no entry")
	}
	if !entry.RemoteSignal.Equal(second) {
		t.Errorf("RemoteSignal = %v, want %v", entry.RemoteSignal, second)
	}
	if log.Len() != 1 {
		t.Errorf("Len() = %d, want 1", log.Len())
	}
}

func TestLog_SurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "download_log.json")
	signal := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	log := OpenLog(path, testLogger())
	if err := log.Record("dataset/abc", signal, signal); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	reloaded := OpenLog(path, testLogger())
	entry, ok := reloaded.Lookup("dataset/abc")
	if !ok {
		t.Fatal("Lookup() after reload returned no entry")
	}
	if !entry.RemoteSignal.Equal(signal) {
		t.Errorf("RemoteSignal = %v, want %v", entry.RemoteSignal, signal)
	}
}

func TestLog_CorruptFileIsColdStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "download_log.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	log := OpenLog(path, testLogger())

	if log.Len() != 0 {
		t.Errorf("Len() = %d, want 0 for corrupt log", log.Len())
	}
	// The log must remain writable after recovery.
	if err := log.Record("dataset/abc", time.Now(), time.Now()); err != nil {
		t.Errorf("Record() after corrupt load error = %v", err)
	}
}

func TestParseSignal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"rfc3339", "2026-03-01T08:00:00Z", false},
		{"http time", "Mon, 02 Jan 2006 15:04:05 GMT", false},
		{"garbage", "not-a-time", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSignal(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSignal(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
