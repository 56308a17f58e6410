package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/mkarlsen/statclient/pkg/errclass"
	"github.com/mkarlsen/statclient/pkg/ratelimit"
	"github.com/mkarlsen/statclient/pkg/update"
)

// testBuilder targets a test server with flat /data/{id} and /meta/{id}
// routes.
type testBuilder struct {
	base string
}

func (b *testBuilder) DataRequest(ctx context.Context, resourceID string, params url.Values) (*http.Request, error) {
	u := b.base + "/data/" + resourceID
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
}

func (b *testBuilder) MetadataRequest(ctx context.Context, resourceID string) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, b.base+"/meta/"+resourceID, nil)
}

// metaDoc is the metadata payload shape served by the test handlers.
type metaDoc struct {
	Updated string                  `json:"updated"`
	Entries map[string][]update.Row `json:"entries"`
}

type testParser struct{}

func (testParser) Entries(payload []byte) (map[string][]update.Row, error) {
	var doc metaDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, err
	}
	return doc.Entries, nil
}

func (testParser) UpdateSignal(payload []byte) (time.Time, error) {
	var doc metaDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return time.Time{}, err
	}
	return update.ParseSignal(doc.Updated)
}

// newTestClient builds a client against base with fast retry settings and
// jitter disabled so tests stay deterministic.
func newTestClient(t *testing.T, base string) *Client {
	t.Helper()

	cfg := DefaultConfig(&testBuilder{base: base}, testParser{}, t.TempDir(), "statclient-test/1.0")
	cfg.Timeout = 5 * time.Second
	cfg.Retry = RetryPolicy{
		MaxRetries:            3,
		InitialBackoff:        time.Millisecond,
		BackoffMultiplier:     1,
		MaxBackoff:            10 * time.Millisecond,
		BanDetectionThreshold: 10,
	}
	cfg.PrimaryLimit = ratelimit.Policy{Delay: time.Millisecond}
	cfg.SecondaryLimit = ratelimit.Policy{Delay: time.Millisecond}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func metaPayload(t *testing.T, updated string, entries map[string][]update.Row) []byte {
	t.Helper()
	data, err := json.Marshal(metaDoc{Updated: updated, Entries: entries})
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}
	return data
}

func TestFetchRetriesExhaustedOnPersistentUnavailable(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	res := c.FetchResource(context.Background(), "POP_2024", FetchOptions{Force: true})

	if res.Success {
		t.Fatal("expected failure against a persistently unavailable server")
	}
	if !errors.Is(res.Err, ErrRetryExhausted) {
		t.Errorf("error = %v, want ErrRetryExhausted", res.Err)
	}
	wantAttempts := c.config.Retry.MaxRetries + 1
	if res.Attempts != wantAttempts {
		t.Errorf("Attempts = %d, want %d", res.Attempts, wantAttempts)
	}
	if got := hits.Load(); got != int64(wantAttempts) {
		t.Errorf("server hits = %d, want %d", got, wantAttempts)
	}
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	res := c.FetchResource(context.Background(), "NO_SUCH_RESOURCE", FetchOptions{Force: true})

	if res.Success {
		t.Fatal("expected failure on 404")
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want exactly 1 (no retries on client errors)", got)
	}

	var reqErr *RequestError
	if !errors.As(res.Err, &reqErr) {
		t.Fatalf("error = %v, want *RequestError", res.Err)
	}
	if reqErr.Class != errclass.ClassClient {
		t.Errorf("Class = %q, want %q", reqErr.Class, errclass.ClassClient)
	}
}

func TestFetchEmptyResponseFailsWithoutRetry(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	res := c.FetchResource(context.Background(), "POP_2024", FetchOptions{Force: true})

	if res.Success {
		t.Fatal("expected failure on empty 200 response")
	}
	if !errors.Is(res.Err, ErrEmptyResponse) {
		t.Errorf("error = %v, want ErrEmptyResponse", res.Err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want exactly 1 (empty responses are not retried)", got)
	}
}

func TestFetchSucceedsAfterTransientUnavailable(t *testing.T) {
	var hits atomic.Int64
	payload := []byte("region;year;value\nNO;2024;5425270\n")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(payload)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	res := c.fetch(context.Background(), mustDataRequest(t, c, "POP_2024"), SourcePrimary)

	if !res.Success {
		t.Fatalf("fetch failed: %v", res.Err)
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", res.Attempts)
	}
	if string(res.Payload) != string(payload) {
		t.Errorf("Payload = %q, want %q", res.Payload, payload)
	}
	if res.Checksum == 0 {
		t.Error("Checksum not computed")
	}
	if res.Method != MethodPrimary {
		t.Errorf("Method = %q, want %q", res.Method, MethodPrimary)
	}
}

func TestFetchAbortsOnConsecutiveRateLimitResponses(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	c.config.Retry.MaxRetries = 10
	c.config.Retry.BanDetectionThreshold = 3

	res := c.fetch(context.Background(), mustDataRequest(t, c, "POP_2024"), SourcePrimary)

	if res.Success {
		t.Fatal("expected failure when every response is rate limited")
	}
	if !errors.Is(res.Err, ErrSourceBlocked) {
		t.Errorf("error = %v, want ErrSourceBlocked", res.Err)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("server hits = %d, want 3 (ban threshold)", got)
	}
}

func TestFetchFallsBackToSecondaryTransport(t *testing.T) {
	payload := []byte("region;year;value\nSE;2024;10551707\n")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	// Primary transport cannot reach anything; the fallback still can.
	c.SetHTTPClients(&http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return nil, syscall.ECONNREFUSED
			},
		},
	}, server.Client())

	res := c.fetch(context.Background(), mustDataRequest(t, c, "POP_2024"), SourcePrimary)

	if !res.Success {
		t.Fatalf("fetch failed: %v", res.Err)
	}
	if res.Method != MethodSecondary {
		t.Errorf("Method = %q, want %q", res.Method, MethodSecondary)
	}
	if string(res.Payload) != string(payload) {
		t.Errorf("Payload = %q, want %q", res.Payload, payload)
	}
}

func TestFetchResourceSkipsWhenUpToDate(t *testing.T) {
	var dataHits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/data/", func(w http.ResponseWriter, r *http.Request) {
		dataHits.Add(1)
		w.Write([]byte("region;year;value\nNO;2024;5425270\n"))
	})
	mux.HandleFunc("/meta/", func(w http.ResponseWriter, r *http.Request) {
		w.Write(metaPayload(t, "2026-08-01T08:00:00Z", nil))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := newTestClient(t, server.URL)
	ctx := context.Background()

	first := c.FetchResource(ctx, "POP_2024", FetchOptions{})
	if !first.Success || first.UpToDate {
		t.Fatalf("first fetch: Success=%v UpToDate=%v Err=%v", first.Success, first.UpToDate, first.Err)
	}

	second := c.FetchResource(ctx, "POP_2024", FetchOptions{})
	if !second.Success || !second.UpToDate {
		t.Fatalf("second fetch: Success=%v UpToDate=%v Err=%v", second.Success, second.UpToDate, second.Err)
	}
	if got := dataHits.Load(); got != 1 {
		t.Errorf("data hits = %d, want 1 (second fetch should skip)", got)
	}
}

func TestFetchResourceRefetchesWhenRemoteNewer(t *testing.T) {
	var dataHits atomic.Int64
	var signal atomic.Value
	signal.Store("2026-08-01T08:00:00Z")

	mux := http.NewServeMux()
	mux.HandleFunc("/data/", func(w http.ResponseWriter, r *http.Request) {
		dataHits.Add(1)
		w.Write([]byte("region;year;value\nNO;2024;5425270\n"))
	})
	mux.HandleFunc("/meta/", func(w http.ResponseWriter, r *http.Request) {
		w.Write(metaPayload(t, signal.Load().(string), nil))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := newTestClient(t, server.URL)
	ctx := context.Background()

	if res := c.FetchResource(ctx, "POP_2024", FetchOptions{}); !res.Success {
		t.Fatalf("first fetch failed: %v", res.Err)
	}

	signal.Store("2026-08-15T08:00:00Z")

	res := c.FetchResource(ctx, "POP_2024", FetchOptions{})
	if !res.Success || res.UpToDate {
		t.Fatalf("refetch: Success=%v UpToDate=%v Err=%v", res.Success, res.UpToDate, res.Err)
	}
	if got := dataHits.Load(); got != 2 {
		t.Errorf("data hits = %d, want 2 (remote signal advanced)", got)
	}
}

func TestEnsureCachedFetchesOnlyOnFirstContact(t *testing.T) {
	var metaHits atomic.Int64
	entries := map[string][]update.Row{
		"Region": {{"code": "NO", "label": "Norway"}},
		"Year":   {{"code": "2024", "label": "2024"}},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/meta/", func(w http.ResponseWriter, r *http.Request) {
		metaHits.Add(1)
		w.Write(metaPayload(t, "2026-08-01T08:00:00Z", entries))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := newTestClient(t, server.URL)
	ctx := context.Background()

	fetched, err := c.EnsureCached(ctx, "POP_2024")
	if err != nil {
		t.Fatalf("EnsureCached() error = %v", err)
	}
	if !fetched {
		t.Error("first EnsureCached should fetch")
	}

	fetched, err = c.EnsureCached(ctx, "POP_2024")
	if err != nil {
		t.Fatalf("EnsureCached() second call error = %v", err)
	}
	if fetched {
		t.Error("second EnsureCached should be a no-op")
	}
	if got := metaHits.Load(); got != 1 {
		t.Errorf("metadata hits = %d, want 1", got)
	}

	got, missing, err := c.GetOrRefresh(ctx, []string{"Region", "Year"}, false)
	if err != nil {
		t.Fatalf("GetOrRefresh() error = %v", err)
	}
	if len(missing) != 0 {
		t.Errorf("missing = %v, want none", missing)
	}
	if len(got["Region"].Rows) != 1 || got["Region"].Rows[0]["label"] != "Norway" {
		t.Errorf("Region entry = %+v", got["Region"])
	}
}

func TestSyncArchiveDownloadsAndSkips(t *testing.T) {
	var hits atomic.Int64
	content := []byte("binary archive content")
	lastModified := time.Now().Add(-48 * time.Hour).UTC().Format(http.TimeFormat)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", lastModified)
		if r.Method == http.MethodHead {
			return
		}
		hits.Add(1)
		w.Write(content)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	local := t.TempDir() + "/archive.zip"
	ctx := context.Background()

	res := c.SyncArchive(ctx, server.URL+"/archive.zip", local)
	if !res.Success || res.UpToDate {
		t.Fatalf("first sync: Success=%v UpToDate=%v Err=%v", res.Success, res.UpToDate, res.Err)
	}

	res = c.SyncArchive(ctx, server.URL+"/archive.zip", local)
	if !res.Success || !res.UpToDate {
		t.Fatalf("second sync: Success=%v UpToDate=%v Err=%v", res.Success, res.UpToDate, res.Err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("download hits = %d, want 1 (second sync should skip)", got)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	builder := &testBuilder{base: "http://localhost"}
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing builder", Config{Parser: testParser{}, CacheDir: "/tmp/x", UserAgent: "ua"}},
		{"missing parser", Config{Builder: builder, CacheDir: "/tmp/x", UserAgent: "ua"}},
		{"missing cache dir", Config{Builder: builder, Parser: testParser{}, UserAgent: "ua"}},
		{"missing user-agent", Config{Builder: builder, Parser: testParser{}, CacheDir: "/tmp/x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("New() accepted an invalid config")
			}
		})
	}
}

func mustDataRequest(t *testing.T, c *Client, resourceID string) *http.Request {
	t.Helper()
	req, err := c.builder.DataRequest(context.Background(), resourceID, nil)
	if err != nil {
		t.Fatalf("DataRequest() error = %v", err)
	}
	return req
}
