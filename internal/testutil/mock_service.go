// Package testutil provides testing utilities for the statistics client.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines the behavior of one mock endpoint.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockStatService is a configurable mock statistics service for testing. It
// serves /data/{resource} and /meta/{resource} routes plus anything
// registered explicitly, and tracks request counts per path.
type MockStatService struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc
	hits     map[string]int

	// LastRequestHeader holds the headers of the most recent request.
	LastRequestHeader http.Header
}

// NewMockStatService creates a started mock service.
func NewMockStatService() *MockStatService {
	mock := &MockStatService{
		handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.hits[r.URL.Path]++
		mock.LastRequestHeader = r.Header.Clone()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}
		http.NotFound(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockStatService) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockStatService) Close() {
	m.server.Close()
}

// Hits returns how many requests the path has received.
func (m *MockStatService) Hits(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hits[path]
}

// TotalHits returns the total request count across all paths.
func (m *MockStatService) TotalHits() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, n := range m.hits {
		total += n
	}
	return total
}

// Reset clears the per-path counters.
func (m *MockStatService) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits = make(map[string]int)
}

// Handle registers a raw handler for a path.
func (m *MockStatService) Handle(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse registers a canned response for a path.
func (m *MockStatService) SetResponse(path string, resp MockResponse) {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		status := resp.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		fmt.Fprint(w, resp.Body)
	})
}

// ServeData serves a resource payload on /data/{resourceID}.
func (m *MockStatService) ServeData(resourceID, payload string) {
	m.SetResponse("/data/"+resourceID, MockResponse{Body: payload})
}

// ServeMetadata serves a metadata document on /meta/{resourceID} with the
// given update signal and code-list entries. Entries may be nil.
func (m *MockStatService) ServeMetadata(resourceID, updated string, entries map[string][]map[string]string) {
	doc := map[string]any{"updated": updated, "entries": entries}
	body, err := json.Marshal(doc)
	if err != nil {
		panic(fmt.Sprintf("testutil: marshal metadata: %v", err))
	}
	m.SetResponse("/meta/"+resourceID, MockResponse{
		Body:    string(body),
		Headers: map[string]string{"Content-Type": "application/json"},
	})
}

// ServeEmpty serves a 200 response with no body, the upstream's known
// failure mode under load.
func (m *MockStatService) ServeEmpty(path string) {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// ServeArchive serves binary content with a Last-Modified header, answering
// both HEAD and GET.
func (m *MockStatService) ServeArchive(path string, content []byte, lastModified time.Time) {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", lastModified.UTC().Format(http.TimeFormat))
		if r.Method == http.MethodHead {
			return
		}
		w.Write(content)
	})
}

// FailTimes makes a path answer with the given status the first n times,
// then delegate to the provided handler. Used to exercise the retry loop.
func (m *MockStatService) FailTimes(path string, n int, status int, then http.HandlerFunc) {
	var mu sync.Mutex
	remaining := n
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		fail := remaining > 0
		if fail {
			remaining--
		}
		mu.Unlock()

		if fail {
			w.WriteHeader(status)
			return
		}
		then(w, r)
	})
}
