// Package testutil provides testing utilities for the offline shim.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock origin path.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockOrigin is a configurable origin server for testing. It can be taken
// offline, in which case every connection is dropped without a response.
type MockOrigin struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc
	offline  bool

	requests map[string]int
	total    int
}

// NewMockOrigin creates and starts a new mock origin.
func NewMockOrigin() *MockOrigin {
	mock := &MockOrigin{
		handlers: make(map[string]http.HandlerFunc),
		requests: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		offline := mock.offline
		if !offline {
			mock.total++
			mock.requests[r.URL.Path]++
		}
		mock.mu.Unlock()

		if offline {
			dropConnection(w)
			return
		}

		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()

		if exists {
			handler(w, r)
			return
		}

		http.NotFound(w, r)
	}))

	return mock
}

func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("testutil: response writer does not support hijacking")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	conn.Close()
}

// URL returns the origin base URL (scheme://host:port).
func (m *MockOrigin) URL() string {
	return m.server.URL
}

// Client returns an HTTP client for the origin.
func (m *MockOrigin) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockOrigin) Close() {
	m.server.Close()
}

// SetOffline toggles connectivity. While offline no request is counted.
func (m *MockOrigin) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// Reset clears all tracking counters.
func (m *MockOrigin) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = 0
	m.requests = make(map[string]int)
}

// SetHandler sets a custom handler for a specific path.
func (m *MockOrigin) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockOrigin) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}

		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetAsset serves body with a 200 status and the given content type.
func (m *MockOrigin) SetAsset(path, contentType, body string) {
	m.SetResponse(path, MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": contentType},
	})
}

// RequestCount returns the number of requests served for path.
func (m *MockOrigin) RequestCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests[path]
}

// TotalRequests returns the number of requests served.
func (m *MockOrigin) TotalRequests() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total
}

// ShellHTML is a page shell referencing the default muscu assets.
const ShellHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>Muscu</title>
  <link rel="manifest" href="./manifest.json">
  <link rel="stylesheet" href="./style.css">
  <link rel="icon" href="./icons/icon-192.png">
</head>
<body>
  <main id="app"></main>
  <script src="./js/db.js"></script>
  <script src="./js/app.js"></script>
</body>
</html>`

// ServeApp registers the shell and its static assets under base
// (for example "/app/").
func (m *MockOrigin) ServeApp(base string) {
	m.SetAsset(base+"index.html", "text/html; charset=utf-8", ShellHTML)
	m.SetAsset(base+"style.css", "text/css", "body{margin:0}")
	m.SetAsset(base+"manifest.json", "application/manifest+json", `{"name":"Muscu"}`)
	m.SetAsset(base+"icons/icon-192.png", "image/png", "PNG192")
	m.SetAsset(base+"js/db.js", "application/javascript", "// db")
	m.SetAsset(base+"js/app.js", "application/javascript", "// app")
}
