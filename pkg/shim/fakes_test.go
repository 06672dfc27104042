package shim

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/muscu-offline/pkg/cache"
	"github.com/Sternrassler/muscu-offline/pkg/network"
)

const testScope = "https://muscu.example/app/"

// fakeNetwork answers from a fixed table of URL -> (status, body).
type fakeNetwork struct {
	mu      sync.Mutex
	routes  map[string]fakeRoute
	offline bool
	calls   map[string]int
}

type fakeRoute struct {
	status int
	body   string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		routes: make(map[string]fakeRoute),
		calls:  make(map[string]int),
	}
}

func (n *fakeNetwork) set(rawURL string, status int, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes[rawURL] = fakeRoute{status: status, body: body}
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) callCount(rawURL string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[rawURL]
}

func (n *fakeNetwork) totalCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, c := range n.calls {
		total += c
	}
	return total
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, &network.NetworkError{Method: req.Method, URL: req.URL.String(), Err: err}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.calls[req.URL.String()]++
	if n.offline {
		return nil, &network.NetworkError{Method: req.Method, URL: req.URL.String(), Err: errors.New("connection refused")}
	}

	route, ok := n.routes[req.URL.String()]
	if !ok {
		route = fakeRoute{status: http.StatusNotFound, body: "not found"}
	}

	return &http.Response{
		StatusCode: route.status,
		Status:     http.StatusText(route.status),
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(route.body)),
		Request:    req,
	}, nil
}

// failingStore wraps a store and fails DeleteNamespace for one name.
type failingStore struct {
	cache.Store
	failDelete string
	failList   bool
}

func (s *failingStore) DeleteNamespace(ctx context.Context, name string) (bool, error) {
	if name == s.failDelete {
		return false, errors.New("delete refused")
	}
	return s.Store.DeleteNamespace(ctx, name)
}

func (s *failingStore) Namespaces(ctx context.Context) ([]string, error) {
	if s.failList {
		return nil, errors.New("list refused")
	}
	return s.Store.Namespaces(ctx)
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func testConfig(t *testing.T, namespace string, assets ...string) Config {
	t.Helper()
	cfg := DefaultConfig(mustURL(t, testScope))
	cfg.Namespace = namespace
	if len(assets) > 0 {
		cfg.Assets = assets
	}
	return cfg
}

// serveAssets registers every asset of cfg on the fake network.
func serveAssets(t *testing.T, n *fakeNetwork, cfg Config) {
	t.Helper()
	for _, a := range cfg.Assets {
		u := cfg.Scope.ResolveReference(mustURL(t, a))
		n.set(u.String(), http.StatusOK, "content of "+a)
	}
}

func newTestShim(t *testing.T, cfg Config, store cache.Store, n network.Fetcher) *Shim {
	t.Helper()
	s, err := New(cfg, store, n)
	require.NoError(t, err)
	return s
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}
