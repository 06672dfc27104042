package shim

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/muscu-offline/internal/testutil"
	"github.com/Sternrassler/muscu-offline/pkg/cache"
	"github.com/Sternrassler/muscu-offline/pkg/manifest"
	"github.com/Sternrassler/muscu-offline/pkg/network"
)

func TestNew_Validation(t *testing.T) {
	store := cache.NewMemoryStore()
	n := newFakeNetwork()

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "missing namespace", mutate: func(c *Config) { c.Namespace = " " }, errMsg: "namespace is required"},
		{name: "missing scope", mutate: func(c *Config) { c.Scope = nil }, errMsg: "scope must be an absolute URL"},
		{name: "negative concurrency", mutate: func(c *Config) { c.InstallConcurrency = -1 }, errMsg: "install_concurrency must be >= 0"},
		{name: "negative timeout", mutate: func(c *Config) { c.AssetTimeout = -time.Second }, errMsg: "asset_timeout must be >= 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, "muscu-v2")
			tt.mutate(&cfg)
			_, err := New(cfg, store, n)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	_, err := New(testConfig(t, "muscu-v2"), nil, n)
	assert.Error(t, err)
	_, err = New(testConfig(t, "muscu-v2"), store, nil)
	assert.Error(t, err)
}

func TestConfigFromManifest(t *testing.T) {
	m := manifest.Default()
	m.Scope = "https://muscu.example/app"

	cfg, err := ConfigFromManifest(m)
	require.NoError(t, err)
	assert.Equal(t, manifest.DefaultNamespace, cfg.Namespace)
	assert.Equal(t, "/app/", cfg.Scope.Path)
	assert.Equal(t, m.Assets, cfg.Assets)
	assert.Equal(t, manifest.ShellPath, cfg.ShellPath)

	m.Scope = ""
	_, err = ConfigFromManifest(m)
	assert.Error(t, err)
}

func TestInstall_StoresEveryAsset(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	n := newFakeNetwork()
	cfg := testConfig(t, "muscu-v2")
	serveAssets(t, n, cfg)

	s := newTestShim(t, cfg, store, n)
	assert.False(t, s.SkipWaiting())

	require.NoError(t, s.Install(ctx))
	assert.True(t, s.SkipWaiting())
	assert.Equal(t, len(cfg.Assets), store.Len("muscu-v2"))

	names, err := store.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"muscu-v2"}, names)

	entry, err := store.Match(ctx, cache.CacheKey{Method: http.MethodGet, URL: testScope + "js/app.js"})
	require.NoError(t, err)
	assert.Equal(t, "content of ./js/app.js", string(entry.Data))
	assert.Equal(t, testScope+"js/app.js", entry.URL)
}

func TestInstall_FailsWhenAnyAssetIsMissing(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	n := newFakeNetwork()
	n.set(testScope+"index.html", http.StatusOK, "<html></html>")
	// ./missing.js is not routed: 404

	s := newTestShim(t, testConfig(t, "muscu-v3", "./index.html", "./missing.js"), store, n)

	err := s.Install(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAssetFetch))

	var fetchErr *AssetFetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, testScope+"missing.js", fetchErr.URL)
	assert.Equal(t, http.StatusNotFound, fetchErr.StatusCode)

	names, err := store.Namespaces(ctx)
	require.NoError(t, err)
	assert.Empty(t, names, "failed install must not create the namespace")
}

func TestInstall_FailsWhenNetworkIsDown(t *testing.T) {
	store := cache.NewMemoryStore()
	n := newFakeNetwork()
	cfg := testConfig(t, "muscu-v2")
	serveAssets(t, n, cfg)
	n.setOffline(true)

	s := newTestShim(t, cfg, store, n)

	err := s.Install(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAssetFetch))
	assert.True(t, errors.Is(err, network.ErrConnectivity))
	assert.Equal(t, 0, store.Len("muscu-v2"))
}

func TestInstall_CancelledContext(t *testing.T) {
	store := cache.NewMemoryStore()
	n := newFakeNetwork()
	cfg := testConfig(t, "muscu-v2")
	serveAssets(t, n, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newTestShim(t, cfg, store, n)
	err := s.Install(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAssetFetch))
	assert.Equal(t, 0, store.Len("muscu-v2"))
}

func TestActivate_DeletesStaleNamespaces(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	for _, name := range []string{"muscu-v0", "muscu-v1", "muscu-v2"} {
		_, err := store.Open(ctx, name)
		require.NoError(t, err)
	}

	s := newTestShim(t, testConfig(t, "muscu-v2"), store, newFakeNetwork())
	assert.False(t, s.ClaimsClients())

	require.NoError(t, s.Activate(ctx))
	assert.True(t, s.ClaimsClients())

	names, err := store.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"muscu-v2"}, names)
}

func TestActivate_DeletionFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemoryStore()
	for _, name := range []string{"muscu-v0", "muscu-v1", "muscu-v2"} {
		_, err := mem.Open(ctx, name)
		require.NoError(t, err)
	}
	store := &failingStore{Store: mem, failDelete: "muscu-v0"}

	s := newTestShim(t, testConfig(t, "muscu-v2"), store, newFakeNetwork())
	require.NoError(t, s.Activate(ctx))
	assert.True(t, s.ClaimsClients())

	names, err := mem.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"muscu-v0", "muscu-v2"}, names)
}

func TestActivate_ListFailure(t *testing.T) {
	store := &failingStore{Store: cache.NewMemoryStore(), failList: true}
	s := newTestShim(t, testConfig(t, "muscu-v2"), store, newFakeNetwork())

	err := s.Activate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list namespaces")
	assert.False(t, s.ClaimsClients())
}

func TestFetch_CacheHitSkipsNetwork(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	n := newFakeNetwork()
	cfg := testConfig(t, "muscu-v2")
	serveAssets(t, n, cfg)

	s := newTestShim(t, cfg, store, n)
	require.NoError(t, s.Install(ctx))
	before := n.totalCalls()

	for _, a := range []string{"index.html", "style.css", "js/app.js"} {
		resp := s.Fetch(ctx, httptest.NewRequest(http.MethodGet, testScope+a, nil))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "content of ./"+a, readBody(t, resp))
	}
	assert.Equal(t, before, n.totalCalls(), "cache hits must not touch the network")
}

func TestFetch_FragmentIgnoredOnLookup(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	n := newFakeNetwork()
	cfg := testConfig(t, "muscu-v2")
	serveAssets(t, n, cfg)

	s := newTestShim(t, cfg, store, n)
	require.NoError(t, s.Install(ctx))
	n.setOffline(true)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, testScope+"style.css#top", nil)
	require.NoError(t, err)

	resp := s.Fetch(ctx, req)
	assert.Equal(t, "content of ./style.css", readBody(t, resp))
}

func TestFetch_CachesSameOriginGet(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	n := newFakeNetwork()
	n.set(testScope+"api/today.json", http.StatusOK, `{"sets":3}`)

	s := newTestShim(t, testConfig(t, "muscu-v2"), store, n)

	resp := s.Fetch(ctx, httptest.NewRequest(http.MethodGet, testScope+"api/today.json", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"sets":3}`, readBody(t, resp))
	assert.Equal(t, 1, store.Len("muscu-v2"))

	n.setOffline(true)
	resp = s.Fetch(ctx, httptest.NewRequest(http.MethodGet, testScope+"api/today.json", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"sets":3}`, readBody(t, resp))
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, 1, n.callCount(testScope+"api/today.json"))
}

func TestFetch_NonGetAndCrossOriginAreNotCached(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		method string
		url    string
	}{
		{"post same origin", http.MethodPost, testScope + "api/sets"},
		{"put same origin", http.MethodPut, testScope + "api/sets/1"},
		{"head same origin", http.MethodHead, testScope + "index.html"},
		{"get cross origin host", http.MethodGet, "https://cdn.example/chart.js"},
		{"get cross origin scheme", http.MethodGet, "http://muscu.example/app/x.js"},
		{"get cross origin port", http.MethodGet, "https://muscu.example:8443/app/x.js"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := cache.NewMemoryStore()
			n := newFakeNetwork()
			n.set(tt.url, http.StatusOK, "live")

			s := newTestShim(t, testConfig(t, "muscu-v2"), store, n)

			resp := s.Fetch(ctx, httptest.NewRequest(tt.method, tt.url, nil))
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "live", readBody(t, resp))

			_, err := store.Match(ctx, cache.CacheKey{Method: http.MethodGet, URL: tt.url})
			assert.ErrorIs(t, err, cache.ErrCacheMiss)
			assert.Equal(t, 0, store.Len("muscu-v2"))
		})
	}
}

func TestFetch_DefaultPortIsSameOrigin(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	n := newFakeNetwork()
	n.set("https://muscu.example:443/app/x.js", http.StatusOK, "x")

	s := newTestShim(t, testConfig(t, "muscu-v2"), store, n)
	resp := s.Fetch(ctx, httptest.NewRequest(http.MethodGet, "https://muscu.example:443/app/x.js", nil))
	readBody(t, resp)

	assert.Equal(t, 1, store.Len("muscu-v2"))
}

func TestFetch_ErrorStatusesAreCachedForSameOriginGet(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	n := newFakeNetwork()
	n.set(testScope+"flaky", http.StatusInternalServerError, "boom")

	s := newTestShim(t, testConfig(t, "muscu-v2"), store, n)

	resp := s.Fetch(ctx, httptest.NewRequest(http.MethodGet, testScope+"flaky", nil))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "boom", readBody(t, resp))

	entry, err := store.Match(ctx, cache.CacheKey{Method: http.MethodGet, URL: testScope + "flaky"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, entry.StatusCode)
}

func TestFetch_OfflineFallsBackToShell(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	n := newFakeNetwork()
	cfg := testConfig(t, "muscu-v2")
	serveAssets(t, n, cfg)

	s := newTestShim(t, cfg, store, n)
	require.NoError(t, s.Install(ctx))
	n.setOffline(true)

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		resp := s.Fetch(ctx, httptest.NewRequest(method, testScope+"workouts/42", nil))
		assert.Equal(t, http.StatusOK, resp.StatusCode, method)
		assert.Equal(t, "content of ./index.html", readBody(t, resp), method)
	}

	resp := s.Fetch(ctx, httptest.NewRequest(http.MethodGet, "https://cdn.example/chart.js", nil))
	assert.Equal(t, "content of ./index.html", readBody(t, resp))
}

func TestFetch_OfflineWithoutShell(t *testing.T) {
	n := newFakeNetwork()
	n.setOffline(true)
	s := newTestShim(t, testConfig(t, "muscu-v2"), cache.NewMemoryStore(), n)

	resp := s.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, testScope+"index.html", nil))
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Empty(t, readBody(t, resp))
}

func TestFetch_ShellFromOlderNamespace(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	n := newFakeNetwork()
	old := testConfig(t, "muscu-v1")
	serveAssets(t, n, old)
	require.NoError(t, newTestShim(t, old, store, n).Install(ctx))

	n.setOffline(true)
	s := newTestShim(t, testConfig(t, "muscu-v2"), store, n)

	resp := s.Fetch(ctx, httptest.NewRequest(http.MethodGet, testScope+"not-cached", nil))
	assert.Equal(t, "content of ./index.html", readBody(t, resp))
}

func TestFetch_ConcurrentSameURL(t *testing.T) {
	ctx := context.Background()
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/app/api/stats.json", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"volume":1200}`,
		Delay:      20 * time.Millisecond,
	})

	fetcher, err := network.New(network.Config{Timeout: 5 * time.Second})
	require.NoError(t, err)
	fetcher.SetHTTPClient(origin.Client())

	store := cache.NewMemoryStore()
	cfg := DefaultConfig(mustURL(t, origin.URL()+"/app/"))
	s := newTestShim(t, cfg, store, fetcher)

	const tabs = 2
	bodies := make([]string, tabs)
	var wg sync.WaitGroup
	for i := 0; i < tabs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := s.Fetch(ctx, httptest.NewRequest(http.MethodGet, origin.URL()+"/app/api/stats.json", nil))
			defer resp.Body.Close()
			data, _ := io.ReadAll(resp.Body)
			bodies[i] = string(data)
		}()
	}
	wg.Wait()

	for i, body := range bodies {
		assert.Equal(t, `{"volume":1200}`, body, "tab %d", i)
	}
	assert.Equal(t, 1, store.Len(cfg.Namespace))
}

func TestInstallAndFetch_AgainstOrigin(t *testing.T) {
	ctx := context.Background()
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.ServeApp("/app/")

	fetcher, err := network.New(network.Config{Timeout: 5 * time.Second, Retry: network.RetryConfig{MaxAttempts: 1}})
	require.NoError(t, err)
	fetcher.SetHTTPClient(origin.Client())

	cfg := DefaultConfig(mustURL(t, origin.URL()+"/app/"))
	cfg.Assets = []string{"./index.html", "./style.css", "./manifest.json", "./icons/icon-192.png", "./js/db.js", "./js/app.js"}

	store := cache.NewMemoryStore()
	s := newTestShim(t, cfg, store, fetcher)
	require.NoError(t, s.Install(ctx))
	require.NoError(t, s.Activate(ctx))

	origin.SetOffline(true)

	resp := s.Fetch(ctx, httptest.NewRequest(http.MethodGet, origin.URL()+"/app/style.css", nil))
	assert.Equal(t, "body{margin:0}", readBody(t, resp))
	assert.Equal(t, "text/css", resp.Header.Get("Content-Type"))

	resp = s.Fetch(ctx, httptest.NewRequest(http.MethodGet, origin.URL()+"/app/history", nil))
	assert.Equal(t, testutil.ShellHTML, readBody(t, resp))
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	for _, name := range []string{"muscu-v1", "muscu-v2", "scratch"} {
		_, err := store.Open(ctx, name)
		require.NoError(t, err)
	}

	require.NoError(t, Prune(ctx, store, "muscu-v2"))

	names, err := store.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"muscu-v2"}, names)
}
