package shim

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/muscu-offline/pkg/cache"
)

func TestPrefetch_KeepsManifestOrder(t *testing.T) {
	n := newFakeNetwork()
	cfg := testConfig(t, "muscu-v2")
	cfg.InstallConcurrency = 3
	serveAssets(t, n, cfg)

	s := newTestShim(t, cfg, cache.NewMemoryStore(), n)

	entries, err := s.prefetch(context.Background(), s.assetURLs)
	require.NoError(t, err)
	require.Len(t, entries, len(cfg.Assets))
	for i, u := range s.assetURLs {
		assert.Equal(t, u.String(), entries[i].URL)
		assert.Equal(t, http.StatusOK, entries[i].StatusCode)
	}
}

func TestPrefetch_StopsAfterFirstFailure(t *testing.T) {
	n := newFakeNetwork()
	cfg := testConfig(t, "muscu-v2", "./index.html", "./missing.js", "./a.js", "./b.js", "./c.js")
	cfg.InstallConcurrency = 1
	n.set(testScope+"index.html", http.StatusOK, "shell")
	for _, a := range []string{"a.js", "b.js", "c.js"} {
		n.set(testScope+a, http.StatusOK, a)
	}

	s := newTestShim(t, cfg, cache.NewMemoryStore(), n)

	_, err := s.prefetch(context.Background(), s.assetURLs)
	require.ErrorIs(t, err, ErrAssetFetch)
	assert.Equal(t, 2, n.totalCalls(), "a single worker stops at the failing asset")
}

func TestPrefetch_EmptyManifest(t *testing.T) {
	s := newTestShim(t, testConfig(t, "muscu-v2"), cache.NewMemoryStore(), newFakeNetwork())

	entries, err := s.prefetch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
