// Package shim implements the offline cache shim: the Install, Activate and
// Fetch hooks that keep a versioned cache namespace in sync with the
// declared asset manifest and answer intercepted requests cache-first.
//
// Fetch never fails. When neither the cache nor the network can answer, the
// cached shell document is returned in place of the requested resource.
package shim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/muscu-offline/pkg/cache"
	"github.com/Sternrassler/muscu-offline/pkg/logging"
	"github.com/Sternrassler/muscu-offline/pkg/manifest"
	"github.com/Sternrassler/muscu-offline/pkg/network"
)

// Shim is one registered version of the offline cache shim.
type Shim struct {
	cfg       Config
	shellURL  *url.URL
	assetURLs []*url.URL
	store     cache.Store
	net       network.Fetcher
	logger    zerolog.Logger

	skipWaiting   atomic.Bool
	claimsClients atomic.Bool
}

// New creates a shim for cfg over the given cache store and network.
func New(cfg Config, store cache.Store, fetcher network.Fetcher) (*Shim, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher cannot be nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.ShellPath == "" {
		cfg.ShellPath = manifest.ShellPath
	}
	if cfg.InstallConcurrency == 0 {
		cfg.InstallConcurrency = 4
	}

	assets, err := manifest.Manifest{Assets: cfg.Assets}.Resolve(cfg.Scope)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	shellRef, err := url.Parse(cfg.ShellPath)
	if err != nil {
		return nil, fmt.Errorf("invalid config: shell %q: %w", cfg.ShellPath, err)
	}

	return &Shim{
		cfg:       cfg,
		shellURL:  cfg.Scope.ResolveReference(shellRef),
		assetURLs: assets,
		store:     store,
		net:       fetcher,
		logger: logging.NewLogger(logging.ComponentShim).With().
			Str("namespace", cfg.Namespace).
			Logger(),
	}, nil
}

// Namespace returns the current cache namespace.
func (s *Shim) Namespace() string {
	return s.cfg.Namespace
}

// Scope returns the scope URL.
func (s *Shim) Scope() *url.URL {
	u := *s.cfg.Scope
	return &u
}

// SkipWaiting reports whether the shim asked to be activated without
// waiting for the previous version's clients to close. Set by Install.
func (s *Shim) SkipWaiting() bool {
	return s.skipWaiting.Load()
}

// ClaimsClients reports whether the shim takes control of already open
// clients. Set by Activate.
func (s *Shim) ClaimsClients() bool {
	return s.claimsClients.Load()
}

// Install fetches every manifest asset and stores them in the current
// namespace. It is all-or-nothing: if any asset fails to fetch or answers
// with a non-2xx status, an *AssetFetchError is returned and nothing is
// written.
func (s *Shim) Install(ctx context.Context) error {
	start := time.Now()
	s.skipWaiting.Store(true)

	s.logger.Info().
		Int("assets", len(s.assetURLs)).
		Msg("Install started")

	entries, err := s.prefetch(ctx, s.assetURLs)
	if err != nil {
		installTotal.WithLabelValues("failed").Inc()
		s.logger.Error().Err(err).Msg("Install failed")
		return err
	}

	handle, err := s.store.Open(ctx, s.cfg.Namespace)
	if err != nil {
		installTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("open namespace %s: %w", s.cfg.Namespace, err)
	}
	if err := handle.AddAll(ctx, entries); err != nil {
		installTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("store assets in %s: %w", s.cfg.Namespace, err)
	}

	installTotal.WithLabelValues("ok").Inc()
	installDuration.Observe(time.Since(start).Seconds())
	s.logger.Info().
		Int("assets", len(entries)).
		Dur("duration", time.Since(start)).
		Msg("Install complete")

	return nil
}

// Activate deletes every namespace except the current one and takes
// control of open clients. Only a failure to list the namespaces is
// returned.
func (s *Shim) Activate(ctx context.Context) error {
	if err := prune(ctx, s.store, s.cfg.Namespace, s.logger); err != nil {
		return err
	}

	s.claimsClients.Store(true)
	s.logger.Info().Msg("Activate complete")

	return nil
}

// Prune deletes every namespace of store except current. Deletions run
// concurrently; a failed deletion is logged and does not stop the others.
// Only a failure to list the namespaces is returned.
func Prune(ctx context.Context, store cache.Store, current string) error {
	logger := logging.NewLogger(logging.ComponentShim).With().
		Str("namespace", current).
		Logger()
	return prune(ctx, store, current, logger)
}

func prune(ctx context.Context, store cache.Store, current string, logger zerolog.Logger) error {
	names, err := store.Namespaces(ctx)
	if err != nil {
		return fmt.Errorf("list namespaces: %w", err)
	}

	var wg sync.WaitGroup
	for _, name := range names {
		if name == current {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			deleted, err := store.DeleteNamespace(ctx, name)
			if err != nil {
				activateDeleteFailures.Inc()
				logger.Warn().
					Err(err).
					Str("stale_namespace", name).
					Msg("Failed to delete stale namespace")
				return
			}
			logger.Info().
				Str("stale_namespace", name).
				Bool("deleted", deleted).
				Msg("Stale namespace deleted")
		}()
	}
	wg.Wait()

	return nil
}

// Fetch answers an intercepted request:
//
//  1. from the cache (any namespace), without touching the network;
//  2. from the network, storing GET same-origin responses in the current
//     namespace whatever their status;
//  3. with the cached shell document when the network is unreachable.
//
// It always returns a response. If the shell is not cached either, the
// response is a 503 with an empty body.
func (s *Shim) Fetch(ctx context.Context, req *http.Request) *http.Response {
	key := cache.KeyFromRequest(req)

	if key.Matchable() {
		entry, err := s.store.Match(ctx, key)
		switch {
		case err == nil:
			fetchTotal.WithLabelValues(sourceCache).Inc()
			s.logger.Debug().Str("url", key.URL).Msg("Cache hit")
			return cache.EntryToResponse(entry, req)
		case !errors.Is(err, cache.ErrCacheMiss):
			s.logger.Warn().Err(err).Str("url", key.URL).Msg("Cache lookup failed")
		}
	}

	resp, err := s.net.Fetch(ctx, req)
	if err != nil {
		return s.offline(ctx, req, err)
	}

	if !isGET(req) || !s.sameOrigin(req.URL) {
		fetchTotal.WithLabelValues(sourcePassthrough).Inc()
		s.logger.Debug().
			Str("method", req.Method).
			Str("url", key.URL).
			Int("status", resp.StatusCode).
			Msg("Passing through uncached")
		return resp
	}

	entry, err := cache.ResponseToEntry(resp)
	if err != nil {
		if resp.Body != nil {
			resp.Body.Close()
		}
		return s.offline(ctx, req, err)
	}
	entry.URL = key.URL

	s.put(ctx, key, entry)

	fetchTotal.WithLabelValues(sourceNetwork).Inc()
	s.logger.Debug().
		Str("url", key.URL).
		Int("status", resp.StatusCode).
		Msg("Fetched from network")

	return resp
}

// put stores entry in the current namespace. Failures are logged only: the
// live response is still returned to the caller.
func (s *Shim) put(ctx context.Context, key cache.CacheKey, entry *cache.CacheEntry) {
	handle, err := s.store.Open(ctx, s.cfg.Namespace)
	if err == nil {
		err = handle.Put(ctx, key, entry)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("url", key.URL).Msg("Failed to cache response")
	}
}

// offline answers with the cached shell document.
func (s *Shim) offline(ctx context.Context, req *http.Request, cause error) *http.Response {
	requested := cache.KeyFromRequest(req).URL

	entry, err := s.store.Match(ctx, cache.KeyFromURL(s.shellURL))
	if err == nil {
		fetchTotal.WithLabelValues(sourceShell).Inc()
		s.logger.Warn().
			Err(cause).
			Str("method", req.Method).
			Str("url", requested).
			Msg("Network unavailable, serving shell")
		return cache.EntryToResponse(entry, req)
	}

	fetchTotal.WithLabelValues(sourceUnavailable).Inc()
	s.logger.Error().
		Err(cause).
		Str("url", requested).
		Str("shell", s.shellURL.String()).
		Msg("Network unavailable and shell not cached")

	return unavailable(req)
}

func unavailable(req *http.Request) *http.Response {
	return &http.Response{
		Status:     fmt.Sprintf("%d %s", http.StatusServiceUnavailable, http.StatusText(http.StatusServiceUnavailable)),
		StatusCode: http.StatusServiceUnavailable,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{"Content-Length": []string{"0"}},
		Body:       io.NopCloser(bytes.NewReader(nil)),
		Request:    req,
	}
}

func isGET(req *http.Request) bool {
	return req.Method == "" || strings.EqualFold(req.Method, http.MethodGet)
}

// sameOrigin compares scheme, host and port with the scope. Default ports
// are made explicit so http://a and http://a:80 match.
func (s *Shim) sameOrigin(u *url.URL) bool {
	if u == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, s.cfg.Scope.Scheme) &&
		strings.EqualFold(u.Hostname(), s.cfg.Scope.Hostname()) &&
		port(u) == port(s.cfg.Scope)
}

func port(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		return "80"
	case "https":
		return "443"
	}
	return ""
}
