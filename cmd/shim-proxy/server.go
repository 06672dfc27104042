package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/muscu-offline/pkg/cache"
	"github.com/Sternrassler/muscu-offline/pkg/lifecycle"
	"github.com/Sternrassler/muscu-offline/pkg/logging"
	"github.com/Sternrassler/muscu-offline/pkg/metrics"
	"github.com/Sternrassler/muscu-offline/pkg/network"
	"github.com/Sternrassler/muscu-offline/pkg/shim"
)

// pinger is implemented by stores backed by an external service.
type pinger interface {
	Ping(ctx context.Context) error
}

// Hop-by-hop headers are not forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type server struct {
	cfg          Config
	upstream     *url.URL
	store        cache.Store
	fetcher      network.Fetcher
	registration *lifecycle.Registration
	logger       zerolog.Logger
}

func newServer(cfg Config, store cache.Store, fetcher network.Fetcher) (*server, error) {
	upstream, err := cfg.upstream()
	if err != nil {
		return nil, err
	}

	return &server{
		cfg:          cfg,
		upstream:     upstream,
		store:        store,
		fetcher:      fetcher,
		registration: lifecycle.NewRegistration(fetcher),
		logger:       logging.NewLogger(logging.ComponentProxy),
	}, nil
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler)
	r.Get("/ready", s.readyHandler)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/_shim/status", s.statusHandler)
	r.Post("/_shim/update", s.updateHandler)
	r.HandleFunc("/*", s.proxyHandler)

	return r
}

// update loads the manifest and registers the version it declares.
func (s *server) update(ctx context.Context) error {
	m, err := s.cfg.loadManifest()
	if err != nil {
		return err
	}
	cfg, err := shim.ConfigFromManifest(m)
	if err != nil {
		return err
	}
	version, err := shim.New(cfg, s.store, s.fetcher)
	if err != nil {
		return err
	}
	return s.registration.Register(ctx, version)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (s *server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	if s.registration.Active() == nil {
		http.Error(w, "no active version", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

type statusResponse struct {
	Active     string   `json:"active,omitempty"`
	Waiting    string   `json:"waiting,omitempty"`
	Namespaces []string `json:"namespaces"`
}

func (s *server) status(ctx context.Context) (statusResponse, error) {
	names, err := s.store.Namespaces(ctx)
	if err != nil {
		return statusResponse{}, err
	}

	st := statusResponse{Namespaces: names}
	if st.Namespaces == nil {
		st.Namespaces = []string{}
	}
	if w := s.registration.Active(); w != nil {
		st.Active = w.Namespace()
	}
	if w := s.registration.Waiting(); w != nil {
		st.Waiting = w.Namespace()
	}
	return st, nil
}

func (s *server) statusHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.status(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list namespaces")
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) updateHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.update(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("Update failed")

		code := http.StatusInternalServerError
		if errors.Is(err, shim.ErrAssetFetch) {
			code = http.StatusBadGateway
		}
		http.Error(w, err.Error(), code)
		return
	}

	st, err := s.status(r.Context())
	if err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// proxyHandler forwards the request to the upstream through the shim. Each
// request is its own short-lived client.
func (s *server) proxyHandler(w http.ResponseWriter, r *http.Request) {
	req, err := s.outbound(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	clientID := s.registration.OpenClient()
	defer func() {
		if err := s.registration.CloseClient(context.WithoutCancel(r.Context()), clientID); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close client")
		}
	}()

	resp, err := s.registration.Fetch(r.Context(), clientID, req)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("url", req.URL.String()).
			Msg("Upstream request failed")
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write response")
	}
}

// outbound rewrites an incoming request to its upstream URL.
func (s *server) outbound(r *http.Request) (*http.Request, error) {
	target := s.upstream.ResolveReference(&url.URL{
		Path:     "." + r.URL.Path,
		RawQuery: r.URL.RawQuery,
	})

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	copyHeader(req.Header, r.Header)
	req.ContentLength = r.ContentLength
	return req, nil
}

func copyHeader(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
