// Package lifecycle hosts shim versions the way a browser hosts service
// workers: it triggers Install and Activate, tracks which version controls
// each client, and routes client fetches to the controlling version.
//
// Ordering guarantees:
//   - Install of a version completes before its Activate starts.
//   - Activate completes before the version answers any fetch.
//   - A version whose Install fails never becomes active; the previous
//     version keeps control.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/muscu-offline/pkg/logging"
	"github.com/Sternrassler/muscu-offline/pkg/network"
)

var (
	// ErrUnknownClient is returned for a client id that was never opened
	// or is already closed.
	ErrUnknownClient = errors.New("unknown client")
)

var (
	activeVersion = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shim_active_version_info",
		Help: "1 for the namespace of the active shim version",
	}, []string{"namespace"})

	openClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shim_clients",
		Help: "Number of open clients",
	})
)

// Worker is one shim version as seen by the host.
type Worker interface {
	Namespace() string
	Install(ctx context.Context) error
	Activate(ctx context.Context) error
	Fetch(ctx context.Context, req *http.Request) *http.Response
	SkipWaiting() bool
	ClaimsClients() bool
}

// Registration tracks the installed versions and the clients they control.
type Registration struct {
	net    network.Fetcher
	logger zerolog.Logger

	// updateMu serializes installs and activations
	updateMu sync.Mutex

	mu      sync.RWMutex
	active  Worker
	waiting Worker
	clients map[string]Worker
}

// NewRegistration creates an empty registration. Uncontrolled clients
// fetch straight from net.
func NewRegistration(net network.Fetcher) *Registration {
	return &Registration{
		net:     net,
		logger:  logging.NewLogger(logging.ComponentLifecycle),
		clients: make(map[string]Worker),
	}
}

// Register installs w and activates it when allowed: immediately if w asked
// to skip waiting or nothing is active, otherwise once the active version
// controls no client. Registering the active or waiting namespace again is
// a no-op. If Install fails the error is returned and the active version
// stays in control.
func (r *Registration) Register(ctx context.Context, w Worker) error {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	r.mu.RLock()
	active, waiting := r.active, r.waiting
	r.mu.RUnlock()

	if active != nil && active.Namespace() == w.Namespace() {
		r.logger.Debug().Str("namespace", w.Namespace()).Msg("Version already active")
		return nil
	}
	if waiting != nil && waiting.Namespace() == w.Namespace() {
		r.logger.Debug().Str("namespace", w.Namespace()).Msg("Version already waiting")
		return nil
	}

	if err := w.Install(ctx); err != nil {
		r.logger.Error().
			Err(err).
			Str("namespace", w.Namespace()).
			Msg("Install failed, keeping previous version")
		return fmt.Errorf("install %s: %w", w.Namespace(), err)
	}

	r.mu.Lock()
	r.waiting = w
	r.mu.Unlock()

	r.logger.Info().Str("namespace", w.Namespace()).Msg("Version installed")

	if w.SkipWaiting() || active == nil || r.controlledBy(active) == 0 {
		return r.activateLocked(ctx)
	}

	r.logger.Info().
		Str("namespace", w.Namespace()).
		Str("active", active.Namespace()).
		Msg("Version waiting for clients to close")
	return nil
}

// activateLocked activates the waiting version. updateMu must be held.
func (r *Registration) activateLocked(ctx context.Context) error {
	r.mu.RLock()
	w := r.waiting
	r.mu.RUnlock()
	if w == nil {
		return nil
	}

	if err := w.Activate(ctx); err != nil {
		return fmt.Errorf("activate %s: %w", w.Namespace(), err)
	}

	r.mu.Lock()
	previous := r.active
	r.active = w
	r.waiting = nil

	claimed := 0
	for id, controller := range r.clients {
		switch {
		case controller != nil:
			r.clients[id] = w
		case w.ClaimsClients():
			r.clients[id] = w
			claimed++
		}
	}
	r.mu.Unlock()

	activeVersion.Reset()
	activeVersion.WithLabelValues(w.Namespace()).Set(1)

	event := r.logger.Info().
		Str("namespace", w.Namespace()).
		Int("claimed", claimed)
	if previous != nil {
		event = event.Str("previous", previous.Namespace())
	}
	event.Msg("Version activated")

	return nil
}

func (r *Registration) controlledBy(w Worker) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, controller := range r.clients {
		if controller == w {
			n++
		}
	}
	return n
}

// OpenClient opens a client. It is controlled by the active version, if any.
func (r *Registration) OpenClient() string {
	id := uuid.NewString()

	r.mu.Lock()
	r.clients[id] = r.active
	r.mu.Unlock()

	openClients.Inc()
	return id
}

// CloseClient closes a client. Closing the last client of the active
// version lets a waiting version activate.
func (r *Registration) CloseClient(ctx context.Context, id string) error {
	r.mu.Lock()
	if _, ok := r.clients[id]; !ok {
		r.mu.Unlock()
		return ErrUnknownClient
	}
	delete(r.clients, id)
	waiting := r.waiting
	r.mu.Unlock()
	openClients.Dec()

	// updateMu is held for the whole of an install; only wait for it when
	// there is a version to activate.
	if waiting == nil {
		return nil
	}

	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	r.mu.RLock()
	active, waiting := r.active, r.waiting
	r.mu.RUnlock()

	if waiting != nil && r.controlledBy(active) == 0 {
		return r.activateLocked(ctx)
	}
	return nil
}

// Fetch routes req to the version controlling the client. Uncontrolled
// clients fetch from the network and may see its errors; controlled
// clients always get a response.
func (r *Registration) Fetch(ctx context.Context, clientID string, req *http.Request) (*http.Response, error) {
	r.mu.RLock()
	controller, ok := r.clients[clientID]
	r.mu.RUnlock()

	if !ok {
		return nil, ErrUnknownClient
	}
	if controller == nil {
		return r.net.Fetch(ctx, req)
	}
	return controller.Fetch(ctx, req), nil
}

// Active returns the active version, or nil.
func (r *Registration) Active() Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Waiting returns the installed version waiting to activate, or nil.
func (r *Registration) Waiting() Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

// Controller returns the version controlling a client. The worker is nil
// for an uncontrolled client; ok is false for an unknown one.
func (r *Registration) Controller(clientID string) (w Worker, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok = r.clients[clientID]
	return w, ok
}
