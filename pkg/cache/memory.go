package cache

import (
	"context"
	"sync"
)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu         sync.RWMutex
	order      []string
	namespaces map[string]map[string]*CacheEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		namespaces: make(map[string]map[string]*CacheEntry),
	}
}

// Open returns a handle for namespace, creating it on first use.
func (s *MemoryStore) Open(_ context.Context, namespace string) (Handle, error) {
	if namespace == "" {
		CacheErrors.WithLabelValues(storeMemory, "open").Inc()
		return nil, ErrNamespaceRequired
	}

	s.mu.Lock()
	s.ensureLocked(namespace)
	s.mu.Unlock()

	return &memoryHandle{store: s, name: namespace}, nil
}

// Match looks the key up across every namespace, oldest first.
func (s *MemoryStore) Match(_ context.Context, key CacheKey) (*CacheEntry, error) {
	if !key.Matchable() {
		CacheMisses.WithLabelValues(storeMemory).Inc()
		return nil, ErrCacheMiss
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	k := key.String()
	for _, name := range s.order {
		if entry, ok := s.namespaces[name][k]; ok {
			CacheHits.WithLabelValues(storeMemory).Inc()
			return entry.Clone(), nil
		}
	}

	CacheMisses.WithLabelValues(storeMemory).Inc()
	return nil, ErrCacheMiss
}

// Namespaces lists namespace names in creation order.
func (s *MemoryStore) Namespaces(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, len(s.order))
	copy(names, s.order)
	return names, nil
}

// DeleteNamespace removes a namespace and all its entries.
func (s *MemoryStore) DeleteNamespace(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.namespaces[name]; !ok {
		return false, nil
	}
	delete(s.namespaces, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}

	NamespacesDeleted.WithLabelValues(storeMemory).Inc()
	return true, nil
}

// Len returns the number of entries in namespace.
func (s *MemoryStore) Len(namespace string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.namespaces[namespace])
}

func (s *MemoryStore) ensureLocked(namespace string) map[string]*CacheEntry {
	entries, ok := s.namespaces[namespace]
	if !ok {
		entries = make(map[string]*CacheEntry)
		s.namespaces[namespace] = entries
		s.order = append(s.order, namespace)
	}
	return entries
}

type memoryHandle struct {
	store *MemoryStore
	name  string
}

func (h *memoryHandle) Namespace() string { return h.name }

func (h *memoryHandle) Match(_ context.Context, key CacheKey) (*CacheEntry, error) {
	if !key.Matchable() {
		CacheMisses.WithLabelValues(storeMemory).Inc()
		return nil, ErrCacheMiss
	}

	h.store.mu.RLock()
	defer h.store.mu.RUnlock()

	entry, ok := h.store.namespaces[h.name][key.String()]
	if !ok {
		CacheMisses.WithLabelValues(storeMemory).Inc()
		return nil, ErrCacheMiss
	}
	CacheHits.WithLabelValues(storeMemory).Inc()
	return entry.Clone(), nil
}

func (h *memoryHandle) Put(_ context.Context, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		CacheErrors.WithLabelValues(storeMemory, "put").Inc()
		return ErrInvalidEntry
	}

	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	h.store.ensureLocked(h.name)[key.String()] = entry.Clone()
	CachePuts.WithLabelValues(storeMemory).Inc()
	return nil
}

func (h *memoryHandle) AddAll(_ context.Context, entries []*CacheEntry) error {
	for _, e := range entries {
		if e == nil || e.URL == "" {
			CacheErrors.WithLabelValues(storeMemory, "add_all").Inc()
			return ErrInvalidEntry
		}
	}

	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	ns := h.store.ensureLocked(h.name)
	for _, e := range entries {
		ns[e.Key().String()] = e.Clone()
	}
	CachePuts.WithLabelValues(storeMemory).Add(float64(len(entries)))
	return nil
}
