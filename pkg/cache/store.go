package cache

import (
	"context"
	"errors"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrNamespaceRequired is returned when a namespace name is empty
	ErrNamespaceRequired = errors.New("namespace name is required")
)

// Handle is an opened namespace.
type Handle interface {
	// Namespace returns the name the handle was opened with.
	Namespace() string

	// Match looks the key up in this namespace only.
	Match(ctx context.Context, key CacheKey) (*CacheEntry, error)

	// Put stores entry under key, overwriting any previous entry.
	Put(ctx context.Context, key CacheKey, entry *CacheEntry) error

	// AddAll stores every entry under entry.Key(). Either all entries are
	// written or none are.
	AddAll(ctx context.Context, entries []*CacheEntry) error
}

// Store is the namespaced response store.
type Store interface {
	// Open returns a handle for namespace, creating it on first use.
	Open(ctx context.Context, namespace string) (Handle, error)

	// Match looks the key up across every namespace, oldest first.
	// Returns ErrCacheMiss when no namespace holds the key.
	Match(ctx context.Context, key CacheKey) (*CacheEntry, error)

	// Namespaces lists namespace names in creation order.
	Namespaces(ctx context.Context) ([]string, error)

	// DeleteNamespace removes a namespace and all its entries.
	// Reports whether the namespace existed.
	DeleteNamespace(ctx context.Context, name string) (bool, error)
}
