// Package cache provides the namespaced response store used by the offline shim.
//
// A Store is partitioned into named namespaces (for example "muscu-v2").
// Each namespace maps request keys to snapshots of HTTP responses. Only one
// namespace is current at a time; older ones are removed by the shim when a
// new version activates.
//
// Three implementations are available:
//
//   - MemoryStore: process-local, used in tests and for short-lived hosts
//   - RedisStore: shared across processes, one hash per namespace
//   - SQLiteStore: durable single-file store
//
// # Basic Usage
//
//	store := cache.NewMemoryStore()
//
//	handle, err := store.Open(ctx, "muscu-v2")
//	if err != nil {
//		return err
//	}
//
//	entry, err := cache.ResponseToEntry(resp)
//	if err != nil {
//		return err
//	}
//	if err := handle.Put(ctx, cache.KeyFromRequest(req), entry); err != nil {
//		return err
//	}
//
//	// Lookup across every namespace
//	entry, err = store.Match(ctx, cache.KeyFromRequest(req))
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// not cached
//	}
//
// # Keys
//
// Entries are keyed by method and absolute URL with the fragment removed.
// Only GET keys are ever matched; Match on any other method is a miss.
//
// # Metrics
//
//   - shim_cache_hits_total{store} - Lookups answered from the store
//   - shim_cache_misses_total{store} - Lookups with no entry
//   - shim_cache_puts_total{store} - Entries written
//   - shim_cache_errors_total{store, operation} - Store operation errors
//   - shim_cache_namespaces_deleted_total{store} - Namespaces removed
package cache
