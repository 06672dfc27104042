package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Store labels used in metrics.
const (
	storeMemory = "memory"
	storeRedis  = "redis"
	storeSQLite = "sqlite"
)

var (
	// CacheHits tracks lookups answered by a store
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shim_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"store"},
	)

	// CacheMisses tracks lookups with no entry
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shim_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"store"},
	)

	// CachePuts tracks entries written
	CachePuts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shim_cache_puts_total",
			Help: "Total number of cache entries written",
		},
		[]string{"store"},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shim_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"store", "operation"}, // "open", "match", "put", "add_all", "list", "delete"
	)

	// NamespacesDeleted tracks namespaces removed from a store
	NamespacesDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shim_cache_namespaces_deleted_total",
			Help: "Total number of cache namespaces deleted",
		},
		[]string{"store"},
	)
)
