// Package metrics exposes the Prometheus registry for the offline shim.
// Metrics are defined in their owning packages (cache, network, shim,
// lifecycle) and registered there via promauto.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer every package uses via promauto.
var Registry = prometheus.DefaultRegisterer

// Handler serves the default gatherer in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - shim_cache_hits_total{store} (Counter)
//   - shim_cache_misses_total{store} (Counter)
//   - shim_cache_puts_total{store} (Counter)
//   - shim_cache_errors_total{store, operation} (Counter)
//   - shim_cache_namespaces_deleted_total{store} (Counter)
//
// Network Metrics (pkg/network):
//   - shim_network_requests_total{method, status} (Counter)
//   - shim_network_request_duration_seconds{method} (Histogram)
//   - shim_network_errors_total{class} (Counter): client, server, network
//   - shim_network_retries_total{error_class} (Counter)
//   - shim_network_retry_exhausted_total{error_class} (Counter)
//
// Shim Metrics (pkg/shim):
//   - shim_fetch_total{source} (Counter): cache, network, passthrough, shell, unavailable
//   - shim_install_total{result} (Counter): ok, failed
//   - shim_install_duration_seconds (Histogram)
//   - shim_activate_delete_failures_total (Counter)
//
// Lifecycle Metrics (pkg/lifecycle):
//   - shim_active_version_info{namespace} (Gauge): 1 for the controlling version
//   - shim_clients (Gauge): open clients
//
// Example Prometheus Queries:
//
//   # Offline fallback rate
//   rate(shim_fetch_total{source="shell"}[5m]) / sum(rate(shim_fetch_total[5m]))
//
//   # Cache hit rate
//   sum(rate(shim_cache_hits_total[5m])) /
//   (sum(rate(shim_cache_hits_total[5m])) + sum(rate(shim_cache_misses_total[5m])))
