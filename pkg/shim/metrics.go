package shim

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fetch sources.
const (
	sourceCache       = "cache"
	sourceNetwork     = "network"
	sourcePassthrough = "passthrough"
	sourceShell       = "shell"
	sourceUnavailable = "unavailable"
)

var (
	fetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shim_fetch_total",
		Help: "Intercepted fetches by response source",
	}, []string{"source"})

	installTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shim_install_total",
		Help: "Install runs by result",
	}, []string{"result"})

	installDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shim_install_duration_seconds",
		Help:    "Install duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	activateDeleteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shim_activate_delete_failures_total",
		Help: "Stale namespaces Activate failed to delete",
	})
)
