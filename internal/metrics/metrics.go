// Package metrics holds the Prometheus instrumentation shared by the
// resource layer components.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors for the resource layer. Each component
// instance gets its own registry so parallel test runs never collide on
// duplicate registration.
type Metrics struct {
	PoolInUse            *prometheus.GaugeVec
	PoolWaits            *prometheus.CounterVec
	StoreOperations      *prometheus.CounterVec
	RequestAttempts      *prometheus.HistogramVec
	ContainerTransitions *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all resource layer metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		PoolInUse: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "taap_pool_connections_in_use",
				Help: "Connections currently borrowed from the pool",
			},
			[]string{"kind"},
		),
		PoolWaits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taap_pool_acquire_timeouts_total",
				Help: "Acquire attempts that timed out waiting for a slot",
			},
			[]string{"kind"},
		),
		StoreOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taap_store_operations_total",
				Help: "Store operations by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		RequestAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taap_api_request_attempts",
				Help:    "Attempts consumed per API request",
				Buckets: []float64{1, 2, 3, 4, 5, 8},
			},
			[]string{"method"},
		),
		ContainerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taap_container_transitions_total",
				Help: "Container state transitions by target state",
			},
			[]string{"state"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.PoolInUse,
		m.PoolWaits,
		m.StoreOperations,
		m.RequestAttempts,
		m.ContainerTransitions,
	)
	return m
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
