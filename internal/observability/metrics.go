package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the load balancer.
type Metrics struct {
	totalConnections    prometheus.Counter
	activeConnections   prometheus.Gauge
	backendConnections  *prometheus.GaugeVec
	healthCheckFailures *prometheus.CounterVec
	healthyBackends     prometheus.Gauge
	rejectedConnections prometheus.Counter
	handshakeFailures   prometheus.Counter
	registrySyncFails   prometheus.Counter
	registry            *prometheus.Registry
}

// NewMetrics creates a new Metrics instance backed by its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.totalConnections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lb_total_connections",
			Help: "Total number of accepted client connections",
		},
	)

	m.activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lb_active_connections",
			Help: "Number of client connections currently bridged to a backend",
		},
	)

	m.backendConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lb_backend_active_connections",
			Help: "Active connections per backend",
		},
		[]string{"backend"},
	)

	m.healthCheckFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lb_backend_health_check_failures",
			Help: "Total health check failures per backend",
		},
		[]string{"backend"},
	)

	m.healthyBackends = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lb_healthy_backends",
			Help: "Number of backends currently eligible for routing",
		},
	)

	m.rejectedConnections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lb_connections_rejected_total",
			Help: "Client connections closed because no backend was available",
		},
	)

	m.handshakeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lb_tls_handshake_failures_total",
			Help: "Total failed TLS handshakes",
		},
	)

	m.registrySyncFails = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lb_registry_sync_failures_total",
			Help: "Total failed registry synchronization cycles",
		},
	)

	m.registry.MustRegister(
		m.totalConnections,
		m.activeConnections,
		m.backendConnections,
		m.healthCheckFailures,
		m.healthyBackends,
		m.rejectedConnections,
		m.handshakeFailures,
		m.registrySyncFails,
	)

	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ConnectionAccepted records an accepted client connection.
func (m *Metrics) ConnectionAccepted() {
	m.totalConnections.Inc()
}

// BridgeOpened records a connection bridged to a backend.
func (m *Metrics) BridgeOpened(backend string, backendActive int64) {
	m.activeConnections.Inc()
	m.backendConnections.WithLabelValues(backend).Set(float64(backendActive))
}

// BridgeClosed records a bridge termination.
func (m *Metrics) BridgeClosed(backend string, backendActive int64) {
	m.activeConnections.Dec()
	m.backendConnections.WithLabelValues(backend).Set(float64(backendActive))
}

// BackendRemoved drops the per-backend series for a purged backend.
func (m *Metrics) BackendRemoved(backend string) {
	m.backendConnections.DeleteLabelValues(backend)
	m.healthCheckFailures.DeleteLabelValues(backend)
}

// HealthCheckFailed records one failed probe against a backend.
func (m *Metrics) HealthCheckFailed(backend string) {
	m.healthCheckFailures.WithLabelValues(backend).Inc()
}

// SetHealthyBackends sets the eligible backend count gauge.
func (m *Metrics) SetHealthyBackends(n int) {
	m.healthyBackends.Set(float64(n))
}

// ConnectionRejected records a connection closed for lack of backends.
func (m *Metrics) ConnectionRejected() {
	m.rejectedConnections.Inc()
}

// HandshakeFailed records a failed TLS handshake.
func (m *Metrics) HandshakeFailed() {
	m.handshakeFailures.Inc()
}

// RegistrySyncFailed records a failed registry poll cycle.
func (m *Metrics) RegistrySyncFailed() {
	m.registrySyncFails.Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
