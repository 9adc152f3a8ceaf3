package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector provides Prometheus metrics for the consolidation engine.
type MetricsCollector struct {
	passesTotal   *prometheus.CounterVec
	passDuration  *prometheus.HistogramVec
	sessionsTotal *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	entityCount   *prometheus.GaugeVec
	registry      *prometheus.Registry
}

// NewCollector creates a new Prometheus metrics collector.
func NewCollector() *MetricsCollector {
	registry := prometheus.NewRegistry()

	passesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talos_maintenance_passes_total",
			Help: "Total number of maintenance passes by type and status",
		},
		[]string{"pass", "status"},
	)

	passDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "talos_maintenance_pass_duration_seconds",
			Help:    "Duration of maintenance passes by type",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"pass"},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talos_session_events_total",
			Help: "Total number of session lifecycle events",
		},
		[]string{"event"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talos_errors_total",
			Help: "Total number of errors by operation and error type",
		},
		[]string{"operation", "error_type"},
	)

	entityCount := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "talos_entity_count",
			Help: "Current count of active entities by kind",
		},
		[]string{"kind"},
	)

	registry.MustRegister(passesTotal)
	registry.MustRegister(passDuration)
	registry.MustRegister(sessionsTotal)
	registry.MustRegister(errorsTotal)
	registry.MustRegister(entityCount)

	return &MetricsCollector{
		passesTotal:   passesTotal,
		passDuration:  passDuration,
		sessionsTotal: sessionsTotal,
		errorsTotal:   errorsTotal,
		entityCount:   entityCount,
		registry:      registry,
	}
}

// RecordPass records the completion of a maintenance pass.
func (m *MetricsCollector) RecordPass(ctx context.Context, pass string, status string, durationMs int64) {
	m.passesTotal.WithLabelValues(pass, status).Inc()
	m.passDuration.WithLabelValues(pass).Observe(float64(durationMs) / 1000.0)
}

// RecordSession records a session lifecycle event.
func (m *MetricsCollector) RecordSession(ctx context.Context, event string, durationMs int64) {
	m.sessionsTotal.WithLabelValues(event).Inc()
}

// RecordError records an error occurrence.
func (m *MetricsCollector) RecordError(ctx context.Context, operation string, errorType string) {
	m.errorsTotal.WithLabelValues(operation, errorType).Inc()
}

// SetEntityCount sets the current active count for an entity kind.
func (m *MetricsCollector) SetEntityCount(ctx context.Context, kind string, count int64) {
	m.entityCount.WithLabelValues(kind).Set(float64(count))
}

// Registry returns the Prometheus registry for HTTP exposure.
func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}
