package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector provides Prometheus metrics collection for pipeline stages
type MetricsCollector struct {
	unitsTotal     *prometheus.CounterVec
	workDuration   *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	toolIterations *prometheus.HistogramVec
	storeUnits     *prometheus.GaugeVec
	registry       *prometheus.Registry
}

// NewCollector creates a new Prometheus metrics collector
func NewCollector() *MetricsCollector {
	registry := prometheus.NewRegistry()

	unitsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ontograph_units_total",
			Help: "Total number of units by stage and decision (skip, create, regenerate)",
		},
		[]string{"stage", "decision"},
	)

	workDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ontograph_work_duration_seconds",
			Help:    "Duration of work function calls by stage",
			Buckets: []float64{0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0},
		},
		[]string{"stage"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ontograph_errors_total",
			Help: "Total number of failed units by stage and error type",
		},
		[]string{"stage", "error_type"},
	)

	toolIterations := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ontograph_tool_iterations",
			Help:    "Tool-calling iterations needed per unit",
			Buckets: []float64{5, 10, 20, 50, 100},
		},
		[]string{"stage"},
	)

	storeUnits := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ontograph_store_units",
			Help: "Signed units in the stage document after the last run",
		},
		[]string{"stage"},
	)

	registry.MustRegister(unitsTotal)
	registry.MustRegister(workDuration)
	registry.MustRegister(errorsTotal)
	registry.MustRegister(toolIterations)
	registry.MustRegister(storeUnits)

	return &MetricsCollector{
		unitsTotal:     unitsTotal,
		workDuration:   workDuration,
		errorsTotal:    errorsTotal,
		toolIterations: toolIterations,
		storeUnits:     storeUnits,
		registry:       registry,
	}
}

// RecordUnit records one unit decision
func (m *MetricsCollector) RecordUnit(ctx context.Context, stage string, decision string, durationMs int64) {
	m.unitsTotal.WithLabelValues(stage, decision).Inc()
	if decision != "skip" {
		m.workDuration.WithLabelValues(stage).Observe(float64(durationMs) / 1000.0)
	}
}

// RecordError records a failed unit
func (m *MetricsCollector) RecordError(ctx context.Context, stage string, errorType string) {
	m.errorsTotal.WithLabelValues(stage, errorType).Inc()
}

// RecordIterations records how many tool-calling iterations a unit needed
func (m *MetricsCollector) RecordIterations(ctx context.Context, stage string, iterations int) {
	m.toolIterations.WithLabelValues(stage).Observe(float64(iterations))
}

// SetStoreUnits sets the number of signed units in a stage document
func (m *MetricsCollector) SetStoreUnits(ctx context.Context, stage string, count int64) {
	m.storeUnits.WithLabelValues(stage).Set(float64(count))
}

// Registry returns the Prometheus registry for export
func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes all metrics in the Prometheus text format, for the
// node exporter textfile collector.
func (m *MetricsCollector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
