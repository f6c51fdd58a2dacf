// Package obs exposes Prometheus instrumentation for consolidation passes.
package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics registers the pass-level counters on a private registry so tests
// can create instances freely.
type Metrics struct {
	registry *prometheus.Registry

	PassesTotal         *prometheus.CounterVec
	RowsIngested        *prometheus.CounterVec
	RowsRejected        *prometheus.CounterVec
	DuplicatesCollapsed *prometheus.CounterVec
	DatasetRows         *prometheus.GaugeVec
	PassDuration        prometheus.Histogram
}

// NewMetrics builds and registers the instrument set.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PassesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorvault_passes_total",
			Help: "Consolidation passes by source and outcome.",
		}, []string{"source", "status"}),
		RowsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorvault_rows_ingested_total",
			Help: "Raw rows successfully normalized into canonical readings.",
		}, []string{"source"}),
		RowsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorvault_rows_rejected_total",
			Help: "Raw rows routed to the rejected set during normalization.",
		}, []string{"source"}),
		DuplicatesCollapsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorvault_duplicates_collapsed_total",
			Help: "Rows collapsed by deduplication, by kind (exact or near).",
		}, []string{"source", "kind"}),
		DatasetRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sensorvault_dataset_rows",
			Help: "Current canonical dataset row count per source.",
		}, []string{"source"}),
		PassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sensorvault_pass_duration_seconds",
			Help:    "Wall-clock duration of consolidation passes.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}

	m.registry.MustRegister(
		m.PassesTotal,
		m.RowsIngested,
		m.RowsRejected,
		m.DuplicatesCollapsed,
		m.DatasetRows,
		m.PassDuration,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather exposes the registry for tests.
func (m *Metrics) Gather() prometheus.Gatherer { return m.registry }
