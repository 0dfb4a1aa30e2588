// Package metrics defines the Prometheus collectors for detection runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "harrier"

// Metrics holds the engine and worker collectors.
type Metrics struct {
	registry prometheus.Gatherer

	RunsTotal      *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	StageDuration  *prometheus.HistogramVec
	AlertsTotal    *prometheus.CounterVec
	PatternsTotal  *prometheus.CounterVec
	SkippedRecords *prometheus.CounterVec
	LastRun        *prometheus.GaugeVec
}

// New creates the collectors and registers them on a fresh registry that also
// carries the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the collectors on reg and serves them from gatherer.
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		registry: gatherer,

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Total number of detection runs by outcome",
		}, []string{"outcome"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "run_duration_seconds",
			Help:      "Detection run duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~65s
		}, []string{"outcome"}),

		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 18),
		}, []string{"stage"}),

		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "created_total",
			Help:      "Total number of alerts created by type",
		}, []string{"type"}),

		PatternsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "patterns",
			Name:      "detected_total",
			Help:      "Total number of detected patterns by name",
		}, []string{"pattern"}),

		SkippedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "skipped_records_total",
			Help:      "Records skipped with a diagnostic, by stage",
		}, []string{"stage"}),

		LastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last completed run per tenant",
		}, []string{"tenant_id"}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.StageDuration,
		m.AlertsTotal,
		m.PatternsTotal,
		m.SkippedRecords,
		m.LastRun,
	)
	return m
}

// ObserveRun records one run's outcome and duration.
func (m *Metrics) ObserveRun(outcome string, d time.Duration) {
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveStage records a pipeline stage duration.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
