// Package metrics exposes job and transfer metrics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "sitemove"

// Metrics is a prometheus.Collector for step and job activity. A nil
// *Metrics discards every observation.
type Metrics struct {
	stepDuration *prometheus.HistogramVec
	slices       *prometheus.CounterVec
	jobs         *prometheus.CounterVec
	bytes        *prometheus.CounterVec
	rows         *prometheus.CounterVec
	activeJobs   prometheus.Gauge
}

// New returns a new Metrics collector.
func New() *Metrics {
	return &Metrics{
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "step_duration_seconds",
				Help:      "The time taken by one slice of a job step.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			}, []string{"kind", "step"},
		),
		slices: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "step_slices_total",
				Help:      "The number of step slices run, by outcome.",
			}, []string{"kind", "step", "outcome"},
		),
		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "jobs_finished_total",
				Help:      "The number of jobs that reached a terminal state.",
			}, []string{"kind", "status"},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "bytes_total",
				Help:      "Bytes written to or restored from archives.",
			}, []string{"kind"},
		),
		rows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rows_total",
				Help:      "Database rows dumped or restored.",
			}, []string{"kind"},
		),
		activeJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_jobs",
				Help:      "The number of jobs started but not yet finished in this process.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.stepDuration.Describe(ch)
	m.slices.Describe(ch)
	m.jobs.Describe(ch)
	m.bytes.Describe(ch)
	m.rows.Describe(ch)
	m.activeJobs.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.stepDuration.Collect(ch)
	m.slices.Collect(ch)
	m.jobs.Collect(ch)
	m.bytes.Collect(ch)
	m.rows.Collect(ch)
	m.activeJobs.Collect(ch)
}

// ObserveStep records one step slice.
func (m *Metrics) ObserveStep(kind, step, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(kind, step).Observe(d.Seconds())
	m.slices.WithLabelValues(kind, step, outcome).Inc()
}

// JobStarted counts a new job as active.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.activeJobs.Inc()
}

// JobFinished records a job reaching a terminal status.
func (m *Metrics) JobFinished(kind, status string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(kind, status).Inc()
	m.activeJobs.Dec()
}

// AddBytes counts archive bytes processed.
func (m *Metrics) AddBytes(kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytes.WithLabelValues(kind).Add(float64(n))
}

// AddRows counts database rows processed.
func (m *Metrics) AddRows(kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.rows.WithLabelValues(kind).Add(float64(n))
}

// Handler serves the collector, plus Go runtime metrics, in the Prometheus
// text format.
func (m *Metrics) Handler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	if m != nil {
		reg.MustRegister(m)
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
