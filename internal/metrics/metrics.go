// Package metrics exposes calibration and cache activity to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/copyleftdev/ratefit/internal/memo"
)

const namespace = "ratefit"

// Metrics holds the collectors of one process. Each instance owns its
// registry so tests can create as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	evaluations  *prometheus.CounterVec
	evalDuration prometheus.Histogram
	rounds       *prometheus.CounterVec
	cacheEvents  *prometheus.CounterVec
	cacheEntries prometheus.Gauge
	jobs         *prometheus.CounterVec
	jobsRunning  prometheus.Gauge
}

var _ memo.Hooks = (*Metrics)(nil)

// New creates and registers all collectors, plus the Go and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Encoder evaluations by outcome",
		}, []string{"status"}),
		evalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Wall time of a single encoder evaluation",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_rounds_total",
			Help:      "Completed search rounds by method",
		}, []string{"method"}),
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_events_total",
			Help:      "Memo cache hits, misses, writes and write errors",
		}, []string{"event"}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Entries in the last persisted memo document",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Finished calibration jobs by final status",
		}, []string{"status"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Calibration jobs currently running",
		}),
	}

	m.registry.MustRegister(
		m.evaluations,
		m.evalDuration,
		m.rounds,
		m.cacheEvents,
		m.cacheEntries,
		m.jobs,
		m.jobsRunning,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveEvaluation records one encoder run.
func (m *Metrics) ObserveEvaluation(d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.evaluations.WithLabelValues(status).Inc()
	m.evalDuration.Observe(d.Seconds())
}

// Round records a completed search round.
func (m *Metrics) Round(method string) {
	m.rounds.WithLabelValues(method).Inc()
}

// JobStarted marks a job as running.
func (m *Metrics) JobStarted() { m.jobsRunning.Inc() }

// JobFinished records the final status of a job.
func (m *Metrics) JobFinished(status string) {
	m.jobsRunning.Dec()
	m.jobs.WithLabelValues(status).Inc()
}

func (m *Metrics) Hit()  { m.cacheEvents.WithLabelValues("hit").Inc() }
func (m *Metrics) Miss() { m.cacheEvents.WithLabelValues("miss").Inc() }

func (m *Metrics) Persisted(entries int, err error) {
	if err != nil {
		m.cacheEvents.WithLabelValues("write_error").Inc()
		return
	}
	m.cacheEvents.WithLabelValues("write").Inc()
	m.cacheEntries.Set(float64(entries))
}
