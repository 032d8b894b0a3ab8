// Package metrics exposes pool occupancy, job outcomes and HTTP traffic in
// Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/ansible-api/internal/dispatch"
)

const namespace = "ansible_api"

// StatsFunc reports current occupancy keyed by pool name.
type StatsFunc func() map[string]dispatch.Stats

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	jobs         *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

var _ dispatch.Observer = (*Metrics)(nil)

// New registers job, HTTP and pool metrics. Pool gauges are sampled from
// stats at scrape time.
func New(stats StatsFunc) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "total",
				Help:      "Jobs finished, by pool, kind and outcome.",
			},
			[]string{"pool", "kind", "outcome"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "duration_seconds",
				Help:      "Job run time in seconds.",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
			},
			[]string{"pool", "kind"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
	}

	m.registry.MustRegister(
		m.jobs, m.jobDuration, m.httpRequests, m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if stats != nil {
		for _, pool := range []string{dispatch.PoolAsync, dispatch.PoolSync} {
			m.registerPoolGauges(pool, stats)
		}
	}
	return m
}

func (m *Metrics) registerPoolGauges(pool string, stats StatsFunc) {
	labels := prometheus.Labels{"pool": pool}
	gauge := func(name, help string, pick func(dispatch.Stats) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "pool",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(pick(stats()[pool])) })
	}
	m.registry.MustRegister(
		gauge("workers", "Configured workers.", func(s dispatch.Stats) int { return s.Size }),
		gauge("running_jobs", "Jobs currently running.", func(s dispatch.Stats) int { return s.Running }),
		gauge("queued_jobs", "Jobs waiting for a worker.", func(s dispatch.Stats) int { return s.Queued }),
	)
}

// Handler serves the registry in exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordHTTPRequest counts one served request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	m.httpDuration.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
}

func (m *Metrics) JobQueued(string, dispatch.Job) {}

func (m *Metrics) JobStarted(string, dispatch.Job) {}

func (m *Metrics) JobFinished(pool string, job dispatch.Job, elapsed time.Duration, err error) {
	outcome := "succeeded"
	if err != nil {
		outcome = "failed"
	}
	m.jobs.WithLabelValues(pool, job.Kind, outcome).Inc()
	m.jobDuration.WithLabelValues(pool, job.Kind).Observe(elapsed.Seconds())
}
