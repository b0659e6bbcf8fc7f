package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/entrhq/browserd/pkg/job"
	"github.com/entrhq/browserd/pkg/pool"
	"github.com/entrhq/browserd/pkg/scheduler"
)

// Metrics exposes the engine's operational counters on a dedicated
// Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	jobsSubmitted prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobDuration   prometheus.Histogram
}

func newMetrics(sched *scheduler.Scheduler, p *pool.Manager) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.jobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "browserd_jobs_submitted_total",
		Help: "Jobs accepted by admission control.",
	})
	m.jobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "browserd_jobs_completed_total",
		Help: "Jobs reaching a terminal state, by status.",
	}, []string{"status"})
	m.jobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "browserd_job_duration_seconds",
		Help:    "Wall time from job start to terminal state.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	queueDepth := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "browserd_queue_depth",
		Help: "Jobs waiting for dispatch.",
	}, func() float64 { return float64(sched.QueueDepth()) })
	running := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "browserd_running_jobs",
		Help: "Jobs currently executing.",
	}, func() float64 { return float64(sched.Running()) })
	instances := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "browserd_pool_instances",
		Help: "Live browser instances in the pool.",
	}, func() float64 { return float64(len(p.Instances())) })

	m.registry.MustRegister(m.jobsSubmitted, m.jobsCompleted, m.jobDuration,
		queueDepth, running, instances)
	return m
}

// JobSubmitted records one admitted job.
func (m *Metrics) JobSubmitted() {
	m.jobsSubmitted.Inc()
}

// JobCompleted records a terminal result; wired as the scheduler's
// completion hook.
func (m *Metrics) JobCompleted(res job.Result) {
	m.jobsCompleted.WithLabelValues(string(res.Status)).Inc()
	if !res.Finished.IsZero() && !res.Started.IsZero() {
		m.jobDuration.Observe(res.Finished.Sub(res.Started).Seconds())
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
