// Package metrics exposes job and notification counters for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ProposalWatcher/internal/domain"
)

const namespace = "proposalwatcher"

// Metrics holds the collectors. A nil *Metrics ignores every observation.
type Metrics struct {
	registry      *prometheus.Registry
	jobRuns       *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	items         *prometheus.CounterVec
	notifications *prometheus.CounterVec
	newProposals  prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		jobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Batch job invocations by job and result.",
		}, []string{"job", "result"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of batch job invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"job"}),
		items: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_items_total",
			Help:      "Per-proposal outcomes reported by batch jobs.",
		}, []string{"job", "status"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_attempts_total",
			Help:      "Notification delivery attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
		newProposals: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_ingested_total",
			Help:      "Proposals inserted into the dedup store.",
		}),
	}
}

// ObserveRun records one finished invocation.
func (m *Metrics) ObserveRun(res domain.RunResult, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.jobRuns.WithLabelValues(res.Job, result).Inc()
	if !res.FinishedAt.IsZero() && !res.StartedAt.IsZero() {
		m.jobDuration.WithLabelValues(res.Job).Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())
	}
	for _, d := range res.Details {
		m.items.WithLabelValues(res.Job, string(d.Status)).Inc()
	}
}

// ObserveAttempt records one delivery attempt.
func (m *Metrics) ObserveAttempt(channel domain.Channel, outcome domain.AttemptOutcome) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(string(channel), string(outcome)).Inc()
}

// ObserveIngested counts proposals inserted by a poll.
func (m *Metrics) ObserveIngested(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.newProposals.Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
