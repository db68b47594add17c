// Package metrics holds the Prometheus collectors. A nil *Metrics is valid
// and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	jobsTotal       *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	inFlight        prometheus.Gauge
	rateLimitTotal  *prometheus.CounterVec
	iterationsTotal *prometheus.CounterVec
	taskStepsTotal  *prometheus.CounterVec
	scheduledRuns   *prometheus.CounterVec
}

// New registers every collector on reg, or the default registerer when nil.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_processed_total",
				Help:      "Jobs processed by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Handler duration per job kind",
				Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"kind"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_in_flight",
				Help:      "Jobs currently being handled",
			},
		),
		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_decisions_total",
				Help:      "Rate limiter decisions",
			},
			[]string{"allowed"},
		),
		iterationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "autonomous_iterations_total",
				Help:      "Autonomous iterations by outcome",
			},
			[]string{"outcome"},
		),
		taskStepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_steps_total",
				Help:      "Orchestrated task steps by outcome",
			},
			[]string{"outcome"},
		),
		scheduledRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduled_runs_total",
				Help:      "Scheduled prompt runs by trigger and status",
			},
			[]string{"trigger", "status"},
		),
	}

	reg.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.inFlight,
		m.rateLimitTotal,
		m.iterationsTotal,
		m.taskStepsTotal,
		m.scheduledRuns,
	)

	return m
}

func (m *Metrics) RecordJob(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(kind, outcome).Inc()
	m.jobDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) JobStarted() {
	if m != nil {
		m.inFlight.Inc()
	}
}

func (m *Metrics) JobFinished() {
	if m != nil {
		m.inFlight.Dec()
	}
}

func (m *Metrics) RecordRateLimit(allowed bool) {
	if m != nil {
		m.rateLimitTotal.WithLabelValues(strconv.FormatBool(allowed)).Inc()
	}
}

func (m *Metrics) RecordIteration(outcome string) {
	if m != nil {
		m.iterationsTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) RecordStep(outcome string) {
	if m != nil {
		m.taskStepsTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) RecordScheduledRun(trigger, status string) {
	if m != nil {
		m.scheduledRuns.WithLabelValues(trigger, status).Inc()
	}
}
