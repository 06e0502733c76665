package schedule

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/teranos/groupcast/gateway"
)

// Metrics are the dispatcher's Prometheus instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	attempts        *prometheus.CounterVec
	jobOutcomes     *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	cycleErrors     prometheus.Counter
	dueJobs         prometheus.Gauge
	storeContention prometheus.Counter
	historyPruned   prometheus.Counter
}

// InitPrometheusMetrics creates and registers the dispatcher metrics. A nil
// reg registers with prometheus.DefaultRegisterer.
func InitPrometheusMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_attempts_total",
				Help:      "Delivery attempts per target by status and error class",
			},
			[]string{"status", "class"},
		),
		jobOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_job_outcomes_total",
				Help:      "Per-job outcome of a dispatch cycle: sent, terminal, retry or error",
			},
			[]string{"outcome"},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_cycle_duration_seconds",
				Help:      "Duration of one poll cycle",
				Buckets:   []float64{.01, .1, .5, 1, 5, 10, 30, 60, 180, 600},
			},
		),
		cycleErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_cycle_errors_total",
				Help:      "Poll cycles that failed to scan for due jobs",
			},
		),
		dueJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dispatch_due_jobs",
				Help:      "Jobs found due in the last cycle",
			},
		),
		storeContention: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_contention_total",
				Help:      "Store operations that gave up after busy retries",
			},
		),
		historyPruned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "history_pruned_total",
				Help:      "Dispatch records deleted by retention",
			},
		),
	}

	reg.MustRegister(
		m.attempts,
		m.jobOutcomes,
		m.cycleDuration,
		m.cycleErrors,
		m.dueJobs,
		m.storeContention,
		m.historyPruned,
	)
	return m
}

// RecordAttempt counts one target delivery.
func (m *Metrics) RecordAttempt(res gateway.Result) {
	if m == nil {
		return
	}
	class := string(res.Class)
	if class == "" {
		class = "none"
	}
	m.attempts.WithLabelValues(string(res.Status), class).Inc()
}

// RecordJobOutcome counts one job's aggregated result.
func (m *Metrics) RecordJobOutcome(outcome Outcome) {
	if m == nil {
		return
	}
	m.jobOutcomes.WithLabelValues(string(outcome)).Inc()
}

// RecordCycle observes one poll cycle.
func (m *Metrics) RecordCycle(due int, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
	if err != nil {
		m.cycleErrors.Inc()
		return
	}
	m.dueJobs.Set(float64(due))
}

// RecordContention is the db.WithContentionHook callback.
func (m *Metrics) RecordContention(int) {
	if m == nil {
		return
	}
	m.storeContention.Inc()
}

// RecordPruned counts records removed by retention.
func (m *Metrics) RecordPruned(n int64) {
	if m == nil {
		return
	}
	m.historyPruned.Add(float64(n))
}
