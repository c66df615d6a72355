package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for settlement. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Transitions          *prometheus.CounterVec
	TransitionConflicts  *prometheus.CounterVec
	SettlementFailures   *prometheus.CounterVec
	InvariantViolations  *prometheus.CounterVec
	LedgerPostings       *prometheus.CounterVec
	LedgerVolume         *prometheus.CounterVec
	NotificationFailures *prometheus.CounterVec
	SchedulerRuns        *prometheus.CounterVec
	SchedulerDuration    *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wager_match_transitions_total",
			Help: "Committed match status transitions",
		}, []string{"from", "to"}),
		TransitionConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wager_match_transition_conflicts_total",
			Help: "Transitions skipped because another worker already applied them",
		}, []string{"operation"}),
		SettlementFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wager_settlement_failures_total",
			Help: "Transition attempts aborted with an error",
		}, []string{"operation", "code"}),
		InvariantViolations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wager_invariant_violations_total",
			Help: "Conservation or balance invariant violations escalated for review",
		}, []string{"component"}),
		LedgerPostings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wager_ledger_postings_total",
			Help: "Ledger entries written",
		}, []string{"kind"}),
		LedgerVolume: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wager_ledger_volume_tokens_total",
			Help: "Absolute tokens moved by ledger entries",
		}, []string{"kind"}),
		NotificationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wager_notification_failures_total",
			Help: "Lifecycle events that could not be published",
		}, []string{"event_type"}),
		SchedulerRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wager_scheduler_runs_total",
			Help: "Scheduler job executions",
		}, []string{"job"}),
		SchedulerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wager_scheduler_duration_seconds",
			Help:    "Scheduler job duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
	}
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Conflict(operation string) {
	if m == nil {
		return
	}
	m.TransitionConflicts.WithLabelValues(operation).Inc()
}

func (m *Metrics) Failure(operation, code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.SettlementFailures.WithLabelValues(operation, code).Inc()
}

func (m *Metrics) Invariant(component string) {
	if m == nil {
		return
	}
	m.InvariantViolations.WithLabelValues(component).Inc()
}

func (m *Metrics) Posting(kind string, amount int64) {
	if m == nil {
		return
	}
	if amount < 0 {
		amount = -amount
	}
	m.LedgerPostings.WithLabelValues(kind).Inc()
	m.LedgerVolume.WithLabelValues(kind).Add(float64(amount))
}

func (m *Metrics) NotificationFailed(eventType string) {
	if m == nil {
		return
	}
	m.NotificationFailures.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SchedulerRun(job string, started time.Time) {
	if m == nil {
		return
	}
	m.SchedulerRuns.WithLabelValues(job).Inc()
	m.SchedulerDuration.WithLabelValues(job).Observe(time.Since(started).Seconds())
}
