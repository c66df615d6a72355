package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Transition("voting", "completed")
	m.Transition("voting", "completed")
	m.Posting("payout", 294)
	m.Posting("stake", -100)
	m.Failure("settle", "")
	m.SchedulerRun("payout-check", time.Now())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transitions.WithLabelValues("voting", "completed")))
	assert.Equal(t, 294.0, testutil.ToFloat64(m.LedgerVolume.WithLabelValues("payout")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.LedgerVolume.WithLabelValues("stake")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SettlementFailures.WithLabelValues("settle", "unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchedulerRuns.WithLabelValues("payout-check")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Transition("a", "b")
		m.Conflict("start")
		m.Invariant("ledger")
		m.NotificationFailed("match.started")
	})
}
