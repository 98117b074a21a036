package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestLagMonitor(t *testing.T) {
	newMonitor := func(now time.Time) *LagMonitor {
		m := NewLagMonitor(zap.NewNop(), nil, 5*time.Minute, "dc-default")
		m.now = func() time.Time { return now }
		return m
	}

	t.Run("UnknownDatacenterIsLagging", func(t *testing.T) {
		m := newMonitor(time.Now())
		assert.True(t, m.IsDataLagging("dc1"))
	})

	t.Run("FreshHeartbeatIsNotLagging", func(t *testing.T) {
		now := time.Now()
		m := newMonitor(now)
		m.Observe("dc1", now.Add(-time.Minute).UnixMilli())
		assert.False(t, m.IsDataLagging("dc1"))
	})

	t.Run("StaleHeartbeatIsLagging", func(t *testing.T) {
		now := time.Now()
		m := newMonitor(now)
		m.Observe("dc1", now.Add(-10*time.Minute).UnixMilli())
		assert.True(t, m.IsDataLagging("dc1"))
	})

	t.Run("EmptyDatacenterUsesDefault", func(t *testing.T) {
		now := time.Now()
		m := newMonitor(now)
		m.Observe("dc-default", now.UnixMilli())
		assert.False(t, m.IsDataLagging(""))
	})
}

func TestCounters(t *testing.T) {
	counters := NewCounters()
	counters.IncrAlertsEvaluated()
	counters.IncrAlertsEvaluated()
	counters.IncrAlertsSkipped()
	counters.IncrAlertsFailed()
	counters.IncrTriggersViolated()
	counters.IncrNotificationsSent()

	snapshot := counters.Snapshot()
	assert.Equal(t, int64(2), snapshot.AlertsEvaluated)
	assert.Equal(t, int64(1), snapshot.AlertsSkipped)
	assert.Equal(t, int64(1), snapshot.AlertsFailed)
	assert.Equal(t, int64(1), snapshot.TriggersViolated)
	assert.Equal(t, int64(1), snapshot.NotificationsSent)
}
