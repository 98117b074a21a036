package monitor

import "sync/atomic"

// Counters aggregates evaluation activity across all runner goroutines.
type Counters struct {
	alertsEvaluated   atomic.Int64
	alertsSkipped     atomic.Int64
	alertsFailed      atomic.Int64
	triggersViolated  atomic.Int64
	notificationsSent atomic.Int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	AlertsEvaluated   int64 `json:"alerts_evaluated"`
	AlertsSkipped     int64 `json:"alerts_skipped"`
	AlertsFailed      int64 `json:"alerts_failed"`
	TriggersViolated  int64 `json:"triggers_violated"`
	NotificationsSent int64 `json:"notifications_sent"`
}

// NewCounters creates a zeroed counter set.
func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) IncrAlertsEvaluated()  { c.alertsEvaluated.Add(1) }
func (c *Counters) IncrAlertsSkipped()    { c.alertsSkipped.Add(1) }
func (c *Counters) IncrAlertsFailed()     { c.alertsFailed.Add(1) }
func (c *Counters) IncrTriggersViolated() { c.triggersViolated.Add(1) }
func (c *Counters) IncrNotificationsSent() { c.notificationsSent.Add(1) }

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		AlertsEvaluated:   c.alertsEvaluated.Load(),
		AlertsSkipped:     c.alertsSkipped.Load(),
		AlertsFailed:      c.alertsFailed.Load(),
		TriggersViolated:  c.triggersViolated.Load(),
		NotificationsSent: c.notificationsSent.Load(),
	}
}
