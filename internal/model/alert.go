package model

// TriggerType represents the comparison a trigger performs against its threshold
type TriggerType string

const (
	TriggerGreaterThan    TriggerType = "greater_than"
	TriggerGreaterOrEqual TriggerType = "greater_or_equal"
	TriggerLessThan       TriggerType = "less_than"
	TriggerLessOrEqual    TriggerType = "less_or_equal"
	TriggerEqual          TriggerType = "equal"
	TriggerNotEqual       TriggerType = "not_equal"
	TriggerNoData         TriggerType = "no_data"
)

// Trigger defines a threshold condition that must hold continuously for at
// least Inertia milliseconds before it is considered fired.
type Trigger struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Type      TriggerType `json:"type"`
	Threshold float64     `json:"threshold"`
	Inertia   int64       `json:"inertia_ms"`
}

// Matches reports whether a sampled value satisfies the trigger condition.
// No-data triggers are evaluated against the absence of samples, never
// against values, so they match nothing here.
func (t *Trigger) Matches(value float64) bool {
	switch t.Type {
	case TriggerGreaterThan:
		return value > t.Threshold
	case TriggerGreaterOrEqual:
		return value >= t.Threshold
	case TriggerLessThan:
		return value < t.Threshold
	case TriggerLessOrEqual:
		return value <= t.Threshold
	case TriggerEqual:
		return value == t.Threshold
	case TriggerNotEqual:
		return value != t.Threshold
	default:
		return false
	}
}

// Alert couples a metric expression and cron schedule with the triggers to
// evaluate and the notifications to dispatch. Users mutate alerts through the
// management API; the evaluation engine treats them as read-only except for
// notification state updated after each cycle.
type Alert struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Owner         string          `json:"owner"`
	Expression    string          `json:"expression"`
	CronEntry     string          `json:"cron_entry"`
	Enabled       bool            `json:"enabled"`
	Triggers      []*Trigger      `json:"triggers"`
	Notifications []*Notification `json:"notifications"`
}

// Trigger returns the trigger with the given ID, or nil.
func (a *Alert) Trigger(id string) *Trigger {
	for _, t := range a.Triggers {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// NoDataTriggers returns the alert's triggers of type no_data.
func (a *Alert) NoDataTriggers() []*Trigger {
	var out []*Trigger
	for _, t := range a.Triggers {
		if t.Type == TriggerNoData {
			out = append(out, t)
		}
	}
	return out
}

// AlertEnvelope is the unit of work placed on the evaluation queue. It carries
// either a full serialized alert snapshot or just an alert ID to be loaded
// fresh, plus the time the entry was enqueued so the evaluation window can be
// reconciled against scheduling lag.
type AlertEnvelope struct {
	SerializedAlert []byte `json:"serialized_alert,omitempty"`
	AlertID         string `json:"alert_id,omitempty"`
	EnqueuedAt      int64  `json:"enqueued_at"`
}
