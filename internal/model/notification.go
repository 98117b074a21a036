package model

// Fingerprint builds the composite key under which per-series notification
// state is tracked. One alert expression can resolve to many series; each
// (trigger, series) pair keeps independent cooldown and active state.
func Fingerprint(triggerID, seriesIdentity string) string {
	return triggerID + ":" + seriesIdentity
}

// Notification routes fire/clear decisions for its referenced triggers to a
// single notifier channel. The two fingerprint-keyed maps are the persisted
// state shape; they are mutated only by the evaluation engine and stored back
// between cycles.
type Notification struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Notifier   string   `json:"notifier"`
	Cooldown   int64    `json:"cooldown_ms"`
	TriggerIDs []string `json:"trigger_ids"`

	CooldownExpirationByFingerprint map[string]int64 `json:"cooldown_expiration_by_fingerprint"`
	ActiveByFingerprint             map[string]bool  `json:"active_by_fingerprint"`
}

// References reports whether the notification is attached to the trigger.
func (n *Notification) References(triggerID string) bool {
	for _, id := range n.TriggerIDs {
		if id == triggerID {
			return true
		}
	}
	return false
}

// CooldownExpiration returns the cooldown expiration timestamp for the
// fingerprint, or zero when the pair has never fired.
func (n *Notification) CooldownExpiration(fingerprint string) int64 {
	return n.CooldownExpirationByFingerprint[fingerprint]
}

// OnCooldown reports whether the fingerprint fired recently enough that a new
// fire notification must be suppressed.
func (n *Notification) OnCooldown(fingerprint string, now int64) bool {
	return n.CooldownExpirationByFingerprint[fingerprint] > now
}

// IsActive reports whether the fingerprint is in a fired, not-yet-cleared state.
func (n *Notification) IsActive(fingerprint string) bool {
	return n.ActiveByFingerprint[fingerprint]
}

// SetActive marks the fingerprint fired and starts a fresh cooldown window.
func (n *Notification) SetActive(fingerprint string, now int64) {
	if n.CooldownExpirationByFingerprint == nil {
		n.CooldownExpirationByFingerprint = make(map[string]int64)
	}
	if n.ActiveByFingerprint == nil {
		n.ActiveByFingerprint = make(map[string]bool)
	}
	n.CooldownExpirationByFingerprint[fingerprint] = now + n.Cooldown
	n.ActiveByFingerprint[fingerprint] = true
}

// ClearActive marks the fingerprint cleared. The cooldown entry is retained so
// a later fire computes a fresh window instead of treating the missing entry
// as never-fired.
func (n *Notification) ClearActive(fingerprint string, now int64) {
	if n.CooldownExpirationByFingerprint == nil {
		n.CooldownExpirationByFingerprint = make(map[string]int64)
	}
	if n.ActiveByFingerprint == nil {
		n.ActiveByFingerprint = make(map[string]bool)
	}
	n.CooldownExpirationByFingerprint[fingerprint] = now
	n.ActiveByFingerprint[fingerprint] = false
}

// PurgeTrigger removes every fingerprint tracked for the trigger. Called when
// a trigger is detached from its alert so state maps never accumulate entries
// for triggers that no longer exist.
func (n *Notification) PurgeTrigger(triggerID string) {
	prefix := triggerID + ":"
	for fp := range n.CooldownExpirationByFingerprint {
		if len(fp) >= len(prefix) && fp[:len(prefix)] == prefix {
			delete(n.CooldownExpirationByFingerprint, fp)
		}
	}
	for fp := range n.ActiveByFingerprint {
		if len(fp) >= len(prefix) && fp[:len(prefix)] == prefix {
			delete(n.ActiveByFingerprint, fp)
		}
	}
}
