package evaluator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/metron/internal/model"
	"github.com/t77yq/metron/internal/notifier"
)

// onTriggerFired applies the fire-side state machine for one notification and
// one (trigger, series) fingerprint. Stateless channels dispatch every cycle
// and never touch persisted state. Stateful channels dispatch only when the
// fingerprint is off cooldown, activating it and starting a fresh cooldown;
// a fire while on cooldown is suppressed without any state change.
func (e *Engine) onTriggerFired(ctx context.Context, alert *model.Alert, trigger *model.Trigger, n *model.Notification, s *model.Series, firedAt int64, history *model.History) {
	fingerprint := model.Fingerprint(trigger.ID, s.Identity())
	value, _ := s.ValueAt(firedAt)
	nctx := &notifier.Context{
		Alert:            alert,
		Trigger:          trigger,
		Notification:     n,
		TriggerFiredTime: firedAt,
		TriggerValue:     value,
		SeriesIdentity:   s.Identity(),
	}

	if e.dispatcher.Stateless(n.Notifier) {
		e.send(ctx, nctx, history)
		return
	}

	now := e.now()
	if n.OnCooldown(fingerprint, now) {
		history.AppendMessage(fmt.Sprintf("Suppressed notification %q for trigger %q: on cooldown until %s.",
			n.Name, trigger.Name, time.UnixMilli(n.CooldownExpiration(fingerprint)).UTC().Format(time.RFC3339)), "", 0)
		e.logger.Debug("Notification suppressed by cooldown",
			zap.String("alert_id", alert.ID),
			zap.String("notification", n.Name),
			zap.String("fingerprint", fingerprint))
		return
	}

	// Persist the transition before dispatching so a crash cannot replay the
	// same fire without a cooldown on the next cycle.
	n.SetActive(fingerprint, now)
	nctx.CooldownExpiration = n.CooldownExpiration(fingerprint)
	if err := e.store.SaveNotificationState(ctx, n); err != nil {
		e.logger.Error("Failed to persist notification state",
			zap.String("alert_id", alert.ID),
			zap.String("notification", n.Name),
			zap.Error(err))
		history.AppendMessage(fmt.Sprintf("Failed to persist state for notification %q: %v", n.Name, err), model.JobStatusWarn, 0)
	}

	e.send(ctx, nctx, history)
}

// onTriggerCleared applies the clear-side state machine. Stateless channels
// get a clear event every non-firing cycle. Stateful channels dispatch a clear
// only on the active-to-inactive edge; an already-inactive fingerprint is a
// no-op so clears are never repeated.
func (e *Engine) onTriggerCleared(ctx context.Context, alert *model.Alert, trigger *model.Trigger, n *model.Notification, s *model.Series, history *model.History) {
	fingerprint := model.Fingerprint(trigger.ID, s.Identity())
	nctx := &notifier.Context{
		Alert:          alert,
		Trigger:        trigger,
		Notification:   n,
		SeriesIdentity: s.Identity(),
	}

	if e.dispatcher.Stateless(n.Notifier) {
		e.sendClear(ctx, nctx, history)
		return
	}

	if !n.IsActive(fingerprint) {
		return
	}

	n.ClearActive(fingerprint, e.now())
	if err := e.store.SaveNotificationState(ctx, n); err != nil {
		e.logger.Error("Failed to persist notification state",
			zap.String("alert_id", alert.ID),
			zap.String("notification", n.Name),
			zap.Error(err))
		history.AppendMessage(fmt.Sprintf("Failed to persist state for notification %q: %v", n.Name, err), model.JobStatusWarn, 0)
	}

	e.sendClear(ctx, nctx, history)
}

// send dispatches a fire. Delivery failures are recorded in the history and
// logged but never fail the evaluation; the state transition already happened.
func (e *Engine) send(ctx context.Context, nctx *notifier.Context, history *model.History) {
	if err := e.dispatcher.Send(ctx, nctx); err != nil {
		e.logger.Error("Failed to send notification",
			zap.String("alert_id", nctx.Alert.ID),
			zap.String("notification", nctx.Notification.Name),
			zap.String("channel", nctx.Notification.Notifier),
			zap.Error(err))
		history.AppendMessage(fmt.Sprintf("Failed to send notification %q via %s: %v",
			nctx.Notification.Name, nctx.Notification.Notifier, err), model.JobStatusWarn, 0)
		return
	}
	if e.stats != nil {
		e.stats.IncrNotificationsSent()
	}
	history.AppendMessage(fmt.Sprintf("Sent notification %q for trigger %q on series %s.",
		nctx.Notification.Name, nctx.Trigger.Name, nctx.SeriesIdentity), "", 0)
}

// sendClear dispatches a clear, with the same failure containment as send.
func (e *Engine) sendClear(ctx context.Context, nctx *notifier.Context, history *model.History) {
	if err := e.dispatcher.SendClear(ctx, nctx); err != nil {
		e.logger.Error("Failed to send clear notification",
			zap.String("alert_id", nctx.Alert.ID),
			zap.String("notification", nctx.Notification.Name),
			zap.String("channel", nctx.Notification.Notifier),
			zap.Error(err))
		history.AppendMessage(fmt.Sprintf("Failed to send clear notification %q via %s: %v",
			nctx.Notification.Name, nctx.Notification.Notifier, err), model.JobStatusWarn, 0)
		return
	}
	if e.stats != nil {
		e.stats.IncrNotificationsSent()
	}
	history.AppendMessage(fmt.Sprintf("Sent clear notification %q for trigger %q on series %s.",
		nctx.Notification.Name, nctx.Trigger.Name, nctx.SeriesIdentity), "", 0)
}
