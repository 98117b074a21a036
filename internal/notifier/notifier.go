package notifier

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/t77yq/metron/internal/model"
)

// Channel identifiers. The set is closed: notifications reference one of these
// by name and the registry resolves the implementation once at startup.
const (
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
	ChannelAudit   = "audit"
	ChannelStream  = "stream"
)

// Context bundles everything a channel needs to render a fire or clear
// notification. The engine builds one per dispatch and never branches on the
// concrete channel behind it.
type Context struct {
	Alert              *model.Alert
	Trigger            *model.Trigger
	Notification       *model.Notification
	TriggerFiredTime   int64
	TriggerValue       float64
	SeriesIdentity     string
	CooldownExpiration int64
}

// Notifier delivers fire and clear notifications for one channel type.
type Notifier interface {
	Send(ctx context.Context, nctx *Context) error
	SendClear(ctx context.Context, nctx *Context) error
}

// Registry maps channel identifiers to notifier implementations. Stateless
// channels bypass cooldown suppression entirely and never have state persisted
// for them; that is a property of the channel type, registered once, not a
// per-dispatch flag.
type Registry struct {
	logger    *zap.Logger
	notifiers map[string]Notifier
	stateless map[string]bool
}

// NewRegistry creates an empty notifier registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:    logger.Named("notifier"),
		notifiers: make(map[string]Notifier),
		stateless: make(map[string]bool),
	}
}

// Register binds a channel identifier to an implementation.
func (r *Registry) Register(channel string, n Notifier, stateless bool) {
	r.notifiers[channel] = n
	r.stateless[channel] = stateless
}

// Resolve returns the notifier registered for the channel.
func (r *Registry) Resolve(channel string) (Notifier, error) {
	n, ok := r.notifiers[channel]
	if !ok {
		return nil, fmt.Errorf("unsupported notifier channel: %s", channel)
	}
	return n, nil
}

// Stateless reports whether the channel skips cooldown and state tracking.
func (r *Registry) Stateless(channel string) bool {
	return r.stateless[channel]
}

// Send resolves the notification's channel and delivers a fire notification.
func (r *Registry) Send(ctx context.Context, nctx *Context) error {
	n, err := r.Resolve(nctx.Notification.Notifier)
	if err != nil {
		return err
	}
	if err := n.Send(ctx, nctx); err != nil {
		r.logger.Error("Failed to send notification",
			zap.String("channel", nctx.Notification.Notifier),
			zap.String("alert_id", nctx.Alert.ID),
			zap.Error(err))
		return err
	}
	return nil
}

// SendClear resolves the notification's channel and delivers a clear notification.
func (r *Registry) SendClear(ctx context.Context, nctx *Context) error {
	n, err := r.Resolve(nctx.Notification.Notifier)
	if err != nil {
		return err
	}
	if err := n.SendClear(ctx, nctx); err != nil {
		r.logger.Error("Failed to send clear notification",
			zap.String("channel", nctx.Notification.Notifier),
			zap.String("alert_id", nctx.Alert.ID),
			zap.Error(err))
		return err
	}
	return nil
}
