package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const notificationSubjectPrefix = "notification."

// StreamNotifier publishes every fire and clear decision to a JetStream
// subject for downstream consumers that maintain their own state (dashboards,
// posting bridges). It is the stateless channel: no cooldown suppression, no
// per-fingerprint state is ever persisted for notifications bound to it.
type StreamNotifier struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewStreamNotifier creates a new JetStream-publishing notifier.
func NewStreamNotifier(logger *zap.Logger, js nats.JetStreamContext) *StreamNotifier {
	return &StreamNotifier{
		logger: logger.Named("stream"),
		js:     js,
	}
}

// Send publishes a fire event.
func (s *StreamNotifier) Send(ctx context.Context, nctx *Context) error {
	return s.publish("triggered", nctx)
}

// SendClear publishes a clear event.
func (s *StreamNotifier) SendClear(ctx context.Context, nctx *Context) error {
	return s.publish("cleared", nctx)
}

func (s *StreamNotifier) publish(status string, nctx *Context) error {
	event := struct {
		Status         string  `json:"status"`
		AlertID        string  `json:"alert_id"`
		TriggerID      string  `json:"trigger_id"`
		SeriesIdentity string  `json:"series_identity"`
		FiredAt        int64   `json:"fired_at,omitempty"`
		Value          float64 `json:"value,omitempty"`
	}{
		Status:         status,
		AlertID:        nctx.Alert.ID,
		TriggerID:      nctx.Trigger.ID,
		SeriesIdentity: nctx.SeriesIdentity,
		FiredAt:        nctx.TriggerFiredTime,
		Value:          nctx.TriggerValue,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal notification event: %w", err)
	}

	if _, err := s.js.Publish(notificationSubjectPrefix+status, data); err != nil {
		return fmt.Errorf("failed to publish notification event: %w", err)
	}

	s.logger.Debug("Notification event published",
		zap.String("status", status),
		zap.String("alert_id", nctx.Alert.ID))
	return nil
}
