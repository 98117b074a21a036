package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/metron/internal/model"
)

// HistoryAppender is the sink the audit channel writes to.
type HistoryAppender interface {
	Append(ctx context.Context, history *model.History) error
}

// AuditNotifier records fire and clear notifications as history records
// instead of delivering them externally. Useful as a durable paper trail and
// as a dead-simple channel for alerts that only need bookkeeping.
type AuditNotifier struct {
	logger  *zap.Logger
	history HistoryAppender
}

// NewAuditNotifier creates a new audit notifier writing to the history sink.
func NewAuditNotifier(logger *zap.Logger, history HistoryAppender) *AuditNotifier {
	return &AuditNotifier{
		logger:  logger.Named("audit"),
		history: history,
	}
}

// Send records a fire notification.
func (a *AuditNotifier) Send(ctx context.Context, nctx *Context) error {
	msg := fmt.Sprintf("Notification `%s`: trigger `%s` fired against series `%s` with value %g.",
		nctx.Notification.Name, nctx.Trigger.Name, nctx.SeriesIdentity, nctx.TriggerValue)
	return a.append(ctx, nctx.Alert.ID, msg)
}

// SendClear records a clear notification.
func (a *AuditNotifier) SendClear(ctx context.Context, nctx *Context) error {
	msg := fmt.Sprintf("Notification `%s`: trigger `%s` cleared for series `%s`.",
		nctx.Notification.Name, nctx.Trigger.Name, nctx.SeriesIdentity)
	return a.append(ctx, nctx.Alert.ID, msg)
}

func (a *AuditNotifier) append(ctx context.Context, alertID, msg string) error {
	history := &model.History{
		ID:        uuid.New().String(),
		AlertID:   alertID,
		Status:    model.JobStatusSuccess,
		Message:   msg,
		CreatedAt: time.Now(),
	}
	if err := a.history.Append(ctx, history); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	a.logger.Debug("Audit notification recorded", zap.String("alert_id", alertID))
	return nil
}
