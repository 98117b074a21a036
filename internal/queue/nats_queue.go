package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/metron/internal/model"
)

const (
	alertStreamName      = "ALERTS"
	alertEvaluateSubject = "alert.evaluate"
	consumerName         = "alert-runner"
	streamMaxAge         = 24 * time.Hour
	operationTimeout     = 30 * time.Second
)

// AlertQueue is the JetStream work queue between the scheduling coordinator
// and the evaluation runners. Retention is work-queue: a message exists until
// exactly one runner acks it, so every scheduled evaluation runs once across
// the whole runner fleet.
type AlertQueue struct {
	js     nats.JetStreamContext
	logger *zap.Logger
	sub    *nats.Subscription
}

// NewAlertQueue creates the queue, its stream and its shared durable consumer.
func NewAlertQueue(js nats.JetStreamContext, logger *zap.Logger) (*AlertQueue, error) {
	queue := &AlertQueue{
		js:     js,
		logger: logger.Named("alert-queue"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := queue.setupStream(ctx); err != nil {
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}

	sub, err := js.PullSubscribe(alertEvaluateSubject, consumerName,
		nats.AckExplicit(),
		nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to create pull consumer: %w", err)
	}
	queue.sub = sub

	return queue, nil
}

func (q *AlertQueue) setupStream(ctx context.Context) error {
	_, err := q.js.AddStream(&nats.StreamConfig{
		Name:      alertStreamName,
		Subjects:  []string{alertEvaluateSubject},
		Storage:   nats.FileStorage,
		Retention: nats.WorkQueuePolicy,
		MaxAge:    streamMaxAge,
	}, nats.Context(ctx))

	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			q.logger.Info("Stream already exists", zap.String("stream", alertStreamName))
			return nil
		}
		return err
	}

	q.logger.Info("Stream created successfully", zap.String("stream", alertStreamName))
	return nil
}

// Enqueue publishes one envelope per due alert. A publish failure stops the
// batch; the caller owns retry policy for the remainder.
func (q *AlertQueue) Enqueue(ctx context.Context, envelopes []*model.AlertEnvelope) error {
	for _, envelope := range envelopes {
		data, err := json.Marshal(envelope)
		if err != nil {
			return fmt.Errorf("failed to marshal alert envelope %s: %w", envelope.AlertID, err)
		}
		if _, err := q.js.Publish(alertEvaluateSubject, data, nats.Context(ctx)); err != nil {
			return fmt.Errorf("failed to publish alert envelope %s: %w", envelope.AlertID, err)
		}
	}

	q.logger.Debug("Enqueued alert envelopes", zap.Int("count", len(envelopes)))
	return nil
}

// Dequeue fetches up to maxCount envelopes, waiting at most wait for the first
// to arrive. An empty queue yields an empty slice, not an error. Messages are
// acked on receipt; evaluation failures are recorded in history rather than
// redelivered, so a poisoned alert cannot wedge the queue.
func (q *AlertQueue) Dequeue(ctx context.Context, maxCount int, wait time.Duration) ([]*model.AlertEnvelope, error) {
	msgs, err := q.sub.Fetch(maxCount, nats.MaxWait(wait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch alert envelopes: %w", err)
	}

	envelopes := make([]*model.AlertEnvelope, 0, len(msgs))
	for _, msg := range msgs {
		var envelope model.AlertEnvelope
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			q.logger.Error("Failed to unmarshal alert envelope", zap.Error(err))
			_ = msg.Ack()
			continue
		}
		if err := msg.Ack(); err != nil {
			q.logger.Warn("Failed to ack alert envelope",
				zap.String("alert_id", envelope.AlertID),
				zap.Error(err))
		}
		envelopes = append(envelopes, &envelope)
	}

	return envelopes, nil
}

// Drain unsubscribes the consumer, letting in-flight fetches finish.
func (q *AlertQueue) Drain() error {
	return q.sub.Drain()
}
