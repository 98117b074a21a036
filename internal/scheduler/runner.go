package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/metron/internal/model"
	"github.com/t77yq/metron/internal/monitor"
)

// Dequeuer hands out queued alert envelopes.
type Dequeuer interface {
	Dequeue(ctx context.Context, maxCount int, wait time.Duration) ([]*model.AlertEnvelope, error)
}

// Evaluator runs one evaluation cycle for one alert.
type Evaluator interface {
	Evaluate(ctx context.Context, alert *model.Alert, enqueuedAt int64) *model.History
}

// HistorySink receives evaluation records.
type HistorySink interface {
	Append(ctx context.Context, history *model.History) error
}

// DefinitionSource looks up the current stored definition of an alert, so the
// runner can detect edits made between enqueue and dequeue.
type DefinitionSource interface {
	GetAlert(ctx context.Context, id string) (*model.Alert, error)
}

// BatchRunner dequeues batches of due alerts and evaluates them on a bounded
// worker pool. One bad alert never takes down its batch: malformed payloads
// and panics become FAILURE records, and siblings keep running.
type BatchRunner struct {
	logger      *zap.Logger
	queue       Dequeuer
	engine      Evaluator
	history     HistorySink
	definitions DefinitionSource
	counters    *monitor.Counters
	workers     int
}

// NewBatchRunner creates a runner with the given worker pool size.
func NewBatchRunner(logger *zap.Logger, queue Dequeuer, engine Evaluator, history HistorySink, definitions DefinitionSource, counters *monitor.Counters, workers int) *BatchRunner {
	if workers <= 0 {
		workers = 1
	}
	return &BatchRunner{
		logger:      logger.Named("batch-runner"),
		queue:       queue,
		engine:      engine,
		history:     history,
		definitions: definitions,
		counters:    counters,
		workers:     workers,
	}
}

// Run dequeues up to limit alerts, waiting at most timeout for the queue, and
// evaluates them. It returns the number of alerts actually evaluated and the
// history records produced. Disabled alerts are dropped silently and skipped
// evaluations are excluded from the count, so a caller draining the queue can
// keep calling while the count reaches limit.
func (r *BatchRunner) Run(ctx context.Context, limit int, timeout time.Duration) (int, []*model.History) {
	envelopes, err := r.queue.Dequeue(ctx, limit, timeout)
	if err != nil {
		r.logger.Error("Failed to dequeue alerts", zap.Error(err))
		return 0, nil
	}
	if len(envelopes) == 0 {
		return 0, nil
	}

	var (
		mu        sync.Mutex
		histories []*model.History
	)
	record := func(h *model.History) {
		if h == nil {
			return
		}
		mu.Lock()
		histories = append(histories, h)
		mu.Unlock()
	}

	work := make(chan *model.AlertEnvelope)
	var (
		wg        sync.WaitGroup
		evaluated atomic.Int64
	)
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for envelope := range work {
				history, attempted := r.evaluateOne(ctx, envelope)
				record(history)
				// Malformed payloads produce a FAILURE record but were never
				// actually evaluated, so they stay out of the count, as do
				// lag-induced skips.
				if attempted && history != nil && history.Status != model.JobStatusSkipped {
					evaluated.Add(1)
				}
			}
		}()
	}
	for _, envelope := range envelopes {
		work <- envelope
	}
	close(work)
	wg.Wait()

	return int(evaluated.Load()), histories
}

// evaluateOne handles one envelope end to end and returns its history record
// (nil for a silent skip) plus whether evaluation was actually attempted. A
// panic inside evaluation is contained here.
func (r *BatchRunner) evaluateOne(ctx context.Context, envelope *model.AlertEnvelope) (history *model.History, attempted bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Panic during alert evaluation",
				zap.String("alert_id", envelope.AlertID),
				zap.Any("panic", rec))
			history = r.failure(envelope.AlertID, fmt.Sprintf("Evaluation panicked: %v", rec))
		}
		if history != nil {
			r.count(history)
			if err := r.history.Append(ctx, history); err != nil {
				r.logger.Error("Failed to append history",
					zap.String("alert_id", history.AlertID),
					zap.Error(err))
			}
		}
	}()

	var alert model.Alert
	if err := json.Unmarshal(envelope.SerializedAlert, &alert); err != nil {
		r.logger.Error("Failed to unmarshal queued alert",
			zap.String("alert_id", envelope.AlertID),
			zap.Error(err))
		return r.failure(envelope.AlertID, fmt.Sprintf("Failed to unmarshal queued alert: %v", err)), false
	}

	// Disabled between enqueue and dequeue. Dropping it here is the silent
	// path; a disabled alert owner expects no history entries at all.
	if !alert.Enabled || !r.currentlyEnabled(ctx, alert.ID) {
		r.logger.Debug("Skipping disabled alert", zap.String("alert_id", alert.ID))
		return nil, false
	}

	attempted = true
	return r.engine.Evaluate(ctx, &alert, envelope.EnqueuedAt), true
}

// currentlyEnabled re-checks the stored definition. A lookup failure falls
// back to the queued snapshot rather than dropping the alert.
func (r *BatchRunner) currentlyEnabled(ctx context.Context, alertID string) bool {
	if r.definitions == nil {
		return true
	}
	current, err := r.definitions.GetAlert(ctx, alertID)
	if err != nil {
		r.logger.Warn("Failed to look up current alert definition",
			zap.String("alert_id", alertID),
			zap.Error(err))
		return true
	}
	if current == nil {
		return false
	}
	return current.Enabled
}

func (r *BatchRunner) failure(alertID, message string) *model.History {
	h := &model.History{
		ID:        uuid.New().String(),
		AlertID:   alertID,
		Status:    model.JobStatusFailure,
		CreatedAt: time.Now(),
	}
	h.AppendMessage(message, model.JobStatusFailure, 0)
	return h
}

func (r *BatchRunner) count(h *model.History) {
	if r.counters == nil {
		return
	}
	switch h.Status {
	case model.JobStatusFailure:
		r.counters.IncrAlertsFailed()
	case model.JobStatusSkipped:
		r.counters.IncrAlertsSkipped()
	default:
		r.counters.IncrAlertsEvaluated()
	}
}
