package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/metron/internal/lock"
	"github.com/t77yq/metron/internal/model"
)

// Enqueuer accepts batches of due alerts for evaluation.
type Enqueuer interface {
	Enqueue(ctx context.Context, envelopes []*model.AlertEnvelope) error
}

// Coordinator decides, once per minute, which alerts are due and enqueues them
// for the runner fleet. Every instance runs a coordinator, but the global
// scheduling lock makes exactly one of them act; the rest keep trying so a
// crashed leader is replaced within one lease expiry.
type Coordinator struct {
	logger *zap.Logger
	locks  lock.Service
	queue  Enqueuer
	cache  *AlertDefinitionsCache
	lease  time.Duration
	note   string

	// Guards token: tick runs on the loop goroutine while Stop releases
	// from the caller's.
	mu    sync.Mutex
	token string

	now  func() time.Time
	stop chan struct{}
}

// NewCoordinator creates a coordinator. note identifies this instance in the
// lock table for operators chasing down the current leader.
func NewCoordinator(logger *zap.Logger, locks lock.Service, queue Enqueuer, cache *AlertDefinitionsCache, lease time.Duration, note string) *Coordinator {
	return &Coordinator{
		logger: logger.Named("coordinator"),
		locks:  locks,
		queue:  queue,
		cache:  cache,
		lease:  lease,
		note:   note,
		now:    time.Now,
		stop:   make(chan struct{}),
	}
}

// Start begins the minute loop.
func (c *Coordinator) Start(ctx context.Context) error {
	go c.run(ctx)
	c.logger.Info("Scheduling coordinator started", zap.Duration("lease", c.lease))
	return nil
}

// Stop halts the loop and releases the lock if this instance holds it.
func (c *Coordinator) Stop() {
	close(c.stop)
	if token := c.takeToken(); token != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.locks.Release(ctx, lock.TypeAlertScheduling, token); err != nil {
			c.logger.Warn("Failed to release scheduling lock", zap.Error(err))
		}
	}
}

func (c *Coordinator) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Coordinator) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// takeToken returns the held token and forgets it in one step, so only one
// goroutine ever releases it.
func (c *Coordinator) takeToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	token := c.token
	c.token = ""
	return token
}

func (c *Coordinator) run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	// Act immediately on startup rather than idling up to a full minute.
	c.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick acquires or refreshes leadership, then enqueues the current minute's
// due alerts. Losing the lock mid-flight just demotes this instance; the new
// leader picks up the next minute.
func (c *Coordinator) tick(ctx context.Context) {
	if held := c.currentToken(); held == "" {
		token, err := c.locks.Obtain(ctx, lock.TypeAlertScheduling, c.lease, c.note)
		if err != nil {
			if errors.Is(err, lock.ErrLockHeld) {
				c.logger.Debug("Scheduling lock held elsewhere")
			} else {
				c.logger.Error("Failed to obtain scheduling lock", zap.Error(err))
			}
			return
		}
		c.setToken(token)
	} else {
		token, err := c.locks.Refresh(ctx, lock.TypeAlertScheduling, held, c.lease)
		if err != nil {
			c.logger.Warn("Lost scheduling lock", zap.Error(err))
			c.setToken("")
			return
		}
		c.setToken(token)
	}

	if err := c.EnqueueDueAlerts(ctx, c.now().UnixMilli()); err != nil {
		c.logger.Error("Failed to enqueue due alerts", zap.Error(err))
	}
}

// EnqueueDueAlerts enqueues every alert due in the minute containing ts. Each
// envelope carries the serialized definition plus the enqueue timestamp the
// evaluation window is anchored to.
func (c *Coordinator) EnqueueDueAlerts(ctx context.Context, ts int64) error {
	minute := time.UnixMilli(ts).Truncate(time.Minute).UnixMilli()
	ids := c.cache.DueAlertIDs(minute)
	if len(ids) == 0 {
		return nil
	}

	envelopes := make([]*model.AlertEnvelope, 0, len(ids))
	for _, id := range ids {
		alert, ok := c.cache.Alert(id)
		if !ok || !alert.Enabled {
			continue
		}
		serialized, err := json.Marshal(alert)
		if err != nil {
			c.logger.Error("Failed to serialize alert",
				zap.String("alert_id", id),
				zap.Error(err))
			continue
		}
		envelopes = append(envelopes, &model.AlertEnvelope{
			SerializedAlert: serialized,
			AlertID:         id,
			EnqueuedAt:      minute,
		})
	}

	if len(envelopes) == 0 {
		return nil
	}
	if err := c.queue.Enqueue(ctx, envelopes); err != nil {
		return fmt.Errorf("failed to enqueue %d alerts: %w", len(envelopes), err)
	}

	c.logger.Info("Enqueued due alerts",
		zap.Int("count", len(envelopes)),
		zap.Int64("minute", minute))
	return nil
}
