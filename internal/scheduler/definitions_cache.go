package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/metron/internal/model"
)

// AlertLister supplies the enabled alert definitions the cache serves.
type AlertLister interface {
	ListEnabledAlerts(ctx context.Context) ([]*model.Alert, error)
}

// AlertDefinitionsCache keeps every enabled alert in memory and pre-indexes
// which alerts are due for each minute over a lookahead horizon. The
// coordinator answers "what is due now" with a map lookup instead of parsing
// every cron entry on every tick.
type AlertDefinitionsCache struct {
	logger          *zap.Logger
	store           AlertLister
	refreshInterval time.Duration
	lookahead       time.Duration

	mu          sync.RWMutex
	alerts      map[string]*model.Alert
	dueByMinute map[int64][]string

	stop chan struct{}
}

// NewAlertDefinitionsCache creates a cache that refreshes on the given
// interval and indexes due minutes lookahead into the future.
func NewAlertDefinitionsCache(logger *zap.Logger, store AlertLister, refreshInterval, lookahead time.Duration) *AlertDefinitionsCache {
	return &AlertDefinitionsCache{
		logger:          logger.Named("definitions-cache"),
		store:           store,
		refreshInterval: refreshInterval,
		lookahead:       lookahead,
		alerts:          make(map[string]*model.Alert),
		dueByMinute:     make(map[int64][]string),
		stop:            make(chan struct{}),
	}
}

// Start performs an initial refresh and begins the background refresh loop.
func (c *AlertDefinitionsCache) Start(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		return fmt.Errorf("initial cache refresh failed: %w", err)
	}
	go c.refreshLoop(ctx)
	c.logger.Info("Alert definitions cache started",
		zap.Duration("refresh_interval", c.refreshInterval),
		zap.Duration("lookahead", c.lookahead))
	return nil
}

// Stop stops the background refresh loop.
func (c *AlertDefinitionsCache) Stop() {
	close(c.stop)
}

func (c *AlertDefinitionsCache) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Error("Failed to refresh alert definitions", zap.Error(err))
			}
		}
	}
}

// Refresh reloads enabled alerts and rebuilds the due-minute index. An alert
// with an unparseable cron entry is logged and left out of the index rather
// than failing the whole refresh.
func (c *AlertDefinitionsCache) Refresh(ctx context.Context) error {
	alerts, err := c.store.ListEnabledAlerts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list enabled alerts: %w", err)
	}

	byID := make(map[string]*model.Alert, len(alerts))
	dueByMinute := make(map[int64][]string)

	windowStart := time.Now().Truncate(time.Minute).Add(-time.Minute)
	windowEnd := windowStart.Add(c.lookahead)

	for _, alert := range alerts {
		byID[alert.ID] = alert

		schedule, err := cron.ParseStandard(alert.CronEntry)
		if err != nil {
			c.logger.Error("Invalid cron entry",
				zap.String("alert_id", alert.ID),
				zap.String("cron_entry", alert.CronEntry),
				zap.Error(err))
			continue
		}

		for t := schedule.Next(windowStart); t.Before(windowEnd); t = schedule.Next(t) {
			minute := t.Truncate(time.Minute).UnixMilli()
			dueByMinute[minute] = append(dueByMinute[minute], alert.ID)
		}
	}

	c.mu.Lock()
	c.alerts = byID
	c.dueByMinute = dueByMinute
	c.mu.Unlock()

	c.logger.Debug("Alert definitions refreshed",
		zap.Int("alerts", len(byID)),
		zap.Int("indexed_minutes", len(dueByMinute)))
	return nil
}

// DueAlertIDs returns the alerts due in the minute containing ts. The
// timestamp is floored to the minute before lookup, so any instant within a
// scheduled minute finds its batch.
func (c *AlertDefinitionsCache) DueAlertIDs(ts int64) []string {
	minute := time.UnixMilli(ts).Truncate(time.Minute).UnixMilli()

	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := c.dueByMinute[minute]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// Alert returns the cached definition for an alert ID.
func (c *AlertDefinitionsCache) Alert(id string) (*model.Alert, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	alert, ok := c.alerts[id]
	return alert, ok
}
