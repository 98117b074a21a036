package evaluator

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/metron/internal/metric"
	"github.com/t77yq/metron/internal/model"
	"github.com/t77yq/metron/internal/notifier"
)

// Dispatcher delivers fire/clear notifications for a notification's channel
// and knows which channels are stateless.
type Dispatcher interface {
	Send(ctx context.Context, nctx *notifier.Context) error
	SendClear(ctx context.Context, nctx *notifier.Context) error
	Stateless(channel string) bool
}

// StateStore persists per-notification fingerprint state between cycles. The
// queued alert snapshot may be stale by up to one cache refresh interval, so
// state is re-read before evaluation and written back row-atomically after
// each transition.
type StateStore interface {
	RefreshNotificationState(ctx context.Context, alert *model.Alert) error
	SaveNotificationState(ctx context.Context, n *model.Notification) error
}

// LagWatcher reports whether metric ingestion for a datacenter is stale.
type LagWatcher interface {
	IsDataLagging(datacenter string) bool
}

// Stats receives evaluation counters. May be nil.
type Stats interface {
	IncrTriggersViolated()
	IncrNotificationsSent()
}

// Config controls the data-lag guard.
type Config struct {
	DatalagMonitorEnabled bool
	// Alerts whose expression or owner matches any of these patterns are
	// evaluated even while their datacenters are lagging.
	AllowedScopePatterns []string
	AllowedOwnerPatterns []string
}

// Engine evaluates one alert end to end: expression resolution, data-lag
// guard, trigger evaluation across every resolved series, and the
// per-notification fire/suppress/clear state machine. Every evaluation
// produces exactly one history record; failures are folded into it and never
// escape to the caller.
type Engine struct {
	logger     *zap.Logger
	resolver   metric.Resolver
	dispatcher Dispatcher
	store      StateStore
	lag        LagWatcher
	stats      Stats
	config     Config

	scopeAllow []*regexp.Regexp
	ownerAllow []*regexp.Regexp

	// Last fired instant per fingerprint, used as the evaluation cursor so a
	// fire already acted upon is not re-reported on the next cycle. Entries
	// untouched for cursorRetention are swept so deleted alerts and churned
	// series do not accumulate forever.
	cursors   sync.Map
	lastSweep atomic.Int64

	now func() int64
}

const (
	cursorSweepInterval = time.Hour
	cursorRetention     = 24 * time.Hour
)

type cursorEntry struct {
	cursor  int64
	touched int64
}

// NewEngine creates an evaluation engine. The allow-list patterns are compiled
// once here; a bad pattern is a configuration error.
func NewEngine(logger *zap.Logger, resolver metric.Resolver, dispatcher Dispatcher, store StateStore, lag LagWatcher, stats Stats, config Config) (*Engine, error) {
	scopeAllow, err := compilePatterns(config.AllowedScopePatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid scope allow-list: %w", err)
	}
	ownerAllow, err := compilePatterns(config.AllowedOwnerPatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid owner allow-list: %w", err)
	}

	return &Engine{
		logger:     logger.Named("engine"),
		resolver:   resolver,
		dispatcher: dispatcher,
		store:      store,
		lag:        lag,
		stats:      stats,
		config:     config,
		scopeAllow: scopeAllow,
		ownerAllow: ownerAllow,
		now:        func() int64 { return time.Now().UnixMilli() },
	}, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Evaluate runs one evaluation cycle for the alert and returns its history
// record. enqueuedAt is the queue entry timestamp the expression is resolved
// against, so scheduling lag does not shift the evaluation window.
func (e *Engine) Evaluate(ctx context.Context, alert *model.Alert, enqueuedAt int64) *model.History {
	start := time.Now()
	history := &model.History{
		ID:        uuid.New().String(),
		AlertID:   alert.ID,
		Status:    model.JobStatusSuccess,
		CreatedAt: start,
	}

	e.maybeSweepCursors()

	if err := e.evaluate(ctx, alert, enqueuedAt, history); err != nil {
		e.logger.Warn("Failed to evaluate alert",
			zap.String("alert_id", alert.ID),
			zap.String("owner", alert.Owner),
			zap.Error(err))
		history.AppendMessage(fmt.Sprintf("Failed to evaluate alert: %v", err), model.JobStatusFailure, 0)
	}

	history.ExecutionTime = time.Since(start)
	return history
}

func (e *Engine) evaluate(ctx context.Context, alert *model.Alert, enqueuedAt int64, history *model.History) error {
	if err := e.store.RefreshNotificationState(ctx, alert); err != nil {
		return fmt.Errorf("failed to refresh notification state: %w", err)
	}

	result, err := e.resolver.Resolve(ctx, alert.Expression, enqueuedAt)
	if err != nil {
		return fmt.Errorf("failed to resolve expression %q: %w", alert.Expression, err)
	}

	triggers := e.triggersToEvaluate(alert)
	if len(triggers) == 0 {
		history.AppendMessage("Alert has no trigger referenced by any notification.", model.JobStatusWarn, 0)
		return nil
	}

	if e.config.DatalagMonitorEnabled && e.lagInAnyDatacenter(result.Datacenters, alert) {
		triggers = noDataOnly(triggers)
		if len(triggers) == 0 {
			history.AppendMessage(
				fmt.Sprintf("Skipping evaluation: data was lagging in at least one datacenter for expression %q.", alert.Expression),
				model.JobStatusSkipped, 0)
			return nil
		}
		history.AppendMessage(
			"Data was lagging in at least one datacenter; only no-data triggers were evaluated.",
			model.JobStatusWarn, 0)
	}

	series := result.Series
	if len(series) == 0 {
		if len(noDataOnly(triggers)) == 0 {
			history.AppendMessage("Expression resolved to no series; nothing to evaluate.", "", 0)
			return nil
		}
		// Absence-based triggers still need a cycle to fire (and later clear)
		// against, so a synthetic empty series stands in for the expression.
		series = []*model.Series{{Scope: "unknown", Metric: "unknown"}}
	}

	firedTimes := e.evaluateTriggers(triggers, series, result.Window)

	for _, notification := range alert.Notifications {
		for _, trigger := range triggers {
			if !notification.References(trigger.ID) {
				continue
			}
			for _, s := range series {
				if firedAt, ok := firedTimes[fireKey{trigger.ID, s.Identity()}]; ok {
					e.onTriggerFired(ctx, alert, trigger, notification, s, firedAt, history)
				} else {
					e.onTriggerCleared(ctx, alert, trigger, notification, s, history)
				}
			}
		}
	}

	// Advance cursors only after every notification observed this cycle's
	// fire decision.
	touched := e.now()
	for key, firedAt := range firedTimes {
		e.cursors.Store(cursorKey(key), cursorEntry{cursor: firedAt + 1, touched: touched})
	}

	history.AppendMessage("Alert was evaluated successfully.", "", 0)
	return nil
}

type fireKey struct {
	triggerID      string
	seriesIdentity string
}

func cursorKey(k fireKey) string {
	return model.Fingerprint(k.triggerID, k.seriesIdentity)
}

// evaluateTriggers runs the trigger evaluator for every (trigger, series)
// pair and returns the qualifying fire instants.
func (e *Engine) evaluateTriggers(triggers []*model.Trigger, series []*model.Series, window metric.Window) map[fireKey]int64 {
	fired := make(map[fireKey]int64)
	for _, trigger := range triggers {
		for _, s := range series {
			key := fireKey{trigger.ID, s.Identity()}
			cursor := e.cursorFor(cursorKey(key), s, window)
			firedAt, ok := FiredAt(trigger, s, window, cursor)
			if !ok {
				continue
			}
			fired[key] = firedAt
			if e.stats != nil {
				e.stats.IncrTriggersViolated()
			}
		}
	}
	return fired
}

// cursorFor returns the stored cursor for the fingerprint, defaulting to the
// series' own start so the first cycle may report any qualifying instant.
func (e *Engine) cursorFor(fingerprint string, s *model.Series, window metric.Window) int64 {
	if v, ok := e.cursors.Load(fingerprint); ok {
		entry := v.(cursorEntry)
		e.cursors.Store(fingerprint, cursorEntry{cursor: entry.cursor, touched: e.now()})
		return entry.cursor
	}
	sorted := s.SortedSamples()
	if len(sorted) > 0 {
		return sorted[0].Timestamp
	}
	return window.Start
}

// maybeSweepCursors runs at most one sweep per cursorSweepInterval across all
// evaluating goroutines.
func (e *Engine) maybeSweepCursors() {
	now := e.now()
	last := e.lastSweep.Load()
	if now-last < cursorSweepInterval.Milliseconds() {
		return
	}
	if e.lastSweep.CompareAndSwap(last, now) {
		e.sweepCursors(now)
	}
}

// sweepCursors drops cursor entries untouched for the retention period. A
// swept cursor at worst re-reports an old fire, which cooldown suppresses.
func (e *Engine) sweepCursors(now int64) {
	e.cursors.Range(func(key, value any) bool {
		if now-value.(cursorEntry).touched > cursorRetention.Milliseconds() {
			e.cursors.Delete(key)
		}
		return true
	})
}

// triggersToEvaluate returns the alert's triggers referenced by at least one
// notification; nothing else can produce a dispatch, so nothing else is worth
// evaluating.
func (e *Engine) triggersToEvaluate(alert *model.Alert) []*model.Trigger {
	var out []*model.Trigger
	for _, trigger := range alert.Triggers {
		for _, n := range alert.Notifications {
			if n.References(trigger.ID) {
				out = append(out, trigger)
				break
			}
		}
	}
	return out
}

func noDataOnly(triggers []*model.Trigger) []*model.Trigger {
	var out []*model.Trigger
	for _, t := range triggers {
		if t.Type == model.TriggerNoData {
			out = append(out, t)
		}
	}
	return out
}

// lagInAnyDatacenter reports whether any involved datacenter is lagging and
// the alert is not exempted by the scope or owner allow-list. An empty
// datacenter list still consults the watcher for the default ingestion path.
func (e *Engine) lagInAnyDatacenter(datacenters []string, alert *model.Alert) bool {
	if e.allowListed(alert) {
		return false
	}
	if len(datacenters) == 0 {
		return e.lag.IsDataLagging("")
	}
	for _, dc := range datacenters {
		if e.lag.IsDataLagging(dc) {
			return true
		}
	}
	return false
}

func (e *Engine) allowListed(alert *model.Alert) bool {
	for _, re := range e.scopeAllow {
		if re.MatchString(alert.Expression) {
			return true
		}
	}
	for _, re := range e.ownerAllow {
		if re.MatchString(alert.Owner) {
			return true
		}
	}
	return false
}
