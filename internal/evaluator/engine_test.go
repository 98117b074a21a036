package evaluator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/metron/internal/metric"
	"github.com/t77yq/metron/internal/model"
	"github.com/t77yq/metron/internal/notifier"
)

type fakeResolver struct {
	result *metric.QueryResult
	err    error
}

func (f *fakeResolver) Resolve(ctx context.Context, expression string, evalTime int64) (*metric.QueryResult, error) {
	return f.result, f.err
}

type fakeDispatcher struct {
	statelessChannels map[string]bool
	sent              []*notifier.Context
	cleared           []*notifier.Context
	sendErr           error
}

func (f *fakeDispatcher) Send(ctx context.Context, nctx *notifier.Context) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, nctx)
	return nil
}

func (f *fakeDispatcher) SendClear(ctx context.Context, nctx *notifier.Context) error {
	f.cleared = append(f.cleared, nctx)
	return nil
}

func (f *fakeDispatcher) Stateless(channel string) bool {
	return f.statelessChannels[channel]
}

type fakeStateStore struct {
	saves      int
	refreshErr error
}

func (f *fakeStateStore) RefreshNotificationState(ctx context.Context, alert *model.Alert) error {
	return f.refreshErr
}

func (f *fakeStateStore) SaveNotificationState(ctx context.Context, n *model.Notification) error {
	f.saves++
	return nil
}

type fakeLagWatcher struct {
	lagging map[string]bool
}

func (f *fakeLagWatcher) IsDataLagging(datacenter string) bool {
	return f.lagging[datacenter]
}

func testAlert(trigger *model.Trigger, n *model.Notification) *model.Alert {
	return &model.Alert{
		ID:            "a1",
		Name:          "high-cpu",
		Owner:         "sre",
		Expression:    "avg(system.cpu.usage)",
		CronEntry:     "* * * * *",
		Enabled:       true,
		Triggers:      []*model.Trigger{trigger},
		Notifications: []*model.Notification{n},
	}
}

func violatingResult(dc string) *metric.QueryResult {
	tags := map[string]string{}
	if dc != "" {
		tags["dc"] = dc
	}
	return &metric.QueryResult{
		Series: []*model.Series{{
			Scope:   "system",
			Metric:  "cpu.usage",
			Tags:    tags,
			Samples: []model.Sample{{Timestamp: minute, Value: 99}},
		}},
		Datacenters: []string{dc},
		Window:      metric.Window{Start: 0, End: 10 * minute},
	}
}

func newTestEngine(t *testing.T, resolver *fakeResolver, dispatcher *fakeDispatcher, store *fakeStateStore, lag *fakeLagWatcher, cfg Config) *Engine {
	t.Helper()
	engine, err := NewEngine(zap.NewNop(), resolver, dispatcher, store, lag, nil, cfg)
	require.NoError(t, err)
	engine.now = func() int64 { return 100 * minute }
	return engine
}

func TestEngineEvaluate(t *testing.T) {
	trigger := &model.Trigger{ID: "t1", Name: "high", Type: model.TriggerGreaterThan, Threshold: 90}

	t.Run("FireDispatchesAndStartsCooldown", func(t *testing.T) {
		n := &model.Notification{ID: "n1", Name: "page", Notifier: "webhook", Cooldown: 5 * minute, TriggerIDs: []string{"t1"}}
		dispatcher := &fakeDispatcher{statelessChannels: map[string]bool{}}
		store := &fakeStateStore{}
		engine := newTestEngine(t, &fakeResolver{result: violatingResult("")}, dispatcher, store, &fakeLagWatcher{}, Config{})

		history := engine.Evaluate(context.Background(), testAlert(trigger, n), minute)

		assert.Equal(t, model.JobStatusSuccess, history.Status)
		require.Len(t, dispatcher.sent, 1)
		assert.Equal(t, minute, dispatcher.sent[0].TriggerFiredTime)
		assert.Equal(t, 99.0, dispatcher.sent[0].TriggerValue)

		fp := model.Fingerprint("t1", "system:cpu.usage")
		assert.True(t, n.IsActive(fp))
		assert.Equal(t, 105*minute, n.CooldownExpiration(fp))
		assert.Equal(t, 1, store.saves)
	})

	t.Run("RepeatFireOnCooldownIsSuppressed", func(t *testing.T) {
		n := &model.Notification{ID: "n1", Name: "page", Notifier: "webhook", Cooldown: 60 * minute, TriggerIDs: []string{"t1"}}
		dispatcher := &fakeDispatcher{statelessChannels: map[string]bool{}}
		store := &fakeStateStore{}
		resolver := &fakeResolver{result: violatingResult("")}
		engine := newTestEngine(t, resolver, dispatcher, store, &fakeLagWatcher{}, Config{})
		alert := testAlert(trigger, n)

		engine.Evaluate(context.Background(), alert, minute)
		require.Len(t, dispatcher.sent, 1)

		// Next cycle brings a later violating sample; still on cooldown.
		resolver.result = &metric.QueryResult{
			Series: []*model.Series{{
				Scope:   "system",
				Metric:  "cpu.usage",
				Samples: []model.Sample{{Timestamp: 2 * minute, Value: 99}},
			}},
			Window: metric.Window{Start: 0, End: 10 * minute},
		}
		history := engine.Evaluate(context.Background(), alert, 2*minute)

		assert.Equal(t, model.JobStatusSuccess, history.Status)
		assert.Len(t, dispatcher.sent, 1)
		assert.Contains(t, history.Message, "cooldown")
		// Suppression changes nothing, so nothing new is persisted.
		assert.Equal(t, 1, store.saves)
	})

	t.Run("ClearFiresOnlyFromActiveState", func(t *testing.T) {
		n := &model.Notification{ID: "n1", Name: "page", Notifier: "webhook", Cooldown: minute, TriggerIDs: []string{"t1"}}
		dispatcher := &fakeDispatcher{statelessChannels: map[string]bool{}}
		store := &fakeStateStore{}
		resolver := &fakeResolver{result: violatingResult("")}
		engine := newTestEngine(t, resolver, dispatcher, store, &fakeLagWatcher{}, Config{})
		alert := testAlert(trigger, n)

		engine.Evaluate(context.Background(), alert, minute)
		require.Len(t, dispatcher.sent, 1)

		recovered := &metric.QueryResult{
			Series: []*model.Series{{
				Scope:   "system",
				Metric:  "cpu.usage",
				Samples: []model.Sample{{Timestamp: 2 * minute, Value: 10}},
			}},
			Window: metric.Window{Start: 0, End: 10 * minute},
		}
		resolver.result = recovered
		engine.Evaluate(context.Background(), alert, 2*minute)
		require.Len(t, dispatcher.cleared, 1)

		fp := model.Fingerprint("t1", "system:cpu.usage")
		assert.False(t, n.IsActive(fp))

		// Already inactive: another quiet cycle sends no second clear.
		engine.Evaluate(context.Background(), alert, 3*minute)
		assert.Len(t, dispatcher.cleared, 1)
	})

	t.Run("SustainedAbsenceStaysActiveAcrossCycles", func(t *testing.T) {
		noData := &model.Trigger{ID: "nd", Name: "silence", Type: model.TriggerNoData, Inertia: 2 * minute}
		n := &model.Notification{ID: "n1", Name: "page", Notifier: "webhook", Cooldown: 60 * minute, TriggerIDs: []string{"nd"}}
		dispatcher := &fakeDispatcher{statelessChannels: map[string]bool{}}
		samples := []model.Sample{{Timestamp: minute, Value: 1}, {Timestamp: 2 * minute, Value: 1}}
		resolver := &fakeResolver{result: &metric.QueryResult{
			Series: []*model.Series{{Scope: "system", Metric: "cpu.usage", Samples: samples}},
			Window: metric.Window{Start: 0, End: 10 * minute},
		}}
		engine := newTestEngine(t, resolver, dispatcher, &fakeStateStore{}, &fakeLagWatcher{}, Config{})
		alert := testAlert(noData, n)

		engine.Evaluate(context.Background(), alert, minute)
		require.Len(t, dispatcher.sent, 1)

		// The window slides on, no new samples arrive: the absence persists,
		// so the fingerprint must stay active with the repeat fire held back
		// by cooldown, not flip to a clear.
		resolver.result = &metric.QueryResult{
			Series: []*model.Series{{Scope: "system", Metric: "cpu.usage", Samples: samples}},
			Window: metric.Window{Start: 0, End: 15 * minute},
		}
		engine.Evaluate(context.Background(), alert, 2*minute)

		assert.Empty(t, dispatcher.cleared)
		assert.Len(t, dispatcher.sent, 1)
		assert.True(t, n.IsActive(model.Fingerprint("nd", "system:cpu.usage")))
	})

	t.Run("SeriesTrackedIndependently", func(t *testing.T) {
		n := &model.Notification{ID: "n1", Name: "page", Notifier: "webhook", Cooldown: 5 * minute, TriggerIDs: []string{"t1"}}
		dispatcher := &fakeDispatcher{statelessChannels: map[string]bool{}}
		resolver := &fakeResolver{result: &metric.QueryResult{
			Series: []*model.Series{
				{
					Scope: "system", Metric: "cpu.usage",
					Tags:    map[string]string{"host": "web1"},
					Samples: []model.Sample{{Timestamp: minute, Value: 99}},
				},
				{
					Scope: "system", Metric: "cpu.usage",
					Tags:    map[string]string{"host": "web2"},
					Samples: []model.Sample{{Timestamp: minute, Value: 10}},
				},
			},
			Window: metric.Window{Start: 0, End: 10 * minute},
		}}
		engine := newTestEngine(t, resolver, dispatcher, &fakeStateStore{}, &fakeLagWatcher{}, Config{})

		engine.Evaluate(context.Background(), testAlert(trigger, n), minute)

		require.Len(t, dispatcher.sent, 1)
		assert.Equal(t, "system:cpu.usage{host=web1}", dispatcher.sent[0].SeriesIdentity)
		// The quiet series was never active, so no clear either.
		assert.Empty(t, dispatcher.cleared)
	})

	t.Run("TwoSeriesCrossoverOverTwoCycles", func(t *testing.T) {
		n := &model.Notification{ID: "n1", Name: "page", Notifier: "webhook", Cooldown: 5 * minute, TriggerIDs: []string{"t1"}}
		dispatcher := &fakeDispatcher{statelessChannels: map[string]bool{}}
		twoHosts := func(ts int64, web1, web2 float64) *metric.QueryResult {
			return &metric.QueryResult{
				Series: []*model.Series{
					{
						Scope: "system", Metric: "cpu.usage",
						Tags:    map[string]string{"host": "web1"},
						Samples: []model.Sample{{Timestamp: ts, Value: web1}},
					},
					{
						Scope: "system", Metric: "cpu.usage",
						Tags:    map[string]string{"host": "web2"},
						Samples: []model.Sample{{Timestamp: ts, Value: web2}},
					},
				},
				Window: metric.Window{Start: 0, End: 10 * minute},
			}
		}
		resolver := &fakeResolver{result: twoHosts(minute, 99, 10)}
		engine := newTestEngine(t, resolver, dispatcher, &fakeStateStore{}, &fakeLagWatcher{}, Config{})
		alert := testAlert(trigger, n)

		engine.Evaluate(context.Background(), alert, minute)
		require.Len(t, dispatcher.sent, 1)
		assert.Equal(t, "system:cpu.usage{host=web1}", dispatcher.sent[0].SeriesIdentity)

		// The breach swaps hosts: web1 recovers and clears, web2 fires fresh.
		resolver.result = twoHosts(2*minute, 10, 99)
		engine.Evaluate(context.Background(), alert, 2*minute)

		require.Len(t, dispatcher.sent, 2)
		assert.Equal(t, "system:cpu.usage{host=web2}", dispatcher.sent[1].SeriesIdentity)
		require.Len(t, dispatcher.cleared, 1)
		assert.Equal(t, "system:cpu.usage{host=web1}", dispatcher.cleared[0].SeriesIdentity)

		// Both fingerprints have fired once, but only web2 is still breaching.
		assert.Len(t, n.CooldownExpirationByFingerprint, 2)
		assert.False(t, n.IsActive(model.Fingerprint("t1", "system:cpu.usage{host=web1}")))
		assert.True(t, n.IsActive(model.Fingerprint("t1", "system:cpu.usage{host=web2}")))
	})

	t.Run("StatelessChannelBypassesCooldownAndState", func(t *testing.T) {
		n := &model.Notification{ID: "n1", Name: "feed", Notifier: "stream", Cooldown: 60 * minute, TriggerIDs: []string{"t1"}}
		dispatcher := &fakeDispatcher{statelessChannels: map[string]bool{"stream": true}}
		store := &fakeStateStore{}
		resolver := &fakeResolver{result: violatingResult("")}
		engine := newTestEngine(t, resolver, dispatcher, store, &fakeLagWatcher{}, Config{})
		alert := testAlert(trigger, n)

		engine.Evaluate(context.Background(), alert, minute)
		resolver.result = &metric.QueryResult{
			Series: []*model.Series{{
				Scope:   "system",
				Metric:  "cpu.usage",
				Samples: []model.Sample{{Timestamp: 2 * minute, Value: 99}},
			}},
			Window: metric.Window{Start: 0, End: 10 * minute},
		}
		engine.Evaluate(context.Background(), alert, 2*minute)

		assert.Len(t, dispatcher.sent, 2)
		assert.Empty(t, n.ActiveByFingerprint)
		assert.Empty(t, n.CooldownExpirationByFingerprint)
		assert.Equal(t, 0, store.saves)
	})

	t.Run("SkippedWhenDataLags", func(t *testing.T) {
		n := &model.Notification{ID: "n1", Name: "page", Notifier: "webhook", TriggerIDs: []string{"t1"}}
		dispatcher := &fakeDispatcher{statelessChannels: map[string]bool{}}
		lag := &fakeLagWatcher{lagging: map[string]bool{"dc1": true}}
		engine := newTestEngine(t, &fakeResolver{result: violatingResult("dc1")}, dispatcher, &fakeStateStore{}, lag, Config{
			DatalagMonitorEnabled: true,
		})

		history := engine.Evaluate(context.Background(), testAlert(trigger, n), minute)

		assert.Equal(t, model.JobStatusSkipped, history.Status)
		assert.Empty(t, dispatcher.sent)
	})

	t.Run("NoDataTriggerProceedsUnderLag", func(t *testing.T) {
		noData := &model.Trigger{ID: "nd", Name: "silence", Type: model.TriggerNoData, Inertia: 2 * minute}
		n := &model.Notification{ID: "n1", Name: "page", Notifier: "webhook", TriggerIDs: []string{"nd"}}
		dispatcher := &fakeDispatcher{statelessChannels: map[string]bool{}}
		lag := &fakeLagWatcher{lagging: map[string]bool{"dc1": true}}
		resolver := &fakeResolver{result: &metric.QueryResult{
			Datacenters: []string{"dc1"},
			Window:      metric.Window{Start: 0, End: 10 * minute},
		}}
		engine := newTestEngine(t, resolver, dispatcher, &fakeStateStore{}, lag, Config{
			DatalagMonitorEnabled: true,
		})

		history := engine.Evaluate(context.Background(), testAlert(noData, n), minute)

		assert.Equal(t, model.JobStatusWarn, history.Status)
		require.Len(t, dispatcher.sent, 1)
		assert.Equal(t, 10*minute, dispatcher.sent[0].TriggerFiredTime)
	})

	t.Run("OwnerAllowListExemptsLagGuard", func(t *testing.T) {
		n := &model.Notification{ID: "n1", Name: "page", Notifier: "webhook", TriggerIDs: []string{"t1"}}
		dispatcher := &fakeDispatcher{statelessChannels: map[string]bool{}}
		lag := &fakeLagWatcher{lagging: map[string]bool{"dc1": true}}
		engine := newTestEngine(t, &fakeResolver{result: violatingResult("dc1")}, dispatcher, &fakeStateStore{}, lag, Config{
			DatalagMonitorEnabled: true,
			AllowedOwnerPatterns:  []string{"^sre$"},
		})

		history := engine.Evaluate(context.Background(), testAlert(trigger, n), minute)

		assert.Equal(t, model.JobStatusSuccess, history.Status)
		assert.Len(t, dispatcher.sent, 1)
	})

	t.Run("NoSeriesWithoutNoDataTriggerSucceeds", func(t *testing.T) {
		n := &model.Notification{ID: "n1", Name: "page", Notifier: "webhook", TriggerIDs: []string{"t1"}}
		dispatcher := &fakeDispatcher{statelessChannels: map[string]bool{}}
		resolver := &fakeResolver{result: &metric.QueryResult{Window: metric.Window{Start: 0, End: 10 * minute}}}
		engine := newTestEngine(t, resolver, dispatcher, &fakeStateStore{}, &fakeLagWatcher{}, Config{})

		history := engine.Evaluate(context.Background(), testAlert(trigger, n), minute)

		assert.Equal(t, model.JobStatusSuccess, history.Status)
		assert.Contains(t, history.Message, "no series")
		assert.Empty(t, dispatcher.sent)
	})

	t.Run("ResolverErrorProducesFailure", func(t *testing.T) {
		n := &model.Notification{ID: "n1", Name: "page", Notifier: "webhook", TriggerIDs: []string{"t1"}}
		engine := newTestEngine(t, &fakeResolver{err: errors.New("query timed out")}, &fakeDispatcher{}, &fakeStateStore{}, &fakeLagWatcher{}, Config{})

		history := engine.Evaluate(context.Background(), testAlert(trigger, n), minute)

		assert.Equal(t, model.JobStatusFailure, history.Status)
		assert.Contains(t, history.Message, "query timed out")
	})

	t.Run("SendFailureIsContainedInHistory", func(t *testing.T) {
		n := &model.Notification{ID: "n1", Name: "page", Notifier: "webhook", Cooldown: minute, TriggerIDs: []string{"t1"}}
		dispatcher := &fakeDispatcher{statelessChannels: map[string]bool{}, sendErr: errors.New("connection refused")}
		engine := newTestEngine(t, &fakeResolver{result: violatingResult("")}, dispatcher, &fakeStateStore{}, &fakeLagWatcher{}, Config{})

		history := engine.Evaluate(context.Background(), testAlert(trigger, n), minute)

		assert.Equal(t, model.JobStatusWarn, history.Status)
		assert.Contains(t, history.Message, "connection refused")
		// State was still transitioned before the delivery attempt.
		assert.True(t, n.IsActive(model.Fingerprint("t1", "system:cpu.usage")))
	})

	t.Run("IdleCursorsAreSwept", func(t *testing.T) {
		engine := newTestEngine(t, &fakeResolver{}, &fakeDispatcher{}, &fakeStateStore{}, &fakeLagWatcher{}, Config{})
		now := engine.now()
		stale := now - cursorRetention.Milliseconds() - 1
		engine.cursors.Store("t9:system:old.metric", cursorEntry{cursor: 5 * minute, touched: stale})
		engine.cursors.Store("t1:system:cpu.usage", cursorEntry{cursor: 7 * minute, touched: now})

		engine.sweepCursors(now)

		_, ok := engine.cursors.Load("t9:system:old.metric")
		assert.False(t, ok)
		_, ok = engine.cursors.Load("t1:system:cpu.usage")
		assert.True(t, ok)
	})

	t.Run("InvalidAllowListPatternIsRejected", func(t *testing.T) {
		_, err := NewEngine(zap.NewNop(), &fakeResolver{}, &fakeDispatcher{}, &fakeStateStore{}, &fakeLagWatcher{}, nil, Config{
			AllowedScopePatterns: []string{"["},
		})
		assert.Error(t, err)
	})
}
