package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const ingestHeartbeatSubject = "ingest.heartbeat.*"

// heartbeat is what the ingestion pipeline publishes per datacenter.
type heartbeat struct {
	Datacenter string `json:"datacenter"`
	Timestamp  int64  `json:"timestamp"`
}

// LagMonitor tracks metric ingestion freshness per datacenter. The ingestion
// pipeline publishes a heartbeat per datacenter as data lands; a datacenter
// whose last heartbeat is older than the threshold is considered lagging, and
// so is one that has never been heard from.
type LagMonitor struct {
	logger            *zap.Logger
	js                nats.JetStreamContext
	threshold         time.Duration
	defaultDatacenter string
	lastSeen          sync.Map // datacenter -> int64 epoch millis
	now               func() time.Time
	stop              chan struct{}
	sub               *nats.Subscription
}

// NewLagMonitor creates a lag monitor. The default datacenter is consulted
// when a query result carries no datacenter information at all.
func NewLagMonitor(logger *zap.Logger, js nats.JetStreamContext, threshold time.Duration, defaultDatacenter string) *LagMonitor {
	return &LagMonitor{
		logger:            logger.Named("lag-monitor"),
		js:                js,
		threshold:         threshold,
		defaultDatacenter: defaultDatacenter,
		now:               time.Now,
		stop:              make(chan struct{}),
	}
}

// Start subscribes to ingestion heartbeats and begins the staleness log loop.
func (m *LagMonitor) Start(ctx context.Context) error {
	sub, err := m.js.Subscribe(ingestHeartbeatSubject, m.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("failed to subscribe to ingestion heartbeats: %w", err)
	}
	m.sub = sub

	go m.watchLoop(ctx)

	m.logger.Info("Lag monitor started", zap.Duration("threshold", m.threshold))
	return nil
}

// Stop stops the lag monitor.
func (m *LagMonitor) Stop() {
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
	close(m.stop)
}

// handleHeartbeat records the latest ingestion timestamp for a datacenter.
// Subject format: ingest.heartbeat.<datacenter>.
func (m *LagMonitor) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		m.logger.Error("Failed to unmarshal ingestion heartbeat", zap.Error(err))
		return
	}

	dc := hb.Datacenter
	if dc == "" {
		parts := strings.Split(msg.Subject, ".")
		if len(parts) != 3 {
			m.logger.Error("Invalid ingestion heartbeat subject",
				zap.String("subject", msg.Subject))
			return
		}
		dc = parts[2]
	}

	m.Observe(dc, hb.Timestamp)
}

// Observe records an ingestion heartbeat directly.
func (m *LagMonitor) Observe(datacenter string, timestamp int64) {
	m.lastSeen.Store(datacenter, timestamp)
}

// IsDataLagging reports whether the datacenter's ingestion is stale. An empty
// datacenter falls back to the configured default.
func (m *LagMonitor) IsDataLagging(datacenter string) bool {
	if datacenter == "" {
		datacenter = m.defaultDatacenter
	}
	value, ok := m.lastSeen.Load(datacenter)
	if !ok {
		return true
	}
	return m.now().UnixMilli()-value.(int64) > m.threshold.Milliseconds()
}

// watchLoop periodically logs lagging datacenters so operators notice
// suppressed evaluation before alert owners do.
func (m *LagMonitor) watchLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.lastSeen.Range(func(key, value interface{}) bool {
				dc := key.(string)
				if m.IsDataLagging(dc) {
					m.logger.Warn("Datacenter ingestion is lagging",
						zap.String("datacenter", dc),
						zap.Int64("last_seen", value.(int64)))
				}
				return true
			})
		}
	}
}
