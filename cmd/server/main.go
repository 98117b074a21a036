package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/metron/internal/config"
	"github.com/t77yq/metron/internal/evaluator"
	"github.com/t77yq/metron/internal/lock"
	"github.com/t77yq/metron/internal/metric"
	"github.com/t77yq/metron/internal/monitor"
	"github.com/t77yq/metron/internal/notifier"
	"github.com/t77yq/metron/internal/queue"
	"github.com/t77yq/metron/internal/scheduler"
	"github.com/t77yq/metron/internal/storage"
)

func main() {
	// Initialize logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	cfg, err := config.Load("./config")
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Connect to NATS with more options
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS connection error", zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	// Connect with retry
	var nc *nats.Conn
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(cfg.NATS.URLs[0], opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()

	logger.Info("Connected to NATS successfully", zap.String("url", nc.ConnectedUrl()))

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	// Open the shared database and its stores
	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()

	alertStore, err := storage.NewAlertStore(logger, db)
	if err != nil {
		logger.Fatal("Failed to create alert store", zap.Error(err))
	}
	history, err := storage.NewSQLiteHistory(logger, db)
	if err != nil {
		logger.Fatal("Failed to create history store", zap.Error(err))
	}
	locks, err := lock.NewSQLiteService(logger, db)
	if err != nil {
		logger.Fatal("Failed to create lock service", zap.Error(err))
	}

	// Notification channels. Stream is the stateless one: it fires every
	// cycle and never participates in cooldown tracking.
	registry := notifier.NewRegistry(logger)
	registry.Register(notifier.ChannelEmail, notifier.NewEmailNotifier(logger, notifier.EmailConfig{
		Host:       cfg.Notifiers.Email.Host,
		Port:       cfg.Notifiers.Email.Port,
		Username:   cfg.Notifiers.Email.Username,
		Password:   cfg.Notifiers.Email.Password,
		From:       cfg.Notifiers.Email.From,
		Recipients: cfg.Notifiers.Email.Recipients,
	}), false)
	registry.Register(notifier.ChannelWebhook, notifier.NewWebhookNotifier(logger, cfg.Notifiers.Webhook.URL, nil), false)
	registry.Register(notifier.ChannelAudit, notifier.NewAuditNotifier(logger, history), false)
	registry.Register(notifier.ChannelStream, notifier.NewStreamNotifier(logger, js), true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Data lag monitoring
	lagMonitor := monitor.NewLagMonitor(logger, js, cfg.Evaluator.DatalagThreshold, cfg.App.Datacenter)
	if cfg.Evaluator.DatalagMonitorEnabled {
		if err := lagMonitor.Start(ctx); err != nil {
			logger.Fatal("Failed to start lag monitor", zap.Error(err))
		}
		defer lagMonitor.Stop()
	}

	counters := monitor.NewCounters()

	// Evaluation engine
	resolver := metric.NewHTTPResolver(logger, cfg.Metrics.QueryURL, cfg.Metrics.QueryTimeout)
	engine, err := evaluator.NewEngine(logger, resolver, registry, alertStore, lagMonitor, counters, evaluator.Config{
		DatalagMonitorEnabled: cfg.Evaluator.DatalagMonitorEnabled,
		AllowedScopePatterns:  cfg.Evaluator.AllowedScopePatterns,
		AllowedOwnerPatterns:  cfg.Evaluator.AllowedOwnerPatterns,
	})
	if err != nil {
		logger.Fatal("Failed to create evaluation engine", zap.Error(err))
	}

	// Work queue, definitions cache, coordinator and runner
	alertQueue, err := queue.NewAlertQueue(js, logger)
	if err != nil {
		logger.Fatal("Failed to create alert queue", zap.Error(err))
	}
	defer alertQueue.Drain()

	cache := scheduler.NewAlertDefinitionsCache(logger, alertStore, cfg.Scheduler.RefreshInterval, cfg.Scheduler.Lookahead)
	if err := cache.Start(ctx); err != nil {
		logger.Fatal("Failed to start alert definitions cache", zap.Error(err))
	}
	defer cache.Stop()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = cfg.App.Name
	}
	coordinator := scheduler.NewCoordinator(logger, locks, alertQueue, cache, cfg.Scheduler.LockLease, hostname)
	if err := coordinator.Start(ctx); err != nil {
		logger.Fatal("Failed to start coordinator", zap.Error(err))
	}
	defer coordinator.Stop()

	runner := scheduler.NewBatchRunner(logger, alertQueue, engine, history, alertStore, counters, cfg.Scheduler.Workers)

	// Metrics publishing
	collector := monitor.NewMetricsCollector(js, counters, cfg.Monitor.MetricsInterval, logger)
	if err := collector.Start(ctx); err != nil {
		logger.Fatal("Failed to start metrics collector", zap.Error(err))
	}
	defer collector.Stop()

	// Setup signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	// Evaluation loop. When a batch comes back full there is likely more
	// waiting, so drain immediately before settling back into the poll wait.
	go func() {
		cleanupTicker := time.NewTicker(24 * time.Hour)
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-cleanupTicker.C:
				cutoff := time.Now().AddDate(0, 0, -30)
				if err := history.DeleteBefore(ctx, cutoff); err != nil {
					logger.Error("Failed to cleanup old evaluation history", zap.Error(err))
				}
			default:
				evaluated, _ := runner.Run(ctx, cfg.Scheduler.BatchLimit, cfg.Scheduler.BatchTimeout)
				for evaluated == cfg.Scheduler.BatchLimit && ctx.Err() == nil {
					evaluated, _ = runner.Run(ctx, cfg.Scheduler.BatchLimit, cfg.Scheduler.BatchTimeout)
				}
			}
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("Server shutting down gracefully")
}
