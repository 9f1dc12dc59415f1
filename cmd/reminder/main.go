package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/taskhub/reminder-worker/internal/api"
	"github.com/taskhub/reminder-worker/internal/broker"
	"github.com/taskhub/reminder-worker/internal/config"
	"github.com/taskhub/reminder-worker/internal/consumer"
	"github.com/taskhub/reminder-worker/internal/db"
	"github.com/taskhub/reminder-worker/internal/ledger"
	"github.com/taskhub/reminder-worker/internal/logging"
	"github.com/taskhub/reminder-worker/internal/metrics"
	"github.com/taskhub/reminder-worker/internal/notifier"
	"github.com/taskhub/reminder-worker/internal/publisher"
	"github.com/taskhub/reminder-worker/internal/ratelimiter"
	"github.com/taskhub/reminder-worker/internal/taskapi"
	"github.com/taskhub/reminder-worker/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ---- configuration ----
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		return 1
	}
	defer logger.Sync() //nolint:errcheck

	ctx := context.Background()

	// ---- dedupe ledger ----
	var dedupe ledger.Ledger
	switch cfg.Ledger.Backend {
	case "postgres":
		if err := db.Migrate(cfg.Ledger.DatabaseURL); err != nil {
			logger.Error("failed to run migrations", zap.Error(err))
			return 1
		}
		pool, err := db.Connect(ctx, cfg.Ledger)
		if err != nil {
			logger.Error("failed to connect to database", zap.Error(err))
			return 1
		}
		defer pool.Close()
		dedupe = ledger.NewPostgres(pool, cfg.Reminder.DedupeWindow)
		logger.Info("dedupe ledger on postgres")
	default:
		dedupe = ledger.NewMemory(cfg.Reminder.DedupeWindow)
	}

	// ---- core dependencies ----
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	onConnected, onDisconnected := m.BrokerHooks()
	manager := broker.NewManager(cfg.Broker, broker.DialAMQP, logger.With(zap.String("component", "broker")), broker.Hooks{
		OnConnected:    onConnected,
		OnDisconnected: onDisconnected,
	})

	tasks := taskapi.NewClient(cfg.Reminder.APIBaseURL, cfg.Reminder.APITimeout, cfg.Reminder.FetchLimit)
	pub := publisher.New(manager, tasks, cfg.Broker.Queue, cfg.Reminder.PlaceholderName, logger.With(zap.String("component", "publisher")))

	onCycle, onPublished, onPublishFailed, onSkipped, onSwept := m.PollerHooks()
	poller, err := worker.NewPoller(cfg.Reminder, tasks, dedupe, pub, logger.With(zap.String("component", "poller")), worker.PollerHooks{
		OnCycle:         onCycle,
		OnPublished:     onPublished,
		OnPublishFailed: onPublishFailed,
		OnSkipped:       onSkipped,
		OnSwept:         onSwept,
	})
	if err != nil {
		logger.Error("invalid poll schedule", zap.Error(err))
		return 1
	}

	// ---- consumer ----
	var sinks notifier.Multi
	var queueConsumer worker.Runner
	if cfg.Reminder.ConsumerEnabled {
		limiters := ratelimiter.New(cfg.Notifier.RateLimit)
		onDelivered, onFailed := m.NotifierHooks()
		hooks := notifier.Hooks{OnDelivered: onDelivered, OnFailed: onFailed}

		sinks = notifier.Multi{notifier.Limit(notifier.NewLogNotifier(logger.With(zap.String("component", "notifier"))), limiters, hooks)}
		if cfg.Notifier.WebhookURL != "" {
			sinks = append(sinks, notifier.Limit(notifier.NewWebhookNotifier(cfg.Notifier.WebhookURL, cfg.Notifier.Timeout), limiters, hooks))
		}

		onAcked, onRequeued := m.ConsumerHooks()
		queueConsumer = consumer.New(manager, sinks, cfg.Broker, logger.With(zap.String("component", "consumer")), consumer.Hooks{
			OnAcked:    onAcked,
			OnRequeued: onRequeued,
		})
	}

	supervisor := worker.NewSupervisor(manager, poller, queueConsumer, cfg.Broker.FailFast, logger)

	logger.Info("starting task reminder worker",
		zap.String("broker", broker.Endpoint(cfg.Broker)),
		zap.String("queue", cfg.Broker.Queue),
		zap.String("task_api", cfg.Reminder.APIBaseURL),
		zap.Duration("poll_interval", cfg.Reminder.PollInterval()),
		zap.String("poll_schedule", cfg.Reminder.PollSchedule),
		zap.Duration("dedupe_window", cfg.Reminder.DedupeWindow),
		zap.String("ledger", cfg.Ledger.Backend),
	)
	if err := supervisor.Start(ctx); err != nil {
		logger.Error("failed to start worker", zap.Error(err))
		return 1
	}

	// ---- HTTP server ----
	var srv *http.Server
	serverErr := make(chan error, 1)
	if cfg.HTTP.Enabled {
		srv = &http.Server{
			Addr:         ":" + cfg.HTTP.Port,
			Handler:      api.NewRouter(supervisor, manager, dedupe, reg, logger),
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
		}
		// Start server in a goroutine so it does not block the shutdown listener.
		go func() {
			logger.Info("ops server starting", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	code := 0
	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-supervisor.Fatal():
		logger.Error("worker stopped on fatal error", zap.Error(err))
		code = 1
	case err := <-serverErr:
		logger.Error("ops server error", zap.Error(err))
		code = 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	// 1. Stop answering health checks.
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("ops server shutdown error", zap.Error(err))
		}
	}

	// 2. Stop the poller and consumer, then release channels and connection.
	supervisor.Stop(shutdownCtx)

	// 3. Drop idle webhook connections.
	if err := sinks.Close(); err != nil {
		logger.Warn("error closing notifiers", zap.Error(err))
	}

	logger.Info("worker stopped cleanly", zap.Int("exit_code", code))
	return code
}
