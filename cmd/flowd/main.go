package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/ghostworker/flow/internal/collab"
	"github.com/ghostworker/flow/internal/engine"
	"github.com/ghostworker/flow/internal/expressions"
	"github.com/ghostworker/flow/internal/logging"
	"github.com/ghostworker/flow/internal/nodes"
	"github.com/ghostworker/flow/internal/scheduler"
	"github.com/ghostworker/flow/internal/store"
	"github.com/ghostworker/flow/internal/trigger"
)

func main() {
	cfg := loadConfig()
	logger := setupLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("flowd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return err
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("store ready", "db_path", cfg.DBPath)

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}
	eval := expressions.NewEvaluator(celEngine, expressions.NewExprEngine())

	executor := nodes.NewExecutor(nodes.Deps{
		Evaluator: eval,
		JQ:        expressions.NewGoJQEngine(),
		Webhook:   collab.NewWebhookClient(collab.DefaultBreakerConfig()),
		Messenger: collab.NewLogMessenger(logger),
		AI:        &collab.StaticAIClient{Response: cfg.AIResponse},
		CRM:       collab.NewMemoryCRM(logger),
		Logger:    logger,
	})

	runner := engine.NewRunner(st, executor, logger, cfg.StepLimit)
	pool := engine.NewWorkerPool(cfg.PoolSize)

	retry := engine.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.RetryCount

	matcher := trigger.NewMatcher(st, eval, logger)
	dispatcher := trigger.NewDispatcher(st, matcher, runner, pool, retry, logger)

	sched := scheduler.NewScheduler(st, dispatcher, runner, pool, logger, cfg.pollInterval())
	if err := sched.Start(ctx); err != nil {
		return err
	}

	logger.Info("flowd running",
		"pool_size", cfg.PoolSize,
		"step_limit", cfg.StepLimit,
		"poll_interval", cfg.pollInterval())

	<-ctx.Done()
	logger.Info("shutting down")

	sched.Stop()
	dispatcher.Shutdown()
	return nil
}

func setupLogger(cfg Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339Nano,
		})
	}
	return slog.New(logging.NewCorrelationHandler(handler))
}
