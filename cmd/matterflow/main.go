package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.opentelemetry.io/otel"

	"github.com/harlowe/matterflow/internal/actions"
	"github.com/harlowe/matterflow/internal/engine"
	"github.com/harlowe/matterflow/internal/logging"
	"github.com/harlowe/matterflow/internal/metrics"
	"github.com/harlowe/matterflow/internal/notify"
	"github.com/harlowe/matterflow/internal/reminders"
	"github.com/harlowe/matterflow/internal/store"
	"github.com/harlowe/matterflow/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "matterflow:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQL("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	var observer metrics.Observer = metrics.Nop{}
	if cfg.OTelMetrics {
		otelObserver, err := metrics.NewOTel(otel.Meter("matterflow"))
		if err != nil {
			return fmt.Errorf("otel metrics: %w", err)
		}
		observer = otelObserver
	}

	hub := notify.NewHub()
	queue := notify.NewQueue(
		notify.Multi{hub.Dispatcher(), &notify.LogDispatcher{Logger: logger}},
		logger, observer,
	)
	queue.Start(ctx)
	defer func() {
		stop()
		queue.Drain()
	}()

	registry := actions.NewRegistry()

	runtime, err := engine.NewRuntime(st, engine.Options{
		Notifier: queue,
		Observer: observer,
		Catalog:  registry,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	templates := engine.NewTemplates(st, registry)

	runner := actions.NewRunner(runtime, hub, nil, nil, logger)
	go runner.Run(ctx)

	sweeper := reminders.NewSweeper(st, queue, logger, cfg.reminderLookahead(), cfg.reminderInterval())
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	srv := mcp.NewFlowServer(mcp.FlowServerDeps{
		Runtime:   runtime,
		Templates: templates,
		Store:     st,
		Logger:    logger,
	})

	logger.Info("matterflow started", slog.String("db", cfg.DBPath))
	return srv.Serve(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}
