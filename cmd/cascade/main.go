package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cascadehq/cascade/internal/actions"
	"github.com/cascadehq/cascade/internal/engine"
	"github.com/cascadehq/cascade/internal/expressions"
	"github.com/cascadehq/cascade/internal/ledger"
	"github.com/cascadehq/cascade/internal/logging"
	"github.com/cascadehq/cascade/internal/scheduler"
	"github.com/cascadehq/cascade/internal/store"
	"github.com/cascadehq/cascade/internal/validation"
	"github.com/cascadehq/cascade/pkg/mcp"
	"github.com/cascadehq/cascade/pkg/schema"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cascade: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	jq := expressions.NewGoJQEngine()
	led := ledger.New(st, cfg.Indexes, ledger.Config{
		ScanLimit:     cfg.ScanLimit,
		AllowFullScan: cfg.AllowFullScan,
	}, logger)

	registry := actions.NewRegistry()
	if err := actions.RegisterBuiltins(registry, jq, led, actions.HTTPConfig{}); err != nil {
		return fmt.Errorf("register actions: %w", err)
	}

	tasks := engine.NewMemoryScheduler(cfg.QueueBuffer)
	defer tasks.Close()

	// The completion notifier is bound after the MCP server exists; until
	// then completions are only logged.
	var notifier *mcp.CompletionNotifier
	onDone := func(ctx context.Context, result *schema.CompletionResult) {
		if notifier != nil {
			notifier.OnCompletion(ctx, result)
		}
	}

	eng, err := engine.New(st, registry, nil, tasks, onDone, logger)
	if err != nil {
		return err
	}

	tasks.SetHandler(eng.HandleContinuation)
	tasks.Start(ctx)

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}
	validator, err := validation.NewWorkflowValidator(registry, cel)
	if err != nil {
		return err
	}

	srv := mcp.NewCascadeServer(mcp.CascadeServerDeps{
		Runner:    eng,
		Store:     st,
		Validator: validator,
		Logger:    logger,
	})
	notifier = srv.Notifier()

	sweeper := scheduler.NewSweeper(st, eng, logger)
	if err := sweeper.Start(tasks, cfg.sweepInterval()); err != nil {
		return err
	}
	defer sweeper.Stop()

	stopVacuum := tasks.Every(cfg.vacuumInterval(), func(ctx context.Context) {
		if err := st.Vacuum(ctx); err != nil {
			logger.WarnContext(ctx, "vacuum failed", "error", err)
		}
	})
	defer stopVacuum()

	logger.Info("cascade started",
		slog.String("db_path", cfg.DBPath),
		slog.Int("actions", registry.Count()),
	)
	return srv.Serve(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}
