package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/avelara/machina/internal/command"
	"github.com/avelara/machina/internal/engine"
	"github.com/avelara/machina/internal/expressions"
	"github.com/avelara/machina/internal/lifecycle"
	"github.com/avelara/machina/internal/logging"
	"github.com/avelara/machina/internal/provider"
	"github.com/avelara/machina/internal/schedule"
	"github.com/avelara/machina/internal/steps"
	"github.com/avelara/machina/internal/store"
	"github.com/avelara/machina/internal/validation"
	"github.com/avelara/machina/pkg/mcp"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		printVersion()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "machina: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	// Logs go to stderr; stdout belongs to the MCP transport.
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}),
	))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store: libSQL when a path is configured, in-memory otherwise.
	var st store.Store
	if cfg.DBPath != "" {
		libsql, err := store.NewLibSQLStore(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open store at %s: %w", cfg.DBPath, err)
		}
		if err := libsql.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate store: %w", err)
		}
		if cfg.VacuumOnStart {
			if err := libsql.Vacuum(ctx); err != nil {
				logger.Warn("store vacuum failed", "error", err)
			}
		}
		st = libsql
		logger.Info("using libsql store", "path", cfg.DBPath)
	} else {
		st = store.NewMemoryStore()
		logger.Info("using in-memory store")
	}
	defer st.Close()

	events := store.NewEventLog(st)

	prov := provider.WithBreaker(provider.NewLocalProvider(), provider.DefaultBreakerConfig())
	manager := lifecycle.NewManager(prov, st, events, nil, logger)
	runner := command.NewRunner(prov, st, events, logger)

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("build cel engine: %w", err)
	}
	engines := map[string]expressions.Engine{
		"cel":  cel,
		"expr": expressions.NewExprEngine(),
	}
	jq := expressions.NewGoJQEngine()

	registry := steps.NewRegistry()
	for _, executor := range []steps.Executor{
		steps.NewCreateInstanceExecutor(manager),
		steps.NewExecuteCommandExecutor(runner, st, jq),
		steps.NewWaitExecutor(nil, events),
		steps.NewDestroyInstanceExecutor(manager, st),
	} {
		if err := registry.Register(executor); err != nil {
			return fmt.Errorf("register step executor: %w", err)
		}
	}
	if err := registry.Register(steps.NewConditionalExecutor(engines, registry, events)); err != nil {
		return fmt.Errorf("register step executor: %w", err)
	}

	scheduler := engine.NewScheduler(st, events, registry, engine.SchedulerConfig{PoolSize: cfg.PoolSize}, logger)
	defer scheduler.Shutdown()

	validator, err := validation.NewWorkflowValidator()
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}

	service := engine.NewService(st, events, scheduler, validator, logger)
	defer service.Shutdown()

	if n, err := service.RecoverInterrupted(ctx); err != nil {
		logger.Warn("interrupted execution recovery failed", "error", err)
	} else if n > 0 {
		logger.Info("recovered interrupted executions", "count", n)
	}

	cron := schedule.NewScheduler(st, service, logger)
	if cfg.Scheduler {
		if cfg.RecoverMissed {
			if err := cron.RecoverMissed(ctx); err != nil {
				logger.Warn("missed schedule recovery failed", "error", err)
			}
		}
		if err := cron.Start(ctx); err != nil {
			return fmt.Errorf("start schedule loop: %w", err)
		}
		defer func() {
			if err := cron.Stop(); err != nil {
				logger.Warn("schedule loop stop failed", "error", err)
			}
		}()
	}

	srv := mcp.NewMachinaServer(mcp.MachinaServerDeps{
		Service:   service,
		Schedules: cron,
		Store:     st,
		Logger:    logger,
		Version:   version,
	})

	logger.Info("machina serving on stdio", "version", version, "pool_size", cfg.PoolSize)
	return srv.Serve(ctx)
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
