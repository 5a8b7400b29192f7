// Command playbooks runs the playbook orchestrator: the message bus, the run
// saga with its step worker, the platform event router and the scheduler.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/playbooks/internal/bus"
	"github.com/rendis/playbooks/internal/enrichment"
	"github.com/rendis/playbooks/internal/logging"
	"github.com/rendis/playbooks/internal/saga"
	"github.com/rendis/playbooks/internal/scheduler"
	"github.com/rendis/playbooks/internal/steps"
	"github.com/rendis/playbooks/internal/store"
	"github.com/rendis/playbooks/internal/streaming"
	"github.com/rendis/playbooks/internal/templates"
	"github.com/rendis/playbooks/internal/triggers"
	"github.com/rendis/playbooks/internal/validation"
	"github.com/rendis/playbooks/internal/workers"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "playbooks: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug(fmt.Sprintf(format, args...))
	}))
	defer undo()
	if err != nil {
		logger.Warn("could not set GOMAXPROCS", slog.String("error", err.Error()))
	}

	deadlock.Opts.DeadlockTimeout = cfg.LockWaitTimeout
	deadlock.Opts.OnPotentialDeadlock = func() {
		logger.Error("potential deadlock on a run lock", slog.Duration("timeout", cfg.LockWaitTimeout))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("playbooks stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("playbooks stopped")
}

func newLogger(cfg Config, w io.Writer) *slog.Logger {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		h = tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	}
	return slog.New(logging.NewCorrelationHandler(h))
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.DBDriver {
	case "memory":
		st, err = store.NewMemoryStore()
	case store.DialectLibSQL:
		if path, ok := strings.CutPrefix(cfg.DBDSN, "file:"); ok {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		st, err = store.NewSQLStore(cfg.DBDriver, cfg.DBDSN)
	default:
		st, err = store.NewSQLStore(cfg.DBDriver, cfg.DBDSN)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

// run wires every component and blocks until ctx ends or one of them fails.
func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info("store ready", slog.String("driver", cfg.DBDriver))

	registry := steps.NewRegistry()
	if err := steps.RegisterBuiltins(registry); err != nil {
		return err
	}

	celFilter, err := triggers.NewCELFilter()
	if err != nil {
		return err
	}
	extractor := triggers.NewExtractor()

	if cfg.SeedFile != "" {
		validator, err := validation.NewDefinitionValidator(registry, triggers.NewChecker(celFilter, extractor))
		if err != nil {
			return err
		}
		s := &seeder{store: st, validator: validator, logger: logger}
		if err := s.loadFile(ctx, cfg.SeedFile); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}

	inputs, err := validation.NewSchemaValidator()
	if err != nil {
		return err
	}
	executor := steps.NewExecutor(steps.ExecutorConfig{
		Registry:  registry,
		Templates: templates.NewEvaluator(),
		Inputs:    inputs,
		Logger:    logger,
	})

	b := bus.NewMemoryBus(bus.Config{
		Partitions:      cfg.Partitions,
		MaxRedeliveries: cfg.MaxRedeliveries,
		RedeliveryDelay: cfg.RedeliveryDelay,
	}, logger)
	b.OnDeadLetter(func(dl bus.DeadLetter) {
		logger.Error("message dead-lettered",
			slog.String("type", dl.Message.MessageType()),
			slog.String("subscription", dl.Subscription),
			slog.Int("attempts", dl.Attempts),
			slog.String("error", dl.Err.Error()))
	})

	filters := saga.Filters{
		Run:          enrichment.NewRunFilter(st, logger),
		Group:        enrichment.NewRunGroupFilter(st, logger),
		Organization: enrichment.NewOrganizationFilter(st, logger),
	}
	saga.New(saga.Config{
		Store:         st,
		Publisher:     b,
		Executor:      executor,
		Logger:        logger,
		MaxIterations: cfg.MaxIterations,
	}).Register(b, filters)
	saga.NewStepWorker(executor, b, logger).Register(b, filters)
	triggers.NewRouter(st, b, celFilter, extractor, logger).Register(b, filters.Organization)

	hub := streaming.NewMemoryHub(0)
	streaming.NewBridge(hub, logger).Register(b)
	events, unsubscribe, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer unsubscribe()

	pool := workers.NewPool("scheduler", cfg.PoolSize, logger)
	defer pool.Shutdown()
	sched := scheduler.NewScheduler(st, b, pool, scheduler.Config{
		ScheduleInterval: cfg.ScheduleInterval,
		SweepInterval:    cfg.ResumeSweepInterval,
		Logger:           logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		logLifecycle(gctx, logger, events)
		return nil
	})

	logger.Info("playbooks started",
		slog.Int("partitions", cfg.Partitions),
		slog.Int("pool_size", cfg.PoolSize),
		slog.Int("step_types", registry.Count()))
	return g.Wait()
}

// logLifecycle writes every streamed lifecycle event to the log.
func logLifecycle(ctx context.Context, logger *slog.Logger, events <-chan streaming.StreamEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			attrs := []any{
				slog.String("type", ev.Type),
				slog.String("playbook_id", ev.PlaybookID.String()),
				slog.String("state", ev.State),
			}
			if ev.GroupID != nil {
				attrs = append(attrs, slog.String("group_id", ev.GroupID.String()))
			} else {
				attrs = append(attrs, slog.String("run_id", ev.RunID.String()))
			}
			logger.DebugContext(ctx, "lifecycle", attrs...)
		}
	}
}
