package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/agent/core"
	"github.com/mohammad-safakhou/researcher/internal/agent/telemetry"
	"github.com/mohammad-safakhou/researcher/internal/artifact"
	"github.com/mohammad-safakhou/researcher/internal/capability"
	"github.com/mohammad-safakhou/researcher/internal/helpers"
	"github.com/mohammad-safakhou/researcher/internal/human"
	"github.com/mohammad-safakhou/researcher/internal/logging"
	"github.com/mohammad-safakhou/researcher/internal/observer"
	"github.com/mohammad-safakhou/researcher/internal/reasoner"
	"github.com/mohammad-safakhou/researcher/internal/runtime"
	"github.com/mohammad-safakhou/researcher/internal/store"
	"github.com/mohammad-safakhou/researcher/tools"
)

const serviceVersion = "0.1.0"

// app is the process-wide object graph shared by the commands.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	metrics   *telemetry.Metrics
	telemetry *runtime.Telemetry
	rdb       *redis.Client
	store     *store.Store
	artifacts artifact.Store
	human     human.Channel
	tools     *capability.Registry
	orch      *core.Orchestrator

	closers []func()
}

// loadApp reads configuration and builds everything but the orchestrator's
// extra observers. extra observers (such as a terminal progress channel)
// are appended after the configured ones.
func loadApp(ctx context.Context, cfgPath string, extra ...observer.Observer) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(cfg.General.LogLevel, cfg.General.LogFormat)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, metrics: telemetry.NewMetrics()}
	if err := a.build(ctx, extra); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context, extra []observer.Observer) error {
	cfg := a.cfg
	tel, _, _, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
		ServiceName:    "researcher",
		ServiceVersion: serviceVersion,
		Registry:       a.metrics.Registry(),
		Logger:         a.logger,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	a.telemetry = tel

	if cfg.Storage.Redis.Enabled() {
		rdb, err := runtime.ConnectRedis(ctx, cfg.Storage.Redis)
		if err != nil {
			return err
		}
		a.rdb = rdb
		a.closers = append(a.closers, func() { _ = rdb.Close() })
	}
	if cfg.Storage.Postgres.Enabled() {
		st, err := store.New(ctx, cfg.Storage.Postgres, a.logger)
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
		a.store = st
		a.closers = append(a.closers, func() { _ = st.Close() })
	}

	a.artifacts, err = artifact.New(cfg.Artifacts, a.rdb,
		artifact.WithLogger(a.logger),
		artifact.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	a.human, err = human.New(cfg.Human, a.rdb, human.WithLogger(a.logger))
	if err != nil {
		return err
	}

	a.tools = capability.NewRegistry(capability.WithLogger(a.logger), capability.WithMetrics(a.metrics))
	if err := tools.Register(a.tools, cfg.Tools, a.rdb, a.logger); err != nil {
		return fmt.Errorf("tools: %w", err)
	}

	router, err := reasoner.NewRouter(cfg.LLM, cfg.Reasoner, a.logger, a.metrics)
	if err != nil {
		return fmt.Errorf("reasoner: %w", err)
	}
	tokens, err := helpers.NewTokenBudget()
	if err != nil {
		// estimation still bounds the prompt, only less precisely
		a.logger.Warn("tokenizer unavailable, estimating token counts", zap.Error(err))
		tokens = nil
	}

	obs, err := a.observers(extra)
	if err != nil {
		return err
	}
	opts := []core.Option{
		core.WithHumanChannel(a.human),
		core.WithObserver(obs),
		core.WithTokenBudget(tokens),
		core.WithLogger(a.logger),
		core.WithMetrics(a.metrics),
	}
	if a.store != nil {
		opts = append(opts, core.WithRecorder(a.store))
	}
	a.orch, err = core.New(cfg.Orchestrator, core.ReasonersFromRouter(router), a.tools, a.artifacts, opts...)
	return err
}

func (a *app) observers(extra []observer.Observer) (observer.Observer, error) {
	multi := observer.Multi{observer.NewLog(a.logger)}
	switch a.cfg.Observer.Backend {
	case "", "log":
	case "redis":
		if a.rdb == nil {
			return nil, fmt.Errorf("observer backend redis requires storage.redis")
		}
		s, err := observer.NewStream(a.rdb, a.cfg.Observer.Stream, a.cfg.Observer.MaxLen,
			observer.WithQueueSize(a.cfg.Observer.QueueSize),
			observer.WithStreamLogger(a.logger),
			observer.WithStreamMetrics(a.metrics))
		if err != nil {
			return nil, fmt.Errorf("observer stream: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		multi = append(multi, s)
	default:
		return nil, fmt.Errorf("unknown observer backend %q", a.cfg.Observer.Backend)
	}
	if a.store != nil {
		async := observer.NewAsync(a.store, 512, 5*time.Second, a.logger, a.metrics)
		// drain before the database handle closes
		a.closers = append(a.closers, async.Close)
		multi = append(multi, async)
	}
	return append(multi, extra...), nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
