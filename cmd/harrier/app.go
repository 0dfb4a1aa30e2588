package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/config"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/engine"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/telemetry"
	"github.com/opensource-finance/harrier/internal/worker"
)

// app holds the wired collaborators shared by every command.
type app struct {
	cfg     *domain.Config
	logger  *slog.Logger
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	metrics *metrics.Metrics
	engine  *engine.Engine
	worker  *worker.Worker

	closers []func(context.Context) error
}

func newApp(ctx context.Context, path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	a.logger = telemetry.SetupLogger(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(a.logger)

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Tracing)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdownTracing)

	a.logger.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"tracing", cfg.Tracing.Enabled,
	)

	if a.repo, err = repository.New(cfg.Repository); err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.repo.Close() })

	if a.cache, err = cache.New(cfg.Cache); err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.cache.Close() })

	if a.bus, err = bus.New(cfg.EventBus); err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("failed to initialize event bus: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.bus.Close() })

	a.metrics = metrics.New()
	a.engine, err = engine.New(cfg.Detection,
		engine.WithLogger(a.logger),
		engine.WithMetrics(a.metrics),
		engine.WithClaimer(cache.NewClaimer(a.cache, cfg.Cache.ClaimTTL)),
	)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}

	a.worker = worker.New(a.bus, a.repo, a.engine,
		worker.WithLogger(a.logger),
		worker.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, func(context.Context) error { return a.worker.Stop() })
	return a, nil
}

// close releases collaborators in reverse order of creation.
func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Error("shutdown step failed", "error", err)
		}
	}
	a.closers = nil
}
