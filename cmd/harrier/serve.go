package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/harrier/internal/api"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the detection worker, scheduler and ops server until signalled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfgFile)
	if err != nil {
		return err
	}

	a.logger.Info("starting harrier",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	if err := a.worker.Start(a.cfg.Worker); err != nil {
		a.close(context.Background())
		return err
	}
	a.logger.Info("worker started",
		"tenants", len(a.cfg.Worker.Tenants),
		"interval", a.cfg.Worker.Interval.String(),
	)

	srv := api.NewServer(a.cfg.Server, Version,
		api.WithLogger(a.logger),
		api.WithCheck("repository", a.repo),
		api.WithCheck("cache", a.cache),
		api.WithCheck("eventbus", a.bus),
		api.WithMetricsHandler(a.metrics.Handler()),
		api.WithRunRequester(a.worker),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()
	a.logger.Info("harrier is ready", "addr", srv.Addr())

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err = <-serverErr:
		a.logger.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server forced to shutdown", "error", err)
	}
	a.close(shutdownCtx)

	a.logger.Info("harrier shutdown complete")
	return err
}
