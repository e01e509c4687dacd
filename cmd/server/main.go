package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"consentd/internal/platform/config"
	"consentd/internal/platform/logger"
)

// main loads configuration and runs the server until SIGINT or SIGTERM.
// Wiring lives in wire.go; business logic lives in internal/consent.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("consentd stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	app, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting consentd", "addr", cfg.Server.Addr, "storage", app.storage)
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return app.enforcer.Run(gctx)
	})
	if app.mirror != nil {
		g.Go(func() error {
			return app.mirror.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down consentd")
		return app.server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
