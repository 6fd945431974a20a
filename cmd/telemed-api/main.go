// Package main provides the telemedicine compliance API entry point.
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

	"github.com/telecare/telemed/internal/api"
	"github.com/telecare/telemed/internal/app"
	"github.com/telecare/telemed/internal/config"
	"github.com/telecare/telemed/internal/observability/metrics"
	"github.com/telecare/telemed/internal/observability/tracing"
)

const serviceName = "telemed-api"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.FromConfig(serviceName, cfg.Tracing))
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	m := metrics.New(prometheus.DefaultRegisterer)

	a, err := app.New(ctx, cfg, m, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	deps := api.Deps{
		Medications: a.Medications,
		Compliance:  a.Compliance,
		Metrics:     m,
		Checks:      map[string]api.ReadinessCheck{},
		APIKey:      cfg.Server.APIKey,
		ServiceName: serviceName,
		Logger:      logger,
	}
	if a.Pool != nil {
		deps.Checks["postgres"] = a.Pool.Ping
	}
	if a.Redis != nil {
		deps.Checks["redis"] = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
	}
	if a.Inbox != nil {
		a.Inbox.StartCleanup()
		deps.Inbox = a.Inbox
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler: metrics.Handler(prometheus.DefaultGatherer),
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("starting API", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		logger.Info("starting metrics server", zap.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Error("api shutdown", zap.Error(serr))
	}
	if serr := metricsServer.Shutdown(shutdownCtx); serr != nil {
		logger.Error("metrics shutdown", zap.Error(serr))
	}

	logger.Info("server stopped")
	return err
}
