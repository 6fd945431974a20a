// Package main runs the outbox relay that publishes committed medication and
// follow-up events to Redpanda.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/telecare/telemed/internal/config"
	"github.com/telecare/telemed/internal/infrastructure/postgres"
	"github.com/telecare/telemed/internal/infrastructure/redpanda"
	"github.com/telecare/telemed/internal/observability/metrics"
	"github.com/telecare/telemed/internal/observability/tracing"
)

const serviceName = "outbox-relay"

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
	if cfg.Database.DSN == "" {
		return errors.New("outbox relay requires DATABASE_DSN")
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
	defer tp.Shutdown(context.Background())

	m := metrics.New(prometheus.DefaultRegisterer)

	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info("connected to database")

	if cfg.Kafka.EnsureTopics {
		admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger)
		if err != nil {
			return err
		}
		err = admin.EnsureTopics(ctx, redpanda.TopicConfigs(cfg.Kafka))
		admin.Close()
		if err != nil {
			return fmt.Errorf("ensure topics: %w", err)
		}
	}

	producer, err := redpanda.NewProducer(redpanda.ProducerConfigFrom(cfg.Kafka), logger)
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Kafka.Brokers))

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.BatchSize = cfg.Outbox.BatchSize
	outboxCfg.PollInterval = cfg.Outbox.PollInterval
	outboxCfg.MaxRetries = cfg.Outbox.MaxRetries

	outbox := postgres.NewOutbox(pool, producer, outboxCfg, logger).WithRecorder(m)
	outbox.Start()

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler: metrics.Handler(prometheus.DefaultGatherer),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	maintain(ctx, outbox, cfg.Outbox, logger)

	logger.Info("shutting down")
	outbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown", zap.Error(err))
	}

	stats := producer.Stats()
	logger.Info("outbox relay stopped",
		zap.Int64("messages_sent", stats.MessagesSent),
		zap.Int64("errors", stats.ErrorCount))
	return nil
}

// maintain dead-letters exhausted entries and prunes processed ones until ctx
// is canceled.
func maintain(ctx context.Context, outbox *postgres.Outbox, cfg config.OutboxConfig, logger *zap.Logger) {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := outbox.MoveToDeadLetter(ctx); err != nil {
				logger.Error("dead-letter move failed", zap.Error(err))
			} else if n > 0 {
				logger.Warn("moved outbox entries to dead letter", zap.Int64("count", n))
			}
			if _, err := outbox.CleanupProcessed(ctx, cfg.Retention); err != nil {
				logger.Error("outbox cleanup failed", zap.Error(err))
			}
			if _, err := outbox.GetStats(ctx); err != nil {
				logger.Error("outbox stats failed", zap.Error(err))
			}
		}
	}
}
