// Package app assembles the storage, locking, scheduling and domain services
// shared by the API server and the scan job.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/telecare/telemed/internal/api/handlers"
	"github.com/telecare/telemed/internal/config"
	"github.com/telecare/telemed/internal/domain/compliance"
	"github.com/telecare/telemed/internal/domain/medication"
	"github.com/telecare/telemed/internal/infrastructure/memory"
	"github.com/telecare/telemed/internal/infrastructure/postgres"
	"github.com/telecare/telemed/internal/infrastructure/redis"
	"github.com/telecare/telemed/internal/infrastructure/scheduling"
	"github.com/telecare/telemed/internal/observability/metrics"
	"github.com/telecare/telemed/pkg/circuitbreaker"
	"github.com/telecare/telemed/pkg/idempotency"
)

// App holds the wired services and the connections behind them.
type App struct {
	Medications *medication.Service
	Compliance  *compliance.Service
	// Inbox is nil on in-memory storage.
	Inbox *idempotency.Inbox

	Pool  *pgxpool.Pool
	Redis *goredis.Client

	logger *zap.Logger
}

// New connects to the configured backends and builds the services. An empty
// database DSN selects in-memory storage and an empty Redis address a
// process-local lock. m may be nil.
func New(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{logger: logger}

	var (
		meds      medication.Repository
		logs      medication.IntakeLogRepository
		followups compliance.FollowUpRepository
	)
	if cfg.Database.DSN == "" {
		logger.Warn("no database configured, using in-memory storage")
		store := memory.NewMedicationStore()
		meds, logs = store, store
		followups = memory.NewFollowUpStore()
	} else {
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.Pool = pool
		if cfg.Database.AutoMigrate {
			if err := postgres.Migrate(ctx, pool, logger); err != nil {
				a.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		repo := postgres.NewMedicationRepository(pool, logger)
		meds, logs = repo, repo
		followups = postgres.NewFollowUpRepository(pool, logger)

		inboxCfg := idempotency.DefaultInboxConfig()
		inboxCfg.IsTerminal = handlers.IsClientError
		a.Inbox = idempotency.NewInbox(pool, inboxCfg, logger)
	}

	opts := []compliance.PlannerOption{
		compliance.WithConfig(compliance.PlannerConfig{
			DedupWindow: cfg.Compliance.DedupWindow,
			LockTTL:     cfg.Compliance.LockTTL,
		}),
	}
	if m != nil {
		opts = append(opts, compliance.WithRecorder(m))
	}

	if cfg.Redis.Addr != "" {
		client, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Redis = client
		opts = append(opts, compliance.WithLocker(redis.NewLocker(client, logger)))
	} else {
		opts = append(opts, compliance.WithLocker(memory.NewLocker()))
	}

	if cfg.Scheduling.BaseURL != "" {
		var onChange func(name string, from, to circuitbreaker.State)
		if m != nil {
			onChange = func(name string, _, to circuitbreaker.State) {
				m.BreakerState(name, string(to))
			}
		}
		client, err := scheduling.New(cfg.Scheduling, onChange, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		opts = append(opts, compliance.WithScheduler(client))
	}

	planner := compliance.NewPlanner(meds, logs, followups, logger, opts...)
	a.Medications = medication.NewService(meds, logs, logger)
	a.Compliance = compliance.NewService(meds, logs, followups, planner, logger).
		WithAtRiskThreshold(cfg.Compliance.AtRiskThreshold)
	return a, nil
}

// Ping checks the external backends in use.
func (a *App) Ping(ctx context.Context) error {
	var errs []error
	if a.Pool != nil {
		if err := a.Pool.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close releases connections.
func (a *App) Close() {
	if a.Inbox != nil {
		a.Inbox.Stop()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.logger.Warn("close redis", zap.Error(err))
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
