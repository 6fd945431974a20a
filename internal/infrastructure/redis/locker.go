// Package redis provides a Redis-backed lock for serializing follow-up
// evaluation across API replicas and scan jobs.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/telecare/telemed/internal/config"
	"github.com/telecare/telemed/internal/domain/compliance"
)

// releaseScript deletes the key only while it still holds our token, so an
// expired lock re-acquired by another evaluator is left alone.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker implements compliance.Locker with SET NX PX.
type Locker struct {
	client goredis.UniversalClient
	logger *zap.Logger
	tracer trace.Tracer
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// NewLocker wraps an existing client.
func NewLocker(client goredis.UniversalClient, logger *zap.Logger) *Locker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locker{
		client: client,
		logger: logger,
		tracer: otel.Tracer("redis-locker"),
	}
}

// Lock acquires key for ttl. The returned unlock releases the key only if
// it is still owned by this call.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	ctx, span := l.tracer.Start(ctx, "redis_lock",
		trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		span.SetAttributes(attribute.Bool("contended", true))
		return nil, compliance.ErrLocked
	}

	return func() {
		// The caller's context may already be canceled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
			l.logger.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}
