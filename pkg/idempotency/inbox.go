// Package idempotency provides the Inbox pattern for exactly-once request
// processing. Keys are derived from the caller, the route and the client's
// Idempotency-Key header.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrDuplicateMessage indicates another caller won the race to start the key.
	ErrDuplicateMessage = errors.New("duplicate request: already processed")
	// ErrMessageInProgress indicates the key is being processed right now.
	ErrMessageInProgress = errors.New("request in progress")
	// ErrKeyReused indicates the key was first used with a different payload.
	ErrKeyReused = errors.New("idempotency key reused with a different payload")
	// ErrPreviouslyFailed indicates the key failed permanently before.
	ErrPreviouslyFailed = errors.New("request previously failed")
)

// DB is the subset of *pgxpool.Pool the inbox uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// InboxEntry represents an idempotency inbox record
type InboxEntry struct {
	IdempotencyKey string
	HandlerName    string
	Status         Status
	PayloadHash    string
	Payload        json.RawMessage
	Result         json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
}

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// DefaultTTL is the default time-to-live for inbox entries
	DefaultTTL time.Duration
	// CleanupInterval is how often to clean expired entries
	CleanupInterval time.Duration
	// RecoveryTimeout is when to consider a STARTED entry as stale
	RecoveryTimeout time.Duration
	// IsTerminal reports handler errors that must not be retried under the
	// same key. Nil uses a message-based default.
	IsTerminal func(error) bool
}

// DefaultInboxConfig returns sensible defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      24 * time.Hour,
		CleanupInterval: 1 * time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Inbox manages idempotent request processing
type Inbox struct {
	db     DB
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
}

// NewInbox creates a new inbox manager
func NewInbox(db DB, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IsTerminal == nil {
		cfg.IsTerminal = isTerminalError
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Inbox{
		db:     db,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	// Replayed is true when Result comes from an earlier call.
	Replayed     bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context) (json.RawMessage, error)

// Process runs fn at most once per key. A finished key replays its stored
// result; a key first used with another payload fails with ErrKeyReused.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	hash := PayloadHash(payload)

	entry, err := i.getEntry(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to check inbox: %w", err)
	}

	if entry != nil {
		if entry.PayloadHash != hash || entry.HandlerName != handlerName {
			span.SetAttributes(attribute.Bool("key_reused", true))
			return nil, ErrKeyReused
		}

		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{Replayed: true, Result: entry.Result}, nil

		case StatusFailed:
			span.SetAttributes(attribute.Bool("previously_failed", true))
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)

		case StatusStarted:
			if i.now().Sub(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrMessageInProgress
			}
			// Stale start: the previous attempt crashed.
			if err := i.markRecoverable(ctx, key); err != nil {
				return nil, fmt.Errorf("failed to mark recoverable: %w", err)
			}

		case StatusRecoverable:
			span.SetAttributes(attribute.Bool("recovered", true))
		}
	}

	if err := i.startProcessing(ctx, key, handlerName, hash, payload); err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to start processing: %w", err)
	}

	result, handlerErr := fn(ctx)
	if handlerErr != nil {
		status := StatusRecoverable
		if i.config.IsTerminal(handlerErr) {
			status = StatusFailed
		}
		if err := i.markError(ctx, key, status, handlerErr.Error()); err != nil {
			i.logger.Error("failed to mark error status", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.markFinished(ctx, key, result); err != nil {
		// The handler succeeded; a retry will run it again.
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}

	return &ProcessResult{
		WasRecovered: entry != nil,
		Result:       result,
	}, nil
}

// RequestKey derives an inbox key scoping a client-supplied key to the
// caller and route.
func RequestKey(actor, route, clientKey string) string {
	data := strings.Join([]string{actor, route, strings.TrimSpace(clientKey)}, "|")
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// PayloadHash fingerprints a request payload.
func PayloadHash(payload []byte) string {
	hash := sha256.Sum256(payload)
	return hex.EncodeToString(hash[:])
}

func (i *Inbox) getEntry(ctx context.Context, key string) (*InboxEntry, error) {
	query := `
		SELECT idempotency_key, handler_name, status, payload_hash, payload, result, created_at, updated_at, expires_at
		FROM inbox
		WHERE idempotency_key = $1
	`

	entry := &InboxEntry{}
	err := i.db.QueryRow(ctx, query, key).Scan(
		&entry.IdempotencyKey, &entry.HandlerName, &entry.Status, &entry.PayloadHash,
		&entry.Payload, &entry.Result, &entry.CreatedAt, &entry.UpdatedAt, &entry.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (i *Inbox) startProcessing(ctx context.Context, key, handlerName, hash string, payload json.RawMessage) error {
	expiresAt := i.now().Add(i.config.DefaultTTL)

	query := `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload_hash, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key
	`

	var returned string
	err := i.db.QueryRow(ctx, query, key, handlerName, StatusStarted, hash, payload, expiresAt).Scan(&returned)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDuplicateMessage
		}
		return err
	}
	return nil
}

func (i *Inbox) markFinished(ctx context.Context, key string, result json.RawMessage) error {
	query := `
		UPDATE inbox
		SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3
	`
	_, err := i.db.Exec(ctx, query, StatusFinished, result, key)
	return err
}

func (i *Inbox) markRecoverable(ctx context.Context, key string) error {
	query := `
		UPDATE inbox
		SET status = $1, updated_at = NOW()
		WHERE idempotency_key = $2
	`
	_, err := i.db.Exec(ctx, query, StatusRecoverable, key)
	return err
}

func (i *Inbox) markError(ctx context.Context, key string, status Status, errMsg string) error {
	query := `
		UPDATE inbox
		SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3
	`
	result, _ := json.Marshal(map[string]string{"error": errMsg})
	_, err := i.db.Exec(ctx, query, status, json.RawMessage(result), key)
	return err
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup() {
	if !i.started.CompareAndSwap(false, true) {
		return
	}
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the inbox cleanup. It is safe to call without StartCleanup.
func (i *Inbox) Stop() {
	i.cancel()
	if i.started.Load() {
		<-i.done
	}
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			if _, err := i.Cleanup(i.ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
			if n, err := i.RecoverStaleEntries(i.ctx); err != nil {
				i.logger.Error("inbox recovery failed", zap.Error(err))
			} else if n > 0 {
				i.logger.Info("recovered stale inbox entries", zap.Int64("count", n))
			}
		}
	}
}

// Cleanup removes expired entries.
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	result, err := i.db.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	if result.RowsAffected() > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", result.RowsAffected()))
	}
	return result.RowsAffected(), nil
}

// RecoverStaleEntries marks stale STARTED entries as RECOVERABLE
func (i *Inbox) RecoverStaleEntries(ctx context.Context) (int64, error) {
	query := `
		UPDATE inbox
		SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED'
		  AND updated_at < $1
	`
	result, err := i.db.Exec(ctx, query, i.now().Add(-i.config.RecoveryTimeout))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// isTerminalError treats validation and lookup failures as permanent.
func isTerminalError(err error) bool {
	errStr := strings.ToLower(err.Error())
	terminalPhrases := []string{
		"validation",
		"invalid",
		"not found",
		"unauthorized",
		"forbidden",
	}
	for _, phrase := range terminalPhrases {
		if strings.Contains(errStr, phrase) {
			return true
		}
	}
	return false
}
