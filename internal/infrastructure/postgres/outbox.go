// Package postgres implements the medication and follow-up repositories on
// PostgreSQL and relays their events through a transactional outbox.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/telecare/telemed/internal/events"
)

var outboxColumns = []string{
	"id", "aggregate_id", "aggregate_type", "event_type", "payload",
	"kafka_topic", "kafka_key", "created_at", "retry_count", "last_error",
}

// OutboxEntry is one committed event awaiting publication.
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig holds relay settings.
type OutboxConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxRetries failed publishes move an entry to the dead letter topic.
	MaxRetries int
	// LockID is the advisory lock that keeps a single relay active.
	LockID int64
}

// DefaultOutboxConfig returns the standard relay settings
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:    100,
		PollInterval: 500 * time.Millisecond,
		MaxRetries:   5,
		LockID:       7_340_021,
	}
}

// OutboxPublisher delivers one message to the broker.
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// OutboxRecorder receives relay measurements.
type OutboxRecorder interface {
	OutboxPublished(eventType string)
	OutboxFailed(eventType string)
	OutboxPending(n int64)
}

type nopOutboxRecorder struct{}

func (nopOutboxRecorder) OutboxPublished(string) {}
func (nopOutboxRecorder) OutboxFailed(string)    {}
func (nopOutboxRecorder) OutboxPending(int64)    {}

// Outbox relays committed medication and follow-up events to the broker.
type Outbox struct {
	db        DB
	config    OutboxConfig
	publisher OutboxPublisher
	recorder  OutboxRecorder
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a relay over db.
func NewOutbox(db DB, publisher OutboxPublisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Outbox{
		db:        db,
		config:    cfg,
		publisher: publisher,
		recorder:  nopOutboxRecorder{},
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WithRecorder sets the metrics sink.
func (o *Outbox) WithRecorder(r OutboxRecorder) *Outbox {
	if r != nil {
		o.recorder = r
	}
	return o
}

// WriteEntry appends entry to the outbox inside tx, so the event commits or
// rolls back with the change that produced it.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	sql, args, err := psql.Insert("outbox").
		Columns("aggregate_id", "aggregate_type", "event_type", "payload", "kafka_topic", "kafka_key").
		Values(entry.AggregateID, entry.AggregateType, entry.EventType, entry.Payload, entry.KafkaTopic, entry.KafkaKey).
		Suffix("RETURNING id, created_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build outbox insert: %w", err)
	}
	if err := tx.QueryRow(ctx, sql, args...).Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Start polls for entries every PollInterval until Stop.
func (o *Outbox) Start() {
	go o.processLoop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop ends polling and waits for the current batch.
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.ProcessBatch(o.ctx)
		}
	}
}

// ProcessBatch publishes one batch of pending entries and returns how many
// were published. It does nothing while another relay holds the lock.
func (o *Outbox) ProcessBatch(ctx context.Context) int {
	ctx, span := o.tracer.Start(ctx, "outbox_process_batch")
	defer span.End()

	var acquired bool
	err := o.db.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", o.config.LockID).Scan(&acquired)
	if err != nil || !acquired {
		return 0
	}
	defer o.db.Exec(ctx, "SELECT pg_advisory_unlock($1)", o.config.LockID)

	entries, err := o.fetchUnprocessed(ctx)
	if err != nil {
		o.logger.Error("failed to fetch outbox entries", zap.Error(err))
		span.RecordError(err)
		return 0
	}

	if len(entries) == 0 {
		return 0
	}

	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	published := 0
	for _, entry := range entries {
		if err := o.processEntry(ctx, entry); err != nil {
			o.recorder.OutboxFailed(entry.EventType)
			o.logger.Error("failed to process outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Error(err))
			continue
		}
		o.recorder.OutboxPublished(entry.EventType)
		published++
	}
	return published
}

// fetchUnprocessed locks the next batch of publishable entries.
func (o *Outbox) fetchUnprocessed(ctx context.Context) ([]*OutboxEntry, error) {
	return o.selectEntries(ctx, psql.Select(outboxColumns...).
		From("outbox").
		Where(squirrel.Eq{"processed_at": nil}).
		Where(squirrel.Lt{"retry_count": o.config.MaxRetries}).
		OrderBy("created_at ASC").
		Limit(uint64(o.config.BatchSize)).
		Suffix("FOR UPDATE SKIP LOCKED"))
}

func (o *Outbox) selectEntries(ctx context.Context, q squirrel.SelectBuilder) ([]*OutboxEntry, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build outbox query: %w", err)
	}
	rows, err := o.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(
			&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.KafkaTopic, &e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (o *Outbox) exec(ctx context.Context, q squirrel.Sqlizer) (int64, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build outbox statement: %w", err)
	}
	tag, err := o.db.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (o *Outbox) markProcessed(ctx context.Context, id int64) error {
	_, err := o.exec(ctx, psql.Update("outbox").
		Set("processed_at", squirrel.Expr("NOW()")).
		Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"id": id}))
	return err
}

// processEntry publishes one entry. A failed publish bumps its retry count so
// it eventually lands in the dead letter topic.
func (o *Outbox) processEntry(ctx context.Context, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload); err != nil {
		span.RecordError(err)
		if _, uerr := o.exec(ctx, psql.Update("outbox").
			Set("retry_count", squirrel.Expr("retry_count + 1")).
			Set("last_error", err.Error()).
			Set("updated_at", squirrel.Expr("NOW()")).
			Where(squirrel.Eq{"id": entry.ID})); uerr != nil {
			o.logger.Error("failed to record outbox retry", zap.Int64("id", entry.ID), zap.Error(uerr))
		}
		return fmt.Errorf("publish %s: %w", entry.EventType, err)
	}

	if err := o.markProcessed(ctx, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark outbox entry processed: %w", err)
	}

	o.logger.Debug("outbox entry published",
		zap.Int64("id", entry.ID),
		zap.String("topic", entry.KafkaTopic))
	return nil
}

// CleanupProcessed deletes entries published more than olderThan ago.
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := o.exec(ctx, psql.Delete("outbox").
		Where(squirrel.NotEq{"processed_at": nil}).
		Where(squirrel.Lt{"processed_at": time.Now().Add(-olderThan)}))
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	if n > 0 {
		o.logger.Info("outbox cleanup completed", zap.Int64("deleted", n))
	}
	return n, nil
}

// DeadLetter is published for an entry that exhausted its retries.
type DeadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MoveToDeadLetter publishes exhausted entries to the dead letter topic and
// retires them. It returns how many were moved.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	exhausted, err := o.selectEntries(ctx, psql.Select(outboxColumns...).
		From("outbox").
		Where(squirrel.Eq{"processed_at": nil}).
		Where(squirrel.GtOrEq{"retry_count": o.config.MaxRetries}).
		OrderBy("created_at ASC").
		Limit(uint64(o.config.BatchSize)))
	if err != nil {
		return 0, err
	}

	var moved int64
	for _, e := range exhausted {
		payload, err := json.Marshal(DeadLetter{
			OriginalTopic: e.KafkaTopic,
			EventType:     e.EventType,
			AggregateType: e.AggregateType,
			AggregateID:   e.AggregateID,
			Payload:       e.Payload,
			RetryCount:    e.RetryCount,
			LastError:     e.LastError,
			CreatedAt:     e.CreatedAt,
		})
		if err != nil {
			return moved, fmt.Errorf("marshal dead letter: %w", err)
		}
		if err := o.publisher.Publish(ctx, events.TopicDeadLetter, e.KafkaKey, payload); err != nil {
			o.logger.Error("failed to publish dead letter", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		if err := o.markProcessed(ctx, e.ID); err != nil {
			o.logger.Error("failed to retire dead-lettered entry", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		moved++
	}
	return moved, nil
}

// OutboxStats is a snapshot of relay backlog.
type OutboxStats struct {
	Pending       int64
	Processed     int64
	Failed        int64
	OldestPending *time.Time
}

const statsQuery = `
	SELECT
		COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
		COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
		COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
		MIN(created_at) FILTER (WHERE processed_at IS NULL)
	FROM outbox
`

// GetStats reports the backlog and publishes the pending gauge. Processed
// counts the last 24 hours.
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	if err := o.db.QueryRow(ctx, statsQuery, o.config.MaxRetries).
		Scan(&stats.Pending, &stats.Processed, &stats.Failed, &stats.OldestPending); err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	o.recorder.OutboxPending(stats.Pending)
	return stats, nil
}
