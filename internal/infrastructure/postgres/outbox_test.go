package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishedMessage struct {
	topic, key string
	value      []byte
}

type fakePublisher struct {
	published []publishedMessage
	err       error
}

func (p *fakePublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, publishedMessage{topic, key, value})
	return nil
}

type countingRecorder struct {
	published, failed int
	pending           int64
}

func (r *countingRecorder) OutboxPublished(string) { r.published++ }
func (r *countingRecorder) OutboxFailed(string)    { r.failed++ }
func (r *countingRecorder) OutboxPending(n int64)  { r.pending = n }

func TestOutbox_ProcessBatchPublishes(t *testing.T) {
	mock := newMock(t)
	pub := &fakePublisher{}
	rec := &countingRecorder{}
	cfg := DefaultOutboxConfig()
	outbox := NewOutbox(mock, pub, cfg, nil).WithRecorder(rec)

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(cfg.LockID).
		WillReturnRows(pgxmock.NewRows([]string{"acquired"}).AddRow(true))
	mock.ExpectQuery("(?s)SELECT .+ FROM outbox WHERE processed_at IS NULL AND retry_count < \\$1 .+ LIMIT 100 FOR UPDATE SKIP LOCKED").
		WithArgs(cfg.MaxRetries).
		WillReturnRows(pgxmock.NewRows(outboxColumns).
			AddRow(int64(1), "agg-1", "FollowUp", "FollowUpCreated", json.RawMessage(`{"id":"1"}`),
				"followup.events", "patient-1", time.Now(), 0, (*string)(nil)))
	mock.ExpectExec("UPDATE outbox SET processed_at = NOW\\(\\), updated_at = NOW\\(\\) WHERE id = \\$1").
		WithArgs(int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("SELECT pg_advisory_unlock").
		WithArgs(cfg.LockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))

	n := outbox.ProcessBatch(context.Background())

	assert.Equal(t, 1, n)
	require.Len(t, pub.published, 1)
	assert.Equal(t, "followup.events", pub.published[0].topic)
	assert.Equal(t, "patient-1", pub.published[0].key)
	assert.Equal(t, 1, rec.published)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutbox_ProcessBatchRecordsFailure(t *testing.T) {
	mock := newMock(t)
	pub := &fakePublisher{err: errors.New("broker down")}
	rec := &countingRecorder{}
	cfg := DefaultOutboxConfig()
	outbox := NewOutbox(mock, pub, cfg, nil).WithRecorder(rec)

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(cfg.LockID).
		WillReturnRows(pgxmock.NewRows([]string{"acquired"}).AddRow(true))
	mock.ExpectQuery("(?s)SELECT .+ FROM outbox").
		WithArgs(cfg.MaxRetries).
		WillReturnRows(pgxmock.NewRows(outboxColumns).
			AddRow(int64(2), "agg-2", "Medication", "IntakeLogged", json.RawMessage(`{}`),
				"medication.events", "patient-2", time.Now(), 1, (*string)(nil)))
	mock.ExpectExec("UPDATE outbox SET retry_count = retry_count \\+ 1, last_error = \\$1").
		WithArgs("broker down", int64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("SELECT pg_advisory_unlock").
		WithArgs(cfg.LockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))

	assert.Equal(t, 0, outbox.ProcessBatch(context.Background()))
	assert.Equal(t, 1, rec.failed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutbox_SkipsWhenLockHeld(t *testing.T) {
	mock := newMock(t)
	pub := &fakePublisher{}
	cfg := DefaultOutboxConfig()
	outbox := NewOutbox(mock, pub, cfg, nil)

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(cfg.LockID).
		WillReturnRows(pgxmock.NewRows([]string{"acquired"}).AddRow(false))

	assert.Equal(t, 0, outbox.ProcessBatch(context.Background()))
	assert.Empty(t, pub.published)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutbox_MoveToDeadLetter(t *testing.T) {
	mock := newMock(t)
	pub := &fakePublisher{}
	cfg := DefaultOutboxConfig()
	outbox := NewOutbox(mock, pub, cfg, nil)
	lastErr := "broker down"

	mock.ExpectQuery("(?s)SELECT .+ FROM outbox WHERE processed_at IS NULL AND retry_count >= \\$1").
		WithArgs(cfg.MaxRetries).
		WillReturnRows(pgxmock.NewRows(outboxColumns).
			AddRow(int64(3), "agg-3", "FollowUp", "FollowUpCreated", json.RawMessage(`{}`),
				"followup.events", "patient-3", time.Now(), 5, &lastErr))
	mock.ExpectExec("UPDATE outbox SET processed_at").
		WithArgs(int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	n, err := outbox.MoveToDeadLetter(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.Len(t, pub.published, 1)
	assert.Equal(t, "dead.letter", pub.published[0].topic)
	assert.Equal(t, "patient-3", pub.published[0].key)

	var dl DeadLetter
	require.NoError(t, json.Unmarshal(pub.published[0].value, &dl))
	assert.Equal(t, "followup.events", dl.OriginalTopic)
	assert.Equal(t, 5, dl.RetryCount)
	assert.Equal(t, &lastErr, dl.LastError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutbox_GetStatsRecordsPending(t *testing.T) {
	mock := newMock(t)
	rec := &countingRecorder{}
	cfg := DefaultOutboxConfig()
	outbox := NewOutbox(mock, &fakePublisher{}, cfg, nil).WithRecorder(rec)
	oldest := time.Date(2025, 10, 18, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery("(?s)SELECT.+COUNT.+FROM outbox").
		WithArgs(cfg.MaxRetries).
		WillReturnRows(pgxmock.NewRows([]string{"pending", "processed", "failed", "oldest"}).
			AddRow(int64(7), int64(40), int64(2), &oldest))

	stats, err := outbox.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), stats.Pending)
	assert.Equal(t, int64(2), stats.Failed)
	assert.Equal(t, &oldest, stats.OldestPending)
	assert.Equal(t, int64(7), rec.pending)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutbox_CleanupProcessed(t *testing.T) {
	mock := newMock(t)
	outbox := NewOutbox(mock, &fakePublisher{}, DefaultOutboxConfig(), nil)

	mock.ExpectExec("DELETE FROM outbox WHERE processed_at IS NOT NULL AND processed_at < \\$1").
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := outbox.CleanupProcessed(context.Background(), 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
