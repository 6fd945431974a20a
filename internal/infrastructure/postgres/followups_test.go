package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telecare/telemed/internal/domain/compliance"
)

func sampleFollowUp() compliance.FollowUp {
	medID := uuid.New()
	now := time.Date(2025, 10, 18, 9, 0, 0, 0, time.UTC)
	return compliance.FollowUp{
		ID:                uuid.New(),
		PatientID:         uuid.New(),
		MedicationID:      &medID,
		DueAt:             now.Add(6 * time.Hour),
		Status:            compliance.StatusPending,
		Reason:            compliance.ReasonHighRisk,
		Notes:             "Auto-generated due to high non-compliance risk.",
		CreatedAt:         now,
		RiskScoreSnapshot: 0.76,
	}
}

func followUpRow(f compliance.FollowUp) *pgxmock.Rows {
	return pgxmock.NewRows(followUpColumns).AddRow(
		f.ID, f.PatientID, f.MedicationID, f.DueAt, f.Status, f.Reason, f.Notes,
		f.CreatedAt, f.CreatedBy, f.CompletedAt, f.RiskScoreSnapshot, f.MeetingID,
	)
}

func TestFollowUpRepository_ExistsPending(t *testing.T) {
	mock := newMock(t)
	repo := NewFollowUpRepository(mock, nil)
	medID := uuid.New()
	after := time.Date(2025, 10, 16, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM compliance_followups WHERE medication_id = \$1 AND reason = \$2 AND status = \$3 AND created_at >= \$4\)`).
		WithArgs(medID.String(), "refill_needed", "pending", after).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := repo.ExistsPending(context.Background(), medID, compliance.ReasonRefillNeeded, after)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFollowUpRepository_CreateWritesEvent(t *testing.T) {
	mock := newMock(t)
	repo := NewFollowUpRepository(mock, nil)
	f := sampleFollowUp()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO compliance_followups").
		WithArgs(f.ID, f.PatientID, f.MedicationID, f.DueAt, "pending", "high_risk", f.Notes,
			f.CreatedAt, f.CreatedBy, f.CompletedAt, f.RiskScoreSnapshot, f.MeetingID).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("INSERT INTO outbox").
		WithArgs(f.ID.String(), "FollowUp", "FollowUpCreated", pgxmock.AnyArg(), "followup.events", f.PatientID.String()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(7), time.Now()))
	mock.ExpectCommit()

	created, err := repo.Create(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, f.ID, created.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFollowUpRepository_Get(t *testing.T) {
	mock := newMock(t)
	repo := NewFollowUpRepository(mock, nil)
	f := sampleFollowUp()

	mock.ExpectQuery("SELECT .+ FROM compliance_followups WHERE id = \\$1").
		WithArgs(f.ID.String()).
		WillReturnRows(followUpRow(f))

	got, err := repo.Get(context.Background(), f.ID)
	require.NoError(t, err)
	assert.Equal(t, f.Reason, got.Reason)
	assert.Equal(t, *f.MedicationID, *got.MedicationID)

	mock.ExpectQuery("SELECT .+ FROM compliance_followups").
		WithArgs(pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	_, err = repo.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, compliance.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFollowUpRepository_ListFilters(t *testing.T) {
	mock := newMock(t)
	repo := NewFollowUpRepository(mock, nil)
	f := sampleFollowUp()
	status := compliance.StatusPending

	mock.ExpectQuery(`SELECT .+ FROM compliance_followups WHERE patient_id = \$1 AND status = \$2 ORDER BY due_at ASC, created_at ASC LIMIT 20`).
		WithArgs(f.PatientID.String(), "pending").
		WillReturnRows(followUpRow(f))

	got, err := repo.List(context.Background(), compliance.ListFilter{PatientID: &f.PatientID, Status: &status, Limit: 20})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFollowUpRepository_UpdateStatus(t *testing.T) {
	completedAt := time.Date(2025, 10, 18, 12, 0, 0, 0, time.UTC)

	t.Run("completes pending", func(t *testing.T) {
		mock := newMock(t)
		repo := NewFollowUpRepository(mock, nil)
		f := sampleFollowUp()
		f.Status = compliance.StatusCompleted
		f.CompletedAt = &completedAt

		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE compliance_followups SET status = \$1, completed_at = \$2 WHERE id = \$3 AND status = \$4`).
			WithArgs("completed", f.CompletedAt, f.ID.String(), "pending").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectQuery("INSERT INTO outbox").
			WithArgs(f.ID.String(), "FollowUp", "FollowUpCompleted", pgxmock.AnyArg(), "followup.events", pgxmock.AnyArg()).
			WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(8), time.Now()))
		mock.ExpectCommit()

		require.NoError(t, repo.UpdateStatus(context.Background(), f))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already settled", func(t *testing.T) {
		mock := newMock(t)
		repo := NewFollowUpRepository(mock, nil)
		f := sampleFollowUp()
		f.Status = compliance.StatusCanceled

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE compliance_followups").
			WithArgs("canceled", pgxmock.AnyArg(), f.ID.String(), "pending").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(f.ID).
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectRollback()

		err := repo.UpdateStatus(context.Background(), f)
		assert.ErrorIs(t, err, compliance.ErrInvalidTransition)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing", func(t *testing.T) {
		mock := newMock(t)
		repo := NewFollowUpRepository(mock, nil)
		f := sampleFollowUp()
		f.Status = compliance.StatusCanceled

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE compliance_followups").
			WithArgs("canceled", pgxmock.AnyArg(), f.ID.String(), "pending").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(f.ID).
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectRollback()

		err := repo.UpdateStatus(context.Background(), f)
		assert.ErrorIs(t, err, compliance.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestFollowUpRepository_AttachMeeting(t *testing.T) {
	mock := newMock(t)
	repo := NewFollowUpRepository(mock, nil)
	f := sampleFollowUp()
	meetingID := uuid.New()
	f.MeetingID = &meetingID

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE compliance_followups SET meeting_id = \$1 WHERE id = \$2 RETURNING`).
		WithArgs(meetingID, f.ID.String()).
		WillReturnRows(followUpRow(f))
	expectOutboxWrite(mock)
	mock.ExpectCommit()

	require.NoError(t, repo.AttachMeeting(context.Background(), f.ID, meetingID))
	assert.NoError(t, mock.ExpectationsWereMet())
}
