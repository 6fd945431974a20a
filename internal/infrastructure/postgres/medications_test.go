package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telecare/telemed/internal/domain/medication"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func expectOutboxWrite(mock pgxmock.PgxPoolIface) {
	mock.ExpectQuery("INSERT INTO outbox").
		WithArgs(anyArgs(6)...).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(1), time.Now()))
}

func medicationRow(m medication.Medication) *pgxmock.Rows {
	var start *time.Time
	if m.HasStartDate() {
		start = &m.StartDate
	}
	return pgxmock.NewRows(medicationColumns).AddRow(
		m.ID, m.PatientID, m.Name, m.Dosage, m.Frequency, start, m.EndDate,
		m.TotalQuantity, m.RemainingQuantity, m.RefillThreshold, m.NextDue,
		m.CreatedAt, m.UpdatedAt,
	)
}

func sampleMedication() medication.Medication {
	remaining, threshold := 4, 7
	now := time.Date(2025, 10, 18, 9, 0, 0, 0, time.UTC)
	return medication.Medication{
		ID:                uuid.New(),
		PatientID:         uuid.New(),
		Name:              "Metformin",
		Dosage:            "500mg",
		Frequency:         "twice daily",
		StartDate:         time.Date(2025, 10, 8, 0, 0, 0, 0, time.UTC),
		TotalQuantity:     20,
		RemainingQuantity: &remaining,
		RefillThreshold:   &threshold,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func TestMedicationRepository_Create(t *testing.T) {
	mock := newMock(t)
	repo := NewMedicationRepository(mock, nil)
	m := sampleMedication()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO medications").
		WithArgs(m.ID, m.PatientID, m.Name, m.Dosage, m.Frequency, pgxmock.AnyArg(), pgxmock.AnyArg(),
			m.TotalQuantity, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), m.CreatedAt, m.UpdatedAt).
		WillReturnRows(medicationRow(m))
	expectOutboxWrite(mock)
	mock.ExpectCommit()

	created, err := repo.Create(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, m.ID, created.ID)
	assert.Equal(t, m.StartDate, created.StartDate)
	require.NotNil(t, created.RemainingQuantity)
	assert.Equal(t, 4, *created.RemainingQuantity)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMedicationRepository_CreateRollsBackOnOutboxFailure(t *testing.T) {
	mock := newMock(t)
	repo := NewMedicationRepository(mock, nil)
	m := sampleMedication()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO medications").WithArgs(anyArgs(len(medicationColumns))...).WillReturnRows(medicationRow(m))
	mock.ExpectQuery("INSERT INTO outbox").WithArgs(anyArgs(6)...).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := repo.Create(context.Background(), m)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMedicationRepository_Get(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		mock := newMock(t)
		repo := NewMedicationRepository(mock, nil)
		m := sampleMedication()

		mock.ExpectQuery("SELECT .+ FROM medications WHERE id = \\$1").
			WithArgs(m.ID.String()).
			WillReturnRows(medicationRow(m))

		got, err := repo.Get(context.Background(), m.ID)
		require.NoError(t, err)
		assert.Equal(t, m.Name, got.Name)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		mock := newMock(t)
		repo := NewMedicationRepository(mock, nil)

		mock.ExpectQuery("SELECT .+ FROM medications").
			WithArgs(pgxmock.AnyArg()).
			WillReturnError(pgx.ErrNoRows)

		_, err := repo.Get(context.Background(), uuid.New())
		assert.ErrorIs(t, err, medication.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMedicationRepository_ListActive(t *testing.T) {
	mock := newMock(t)
	repo := NewMedicationRepository(mock, nil)
	m := sampleMedication()
	on := time.Date(2025, 10, 18, 15, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT .+ FROM medications WHERE \(end_date IS NULL OR end_date >= \$1\) AND patient_id = \$2`).
		WithArgs(time.Date(2025, 10, 18, 0, 0, 0, 0, time.UTC), m.PatientID.String()).
		WillReturnRows(medicationRow(m))

	got, err := repo.ListActive(context.Background(), medication.ActiveFilter{PatientID: &m.PatientID, On: on})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, m.ID, got[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMedicationRepository_RecordIntake(t *testing.T) {
	mock := newMock(t)
	repo := NewMedicationRepository(mock, nil)
	m := sampleMedication()
	remaining := 3
	m.RemainingQuantity = &remaining

	log := medication.IntakeLog{
		ID:           uuid.New(),
		MedicationID: m.ID,
		TakenAt:      time.Date(2025, 10, 18, 8, 0, 0, 0, time.UTC),
		DosesTaken:   1,
		CreatedAt:    time.Date(2025, 10, 18, 8, 0, 0, 0, time.UTC),
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE medications SET remaining_quantity = CASE WHEN remaining_quantity IS NULL THEN NULL ELSE GREATEST\(remaining_quantity - \$1, 0\) END`).
		WithArgs(1, pgxmock.AnyArg(), m.ID.String()).
		WillReturnRows(medicationRow(m))
	mock.ExpectExec("INSERT INTO medication_intake_logs").
		WithArgs(log.ID, log.MedicationID, log.TakenAt, log.DosesTaken, log.Note, log.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	expectOutboxWrite(mock)
	mock.ExpectCommit()

	got, err := repo.RecordIntake(context.Background(), log)
	require.NoError(t, err)
	assert.Equal(t, 3, *got.RemainingQuantity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMedicationRepository_RecordIntakeUnknownMedication(t *testing.T) {
	mock := newMock(t)
	repo := NewMedicationRepository(mock, nil)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE medications").WithArgs(anyArgs(3)...).WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := repo.RecordIntake(context.Background(), medication.IntakeLog{ID: uuid.New(), MedicationID: uuid.New(), DosesTaken: 1})
	assert.ErrorIs(t, err, medication.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMedicationRepository_Refill(t *testing.T) {
	mock := newMock(t)
	repo := NewMedicationRepository(mock, nil)
	m := sampleMedication()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE medications SET remaining_quantity = COALESCE\(remaining_quantity, 0\) \+ \$1, total_quantity = total_quantity \+ \$2`).
		WithArgs(30, 30, pgxmock.AnyArg(), m.ID.String()).
		WillReturnRows(medicationRow(m))
	expectOutboxWrite(mock)
	mock.ExpectCommit()

	_, err := repo.Refill(context.Background(), m.ID, 30)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMedicationRepository_IntakeHistory(t *testing.T) {
	mock := newMock(t)
	repo := NewMedicationRepository(mock, nil)
	medID := uuid.New()
	since := time.Date(2025, 9, 18, 0, 0, 0, 0, time.UTC)
	taken := time.Date(2025, 10, 17, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT .+ FROM medication_intake_logs WHERE medication_id = \$1 AND taken_at >= \$2 ORDER BY taken_at DESC`).
		WithArgs(medID.String(), since).
		WillReturnRows(pgxmock.NewRows(intakeLogColumns).
			AddRow(uuid.New(), medID, taken, 1, "", taken))

	logs, err := repo.ListForMedication(context.Background(), medID, since)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, taken, logs[0].TakenAt)

	mock.ExpectQuery(`SELECT .+ FROM medication_intake_logs WHERE medication_id = \$1 ORDER BY taken_at DESC LIMIT 1`).
		WithArgs(medID.String()).
		WillReturnError(pgx.ErrNoRows)

	last, err := repo.First(context.Background(), medID)
	require.NoError(t, err)
	assert.Nil(t, last)

	assert.NoError(t, mock.ExpectationsWereMet())
}
