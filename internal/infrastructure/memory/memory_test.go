package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telecare/telemed/internal/domain/compliance"
	"github.com/telecare/telemed/internal/domain/medication"
)

func TestLocker(t *testing.T) {
	l := NewLocker()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "med-1", time.Second)
	require.NoError(t, err)

	_, err = l.Lock(ctx, "med-1", time.Second)
	assert.ErrorIs(t, err, compliance.ErrLocked)

	other, err := l.Lock(ctx, "med-2", time.Second)
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	again, err := l.Lock(ctx, "med-1", time.Second)
	require.NoError(t, err)
	again()
}

func TestMedicationStore_IntakeAndRefill(t *testing.T) {
	s := NewMedicationStore()
	ctx := context.Background()
	remaining := 2
	m, err := s.Create(ctx, medication.Medication{
		ID:                uuid.New(),
		PatientID:         uuid.New(),
		Name:              "Lisinopril",
		StartDate:         time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC),
		TotalQuantity:     30,
		RemainingQuantity: &remaining,
	})
	require.NoError(t, err)

	updated, err := s.RecordIntake(ctx, medication.IntakeLog{
		ID:           uuid.New(),
		MedicationID: m.ID,
		TakenAt:      time.Now(),
		DosesTaken:   3,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, *updated.RemainingQuantity)

	refilled, err := s.Refill(ctx, m.ID, 30)
	require.NoError(t, err)
	assert.Equal(t, 30, *refilled.RemainingQuantity)
	assert.Equal(t, 60, refilled.TotalQuantity)

	// stored copies are isolated from returned values
	*refilled.RemainingQuantity = 99
	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, *got.RemainingQuantity)

	_, err = s.Refill(ctx, uuid.New(), 1)
	assert.ErrorIs(t, err, medication.ErrNotFound)
}
