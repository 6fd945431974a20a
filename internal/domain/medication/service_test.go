package medication_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telecare/telemed/internal/domain/medication"
	"github.com/telecare/telemed/internal/infrastructure/memory"
)

var now = time.Date(2025, 10, 18, 9, 30, 0, 0, time.UTC)

func newService() *medication.Service {
	store := memory.NewMedicationStore()
	return medication.NewService(store, store, nil).WithClock(func() time.Time { return now })
}

func intPtr(v int) *int { return &v }

func createMedication(t *testing.T, svc *medication.Service, in medication.CreateInput) medication.Medication {
	t.Helper()
	if in.PatientID == uuid.Nil {
		in.PatientID = uuid.New()
	}
	if in.Name == "" {
		in.Name = "Lisinopril"
	}
	if in.StartDate.IsZero() {
		in.StartDate = now.AddDate(0, 0, -5)
	}
	m, err := svc.Create(context.Background(), in)
	require.NoError(t, err)
	return m
}

func TestCreate_DefaultsRemainingToTotal(t *testing.T) {
	svc := newService()

	m := createMedication(t, svc, medication.CreateInput{
		Name:          "  Lisinopril ",
		Frequency:     "once daily",
		TotalQuantity: 30,
		StartDate:     time.Date(2025, 10, 1, 17, 45, 0, 0, time.UTC),
	})

	assert.NotEqual(t, uuid.Nil, m.ID)
	assert.Equal(t, "Lisinopril", m.Name)
	require.NotNil(t, m.RemainingQuantity)
	assert.Equal(t, 30, *m.RemainingQuantity)
	assert.Equal(t, time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC), m.StartDate)
	assert.Equal(t, now, m.CreatedAt)
}

func TestCreate_Validation(t *testing.T) {
	svc := newService()
	end := now.AddDate(0, 0, -10)

	tests := []struct {
		name string
		in   medication.CreateInput
	}{
		{"missing patient", medication.CreateInput{Name: "A", StartDate: now}},
		{"missing name", medication.CreateInput{PatientID: uuid.New(), Name: "  ", StartDate: now}},
		{"missing start", medication.CreateInput{PatientID: uuid.New(), Name: "A"}},
		{"negative total", medication.CreateInput{PatientID: uuid.New(), Name: "A", StartDate: now, TotalQuantity: -1}},
		{"end before start", medication.CreateInput{PatientID: uuid.New(), Name: "A", StartDate: now, EndDate: &end}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tt.in)
			assert.ErrorIs(t, err, medication.ErrInvalidInput)
		})
	}
}

func TestLogIntake_DecrementsRemaining(t *testing.T) {
	svc := newService()
	m := createMedication(t, svc, medication.CreateInput{TotalQuantity: 3})

	log, updated, err := svc.LogIntake(context.Background(), m.ID, medication.LogIntakeInput{})
	require.NoError(t, err)
	assert.Equal(t, 1, log.DosesTaken)
	assert.Equal(t, now, log.TakenAt)
	assert.Equal(t, 2, *updated.RemainingQuantity)

	_, updated, err = svc.LogIntake(context.Background(), m.ID, medication.LogIntakeInput{DosesTaken: 5})
	require.NoError(t, err)
	assert.Equal(t, 0, *updated.RemainingQuantity)

	logs, err := svc.Logs(context.Background(), m.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
}

func TestLogIntake_Validation(t *testing.T) {
	svc := newService()
	m := createMedication(t, svc, medication.CreateInput{TotalQuantity: 3})

	_, _, err := svc.LogIntake(context.Background(), m.ID, medication.LogIntakeInput{DosesTaken: -1})
	assert.ErrorIs(t, err, medication.ErrInvalidInput)

	_, _, err = svc.LogIntake(context.Background(), m.ID, medication.LogIntakeInput{TakenAt: now.Add(time.Hour)})
	assert.ErrorIs(t, err, medication.ErrInvalidInput)

	_, _, err = svc.LogIntake(context.Background(), uuid.New(), medication.LogIntakeInput{})
	assert.ErrorIs(t, err, medication.ErrNotFound)
}

func TestLogs_MostRecentFirst(t *testing.T) {
	svc := newService()
	m := createMedication(t, svc, medication.CreateInput{TotalQuantity: 10})

	for _, h := range []int{5, 1, 3} {
		_, _, err := svc.LogIntake(context.Background(), m.ID, medication.LogIntakeInput{TakenAt: now.Add(-time.Duration(h) * time.Hour)})
		require.NoError(t, err)
	}

	logs, err := svc.Logs(context.Background(), m.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, now.Add(-time.Hour), logs[0].TakenAt)
	assert.Equal(t, now.Add(-5*time.Hour), logs[2].TakenAt)

	_, err = svc.Logs(context.Background(), uuid.New())
	assert.ErrorIs(t, err, medication.ErrNotFound)
}

func TestRefill(t *testing.T) {
	svc := newService()
	m := createMedication(t, svc, medication.CreateInput{TotalQuantity: 10, RemainingQuantity: intPtr(2)})

	updated, err := svc.Refill(context.Background(), m.ID, 30)
	require.NoError(t, err)
	assert.Equal(t, 32, *updated.RemainingQuantity)
	assert.Equal(t, 40, updated.TotalQuantity)

	_, err = svc.Refill(context.Background(), m.ID, 0)
	assert.ErrorIs(t, err, medication.ErrInvalidInput)

	_, err = svc.Refill(context.Background(), uuid.New(), 5)
	assert.ErrorIs(t, err, medication.ErrNotFound)
}

func TestList_FiltersByPatient(t *testing.T) {
	svc := newService()
	patient := uuid.New()
	createMedication(t, svc, medication.CreateInput{PatientID: patient})
	createMedication(t, svc, medication.CreateInput{PatientID: patient, Name: "Atorvastatin"})
	createMedication(t, svc, medication.CreateInput{})

	mine, err := svc.List(context.Background(), &patient)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	all, err := svc.List(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMedication_EndedBefore(t *testing.T) {
	m := medication.Medication{}
	assert.False(t, m.EndedBefore(now))

	end := time.Date(2025, 10, 18, 0, 0, 0, 0, time.UTC)
	m.EndDate = &end
	assert.False(t, m.EndedBefore(now))
	assert.True(t, m.EndedBefore(now.AddDate(0, 0, 1)))
}

func TestDaysBetween(t *testing.T) {
	a := time.Date(2025, 10, 1, 23, 59, 0, 0, time.UTC)
	b := time.Date(2025, 10, 2, 0, 1, 0, 0, time.UTC)
	assert.Equal(t, 1, medication.DaysBetween(a, b))
	assert.Equal(t, -1, medication.DaysBetween(b, a))
}
