package medication

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ActiveFilter narrows the set of prescriptions considered active on a day.
type ActiveFilter struct {
	PatientID *uuid.UUID
	// On is the reference day; prescriptions whose end date falls before it are excluded.
	On time.Time
}

// Repository persists prescriptions.
type Repository interface {
	Create(ctx context.Context, m Medication) (Medication, error)
	Get(ctx context.Context, id uuid.UUID) (Medication, error)
	List(ctx context.Context, patientID *uuid.UUID) ([]Medication, error)
	ListActive(ctx context.Context, f ActiveFilter) ([]Medication, error)
	// RecordIntake appends the log and decrements the remaining quantity by
	// log.DosesTaken (floored at zero) in one unit of work.
	RecordIntake(ctx context.Context, log IntakeLog) (Medication, error)
	Refill(ctx context.Context, id uuid.UUID, quantity int) (Medication, error)
}

// IntakeLogRepository reads intake history. Results are ordered most recent first.
type IntakeLogRepository interface {
	// ListForMedication returns logs taken at or after since; a zero since returns all logs.
	ListForMedication(ctx context.Context, medicationID uuid.UUID, since time.Time) ([]IntakeLog, error)
	// First returns the most recent log, or nil when none exist.
	First(ctx context.Context, medicationID uuid.UUID) (*IntakeLog, error)
}
