package medication

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service implements prescription management and intake logging.
type Service struct {
	repo   Repository
	logs   IntakeLogRepository
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a new medication service
func NewService(repo Repository, logs IntakeLogRepository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		logs:   logs,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateInput describes a new prescription.
type CreateInput struct {
	PatientID         uuid.UUID
	Name              string
	Dosage            string
	Frequency         string
	StartDate         time.Time
	EndDate           *time.Time
	TotalQuantity     int
	RemainingQuantity *int
	RefillThreshold   *int
	NextDue           *time.Time
}

// Create validates and stores a prescription.
func (s *Service) Create(ctx context.Context, in CreateInput) (Medication, error) {
	name := strings.TrimSpace(in.Name)
	if in.PatientID == uuid.Nil || name == "" {
		return Medication{}, fmt.Errorf("%w: patient and name are required", ErrInvalidInput)
	}
	if in.StartDate.IsZero() {
		return Medication{}, fmt.Errorf("%w: start_date is required", ErrInvalidInput)
	}
	if in.TotalQuantity < 0 {
		return Medication{}, fmt.Errorf("%w: total_quantity must not be negative", ErrInvalidInput)
	}
	if in.EndDate != nil && Date(*in.EndDate).Before(Date(in.StartDate)) {
		return Medication{}, fmt.Errorf("%w: end_date precedes start_date", ErrInvalidInput)
	}

	remaining := in.RemainingQuantity
	if remaining == nil {
		total := in.TotalQuantity
		remaining = &total
	}

	now := s.now().UTC()
	m := Medication{
		ID:                uuid.New(),
		PatientID:         in.PatientID,
		Name:              name,
		Dosage:            strings.TrimSpace(in.Dosage),
		Frequency:         strings.TrimSpace(in.Frequency),
		StartDate:         Date(in.StartDate),
		EndDate:           datePtr(in.EndDate),
		TotalQuantity:     in.TotalQuantity,
		RemainingQuantity: remaining,
		RefillThreshold:   in.RefillThreshold,
		NextDue:           datePtr(in.NextDue),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	created, err := s.repo.Create(ctx, m)
	if err != nil {
		return Medication{}, fmt.Errorf("create medication: %w", err)
	}

	s.logger.Info("medication created",
		zap.String("id", created.ID.String()),
		zap.String("patient_id", created.PatientID.String()))
	return created, nil
}

// Get returns a prescription by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Medication, error) {
	return s.repo.Get(ctx, id)
}

// List returns prescriptions, optionally for one patient.
func (s *Service) List(ctx context.Context, patientID *uuid.UUID) ([]Medication, error) {
	return s.repo.List(ctx, patientID)
}

// LogIntakeInput describes a dose being taken. Zero values take defaults:
// TakenAt is now and DosesTaken is one.
type LogIntakeInput struct {
	TakenAt    time.Time
	DosesTaken int
	Note       string
}

// LogIntake records an intake event and decrements the remaining quantity.
func (s *Service) LogIntake(ctx context.Context, medicationID uuid.UUID, in LogIntakeInput) (IntakeLog, Medication, error) {
	if in.DosesTaken < 0 {
		return IntakeLog{}, Medication{}, fmt.Errorf("%w: doses_taken must be positive", ErrInvalidInput)
	}
	doses := in.DosesTaken
	if doses == 0 {
		doses = 1
	}

	now := s.now().UTC()
	takenAt := in.TakenAt
	if takenAt.IsZero() {
		takenAt = now
	}
	if takenAt.After(now) {
		return IntakeLog{}, Medication{}, fmt.Errorf("%w: taken_at is in the future", ErrInvalidInput)
	}

	log := IntakeLog{
		ID:           uuid.New(),
		MedicationID: medicationID,
		TakenAt:      takenAt.UTC(),
		DosesTaken:   doses,
		Note:         strings.TrimSpace(in.Note),
		CreatedAt:    now,
	}

	m, err := s.repo.RecordIntake(ctx, log)
	if err != nil {
		return IntakeLog{}, Medication{}, fmt.Errorf("record intake: %w", err)
	}

	s.logger.Debug("intake logged",
		zap.String("medication_id", medicationID.String()),
		zap.Int("doses", doses))
	return log, m, nil
}

// Refill adds quantity to the remaining and total quantities.
func (s *Service) Refill(ctx context.Context, id uuid.UUID, quantity int) (Medication, error) {
	if quantity <= 0 {
		return Medication{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
	}
	m, err := s.repo.Refill(ctx, id, quantity)
	if err != nil {
		return Medication{}, fmt.Errorf("refill: %w", err)
	}
	s.logger.Info("medication refilled",
		zap.String("id", id.String()),
		zap.Int("quantity", quantity))
	return m, nil
}

// Logs returns the full intake history of a prescription, most recent first.
func (s *Service) Logs(ctx context.Context, id uuid.UUID) ([]IntakeLog, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.logs.ListForMedication(ctx, id, time.Time{})
}

func datePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := Date(*t)
	return &d
}
