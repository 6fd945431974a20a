package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/telecare/telemed/internal/domain/medication"
	"github.com/telecare/telemed/internal/events"
)

var medicationColumns = []string{
	"id", "patient_id", "name", "dosage", "frequency", "start_date", "end_date",
	"total_quantity", "remaining_quantity", "refill_threshold", "next_due",
	"created_at", "updated_at",
}

var intakeLogColumns = []string{"id", "medication_id", "taken_at", "doses_taken", "note", "created_at"}

// MedicationRepository persists prescriptions and intake logs.
type MedicationRepository struct {
	db     DB
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewMedicationRepository creates a medication repository
func NewMedicationRepository(db DB, logger *zap.Logger) *MedicationRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MedicationRepository{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("postgres"),
		now:    time.Now,
	}
}

var (
	_ medication.Repository          = (*MedicationRepository)(nil)
	_ medication.IntakeLogRepository = (*MedicationRepository)(nil)
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMedication(row rowScanner) (medication.Medication, error) {
	var (
		m     medication.Medication
		start *time.Time
	)
	err := row.Scan(
		&m.ID, &m.PatientID, &m.Name, &m.Dosage, &m.Frequency, &start, &m.EndDate,
		&m.TotalQuantity, &m.RemainingQuantity, &m.RefillThreshold, &m.NextDue,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return medication.Medication{}, err
	}
	if start != nil {
		m.StartDate = *start
	}
	return m, nil
}

func (r *MedicationRepository) Create(ctx context.Context, m medication.Medication) (medication.Medication, error) {
	ctx, span := r.tracer.Start(ctx, "medication_create")
	defer span.End()

	var start *time.Time
	if m.HasStartDate() {
		start = &m.StartDate
	}

	query, args, err := psql.Insert("medications").
		Columns(medicationColumns...).
		Values(m.ID, m.PatientID, m.Name, m.Dosage, m.Frequency, start, m.EndDate,
			m.TotalQuantity, m.RemainingQuantity, m.RefillThreshold, m.NextDue,
			m.CreatedAt, m.UpdatedAt).
		Suffix("RETURNING " + joinColumns(medicationColumns)).
		ToSql()
	if err != nil {
		return medication.Medication{}, fmt.Errorf("build insert: %w", err)
	}

	var created medication.Medication
	err = runInTx(ctx, r.db, func(tx pgx.Tx) error {
		created, err = scanMedication(tx.QueryRow(ctx, query, args...))
		if err != nil {
			return fmt.Errorf("insert medication: %w", err)
		}
		env, err := events.New(events.AggregateMedication, created.ID, events.MedicationCreated, created.PatientID, created)
		if err != nil {
			return err
		}
		return writeEvent(ctx, tx, env)
	})
	if err != nil {
		span.RecordError(err)
		return medication.Medication{}, err
	}
	return created, nil
}

func (r *MedicationRepository) Get(ctx context.Context, id uuid.UUID) (medication.Medication, error) {
	query, args, err := psql.Select(medicationColumns...).
		From("medications").
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return medication.Medication{}, fmt.Errorf("build select: %w", err)
	}

	m, err := scanMedication(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		return medication.Medication{}, mapError(err, medication.ErrNotFound)
	}
	return m, nil
}

func (r *MedicationRepository) List(ctx context.Context, patientID *uuid.UUID) ([]medication.Medication, error) {
	q := psql.Select(medicationColumns...).From("medications")
	if patientID != nil {
		q = q.Where(squirrel.Eq{"patient_id": *patientID})
	}
	return r.list(ctx, q.OrderBy("created_at DESC", "id"))
}

func (r *MedicationRepository) ListActive(ctx context.Context, f medication.ActiveFilter) ([]medication.Medication, error) {
	on := f.On
	if on.IsZero() {
		on = r.now()
	}

	q := psql.Select(medicationColumns...).
		From("medications").
		Where(squirrel.Or{
			squirrel.Eq{"end_date": nil},
			squirrel.GtOrEq{"end_date": medication.Date(on)},
		})
	if f.PatientID != nil {
		q = q.Where(squirrel.Eq{"patient_id": *f.PatientID})
	}
	return r.list(ctx, q.OrderBy("created_at DESC", "id"))
}

func (r *MedicationRepository) list(ctx context.Context, q squirrel.SelectBuilder) ([]medication.Medication, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query medications: %w", err)
	}
	defer rows.Close()

	out := make([]medication.Medication, 0)
	for rows.Next() {
		m, err := scanMedication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan medication: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *MedicationRepository) RecordIntake(ctx context.Context, log medication.IntakeLog) (medication.Medication, error) {
	ctx, span := r.tracer.Start(ctx, "medication_record_intake",
		trace.WithAttributes(attribute.String("medication_id", log.MedicationID.String())))
	defer span.End()

	update, updateArgs, err := psql.Update("medications").
		Set("remaining_quantity", squirrel.Expr(
			"CASE WHEN remaining_quantity IS NULL THEN NULL ELSE GREATEST(remaining_quantity - ?, 0) END",
			log.DosesTaken)).
		Set("updated_at", r.now().UTC()).
		Where(squirrel.Eq{"id": log.MedicationID}).
		Suffix("RETURNING " + joinColumns(medicationColumns)).
		ToSql()
	if err != nil {
		return medication.Medication{}, fmt.Errorf("build update: %w", err)
	}

	insert, insertArgs, err := psql.Insert("medication_intake_logs").
		Columns(intakeLogColumns...).
		Values(log.ID, log.MedicationID, log.TakenAt, log.DosesTaken, log.Note, log.CreatedAt).
		ToSql()
	if err != nil {
		return medication.Medication{}, fmt.Errorf("build insert: %w", err)
	}

	var m medication.Medication
	err = runInTx(ctx, r.db, func(tx pgx.Tx) error {
		m, err = scanMedication(tx.QueryRow(ctx, update, updateArgs...))
		if err != nil {
			return mapError(err, medication.ErrNotFound)
		}
		if _, err := tx.Exec(ctx, insert, insertArgs...); err != nil {
			return fmt.Errorf("insert intake log: %w", err)
		}
		env, err := events.New(events.AggregateMedication, m.ID, events.IntakeLogged, m.PatientID, events.IntakeLoggedData{
			MedicationID:      m.ID,
			PatientID:         m.PatientID,
			LogID:             log.ID,
			TakenAt:           log.TakenAt,
			DosesTaken:        log.DosesTaken,
			RemainingQuantity: m.RemainingQuantity,
		})
		if err != nil {
			return err
		}
		return writeEvent(ctx, tx, env)
	})
	if err != nil {
		span.RecordError(err)
		return medication.Medication{}, err
	}
	return m, nil
}

func (r *MedicationRepository) Refill(ctx context.Context, id uuid.UUID, quantity int) (medication.Medication, error) {
	query, args, err := psql.Update("medications").
		Set("remaining_quantity", squirrel.Expr("COALESCE(remaining_quantity, 0) + ?", quantity)).
		Set("total_quantity", squirrel.Expr("total_quantity + ?", quantity)).
		Set("updated_at", r.now().UTC()).
		Where(squirrel.Eq{"id": id}).
		Suffix("RETURNING " + joinColumns(medicationColumns)).
		ToSql()
	if err != nil {
		return medication.Medication{}, fmt.Errorf("build update: %w", err)
	}

	var m medication.Medication
	err = runInTx(ctx, r.db, func(tx pgx.Tx) error {
		m, err = scanMedication(tx.QueryRow(ctx, query, args...))
		if err != nil {
			return mapError(err, medication.ErrNotFound)
		}
		env, err := events.New(events.AggregateMedication, m.ID, events.MedicationRefilled, m.PatientID, events.RefilledData{
			MedicationID:      m.ID,
			PatientID:         m.PatientID,
			Quantity:          quantity,
			RemainingQuantity: m.RemainingQuantity,
		})
		if err != nil {
			return err
		}
		return writeEvent(ctx, tx, env)
	})
	if err != nil {
		return medication.Medication{}, err
	}
	return m, nil
}

func (r *MedicationRepository) ListForMedication(ctx context.Context, medicationID uuid.UUID, since time.Time) ([]medication.IntakeLog, error) {
	q := psql.Select(intakeLogColumns...).
		From("medication_intake_logs").
		Where(squirrel.Eq{"medication_id": medicationID})
	if !since.IsZero() {
		q = q.Where(squirrel.GtOrEq{"taken_at": since})
	}

	query, args, err := q.OrderBy("taken_at DESC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query intake logs: %w", err)
	}
	defer rows.Close()

	out := make([]medication.IntakeLog, 0)
	for rows.Next() {
		l, err := scanIntakeLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intake log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *MedicationRepository) First(ctx context.Context, medicationID uuid.UUID) (*medication.IntakeLog, error) {
	query, args, err := psql.Select(intakeLogColumns...).
		From("medication_intake_logs").
		Where(squirrel.Eq{"medication_id": medicationID}).
		OrderBy("taken_at DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	l, err := scanIntakeLog(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest intake log: %w", err)
	}
	return &l, nil
}

func scanIntakeLog(row rowScanner) (medication.IntakeLog, error) {
	var l medication.IntakeLog
	err := row.Scan(&l.ID, &l.MedicationID, &l.TakenAt, &l.DosesTaken, &l.Note, &l.CreatedAt)
	return l, err
}
