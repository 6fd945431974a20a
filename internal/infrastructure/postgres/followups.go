package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/telecare/telemed/internal/domain/compliance"
	"github.com/telecare/telemed/internal/events"
)

var followUpColumns = []string{
	"id", "patient_id", "medication_id", "due_at", "status", "reason", "notes",
	"created_at", "created_by", "completed_at", "risk_score_snapshot", "meeting_id",
}

// FollowUpRepository persists compliance follow-ups.
type FollowUpRepository struct {
	db     DB
	logger *zap.Logger
	tracer trace.Tracer
}

// NewFollowUpRepository creates a follow-up repository
func NewFollowUpRepository(db DB, logger *zap.Logger) *FollowUpRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FollowUpRepository{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("postgres"),
	}
}

var _ compliance.FollowUpRepository = (*FollowUpRepository)(nil)

func scanFollowUp(row rowScanner) (compliance.FollowUp, error) {
	var f compliance.FollowUp
	err := row.Scan(
		&f.ID, &f.PatientID, &f.MedicationID, &f.DueAt, &f.Status, &f.Reason, &f.Notes,
		&f.CreatedAt, &f.CreatedBy, &f.CompletedAt, &f.RiskScoreSnapshot, &f.MeetingID,
	)
	return f, err
}

func (r *FollowUpRepository) ExistsPending(ctx context.Context, medicationID uuid.UUID, reason compliance.Reason, createdAfter time.Time) (bool, error) {
	sub := psql.Select("1").
		From("compliance_followups").
		Where(squirrel.Eq{
			"medication_id": medicationID,
			"reason":        string(reason),
			"status":        string(compliance.StatusPending),
		}).
		Where(squirrel.GtOrEq{"created_at": createdAfter})

	query, args, err := psql.Select().Column(squirrel.Expr("EXISTS (?)", sub)).ToSql()
	if err != nil {
		return false, fmt.Errorf("build exists: %w", err)
	}

	var exists bool
	if err := r.db.QueryRow(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("query pending follow-up: %w", err)
	}
	return exists, nil
}

func (r *FollowUpRepository) Create(ctx context.Context, f compliance.FollowUp) (compliance.FollowUp, error) {
	ctx, span := r.tracer.Start(ctx, "followup_create",
		trace.WithAttributes(attribute.String("reason", string(f.Reason))))
	defer span.End()

	query, args, err := psql.Insert("compliance_followups").
		Columns(followUpColumns...).
		Values(f.ID, f.PatientID, f.MedicationID, f.DueAt, string(f.Status), string(f.Reason), f.Notes,
			f.CreatedAt, f.CreatedBy, f.CompletedAt, f.RiskScoreSnapshot, f.MeetingID).
		ToSql()
	if err != nil {
		return compliance.FollowUp{}, fmt.Errorf("build insert: %w", err)
	}

	err = runInTx(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert follow-up: %w", err)
		}
		return writeFollowUpEvent(ctx, tx, events.FollowUpCreated, f)
	})
	if err != nil {
		span.RecordError(err)
		return compliance.FollowUp{}, err
	}
	return f, nil
}

func (r *FollowUpRepository) Get(ctx context.Context, id uuid.UUID) (compliance.FollowUp, error) {
	query, args, err := psql.Select(followUpColumns...).
		From("compliance_followups").
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return compliance.FollowUp{}, fmt.Errorf("build select: %w", err)
	}

	f, err := scanFollowUp(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		return compliance.FollowUp{}, mapError(err, compliance.ErrNotFound)
	}
	return f, nil
}

func (r *FollowUpRepository) List(ctx context.Context, filter compliance.ListFilter) ([]compliance.FollowUp, error) {
	q := psql.Select(followUpColumns...).From("compliance_followups")
	if filter.PatientID != nil {
		q = q.Where(squirrel.Eq{"patient_id": *filter.PatientID})
	}
	if filter.MedicationID != nil {
		q = q.Where(squirrel.Eq{"medication_id": *filter.MedicationID})
	}
	if filter.Status != nil {
		q = q.Where(squirrel.Eq{"status": string(*filter.Status)})
	}
	q = q.OrderBy("due_at ASC", "created_at ASC")
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query follow-ups: %w", err)
	}
	defer rows.Close()

	out := make([]compliance.FollowUp, 0)
	for rows.Next() {
		f, err := scanFollowUp(rows)
		if err != nil {
			return nil, fmt.Errorf("scan follow-up: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *FollowUpRepository) UpdateStatus(ctx context.Context, f compliance.FollowUp) error {
	ctx, span := r.tracer.Start(ctx, "followup_update_status",
		trace.WithAttributes(attribute.String("status", string(f.Status))))
	defer span.End()

	query, args, err := psql.Update("compliance_followups").
		Set("status", string(f.Status)).
		Set("completed_at", f.CompletedAt).
		Where(squirrel.Eq{"id": f.ID, "status": string(compliance.StatusPending)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	eventType := events.FollowUpCanceled
	if f.Status == compliance.StatusCompleted {
		eventType = events.FollowUpCompleted
	}

	err = runInTx(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update follow-up: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return r.missingOrSettled(ctx, tx, f.ID)
		}
		return writeFollowUpEvent(ctx, tx, eventType, f)
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// missingOrSettled explains why an update out of pending touched no rows.
func (r *FollowUpRepository) missingOrSettled(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	var exists bool
	err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM compliance_followups WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check follow-up: %w", err)
	}
	if !exists {
		return compliance.ErrNotFound
	}
	return compliance.ErrInvalidTransition
}

func (r *FollowUpRepository) AttachMeeting(ctx context.Context, id, meetingID uuid.UUID) error {
	query, args, err := psql.Update("compliance_followups").
		Set("meeting_id", meetingID).
		Where(squirrel.Eq{"id": id}).
		Suffix("RETURNING " + joinColumns(followUpColumns)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	return runInTx(ctx, r.db, func(tx pgx.Tx) error {
		f, err := scanFollowUp(tx.QueryRow(ctx, query, args...))
		if err != nil {
			return mapError(err, compliance.ErrNotFound)
		}
		return writeFollowUpEvent(ctx, tx, events.FollowUpLinked, f)
	})
}

func writeFollowUpEvent(ctx context.Context, tx pgx.Tx, eventType events.Type, f compliance.FollowUp) error {
	env, err := events.New(events.AggregateFollowUp, f.ID, eventType, f.PatientID, events.FollowUpData{
		FollowUpID:        f.ID,
		PatientID:         f.PatientID,
		MedicationID:      f.MedicationID,
		Reason:            string(f.Reason),
		Status:            string(f.Status),
		DueAt:             f.DueAt,
		RiskScoreSnapshot: f.RiskScoreSnapshot,
		MeetingID:         f.MeetingID,
	})
	if err != nil {
		return err
	}
	return writeEvent(ctx, tx, env)
}
