package compliance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/telecare/telemed/internal/domain/medication"
)

const (
	notesHighRisk      = "Auto-generated due to high non-compliance risk."
	notesRefillNeeded  = "Auto-generated refill reminder."
	notesNoLogs        = "Auto-generated due to no recent intake logs."
	notesLowCompliance = "Auto-generated: 30-day compliance %.1f%%."

	noLogsThresholdDays    = 7
	lowComplianceThreshold = 80.0
)

// Recorder receives planner measurements.
type Recorder interface {
	FollowUpCreated(reason string)
	MedicationEvaluated(outcome string)
	RiskScored(score float64)
	ScanCompleted(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) FollowUpCreated(string)     {}
func (nopRecorder) MedicationEvaluated(string) {}
func (nopRecorder) RiskScored(float64)         {}
func (nopRecorder) ScanCompleted(time.Duration) {}

// PlannerConfig holds follow-up planning settings.
type PlannerConfig struct {
	// DedupWindow is how far back a pending follow-up suppresses a new one.
	DedupWindow time.Duration
	// LockTTL bounds how long one medication's evaluation may hold its lock.
	LockTTL time.Duration
}

// DefaultPlannerConfig returns the standard planning settings
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		DedupWindow: 48 * time.Hour,
		LockTTL:     30 * time.Second,
	}
}

// Planner evaluates medications and creates follow-ups when rules trigger.
type Planner struct {
	meds      medication.Repository
	logs      medication.IntakeLogRepository
	followups FollowUpRepository
	locker    Locker
	scheduler Scheduler
	recorder  Recorder
	config    PlannerConfig
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// PlannerOption customizes a Planner.
type PlannerOption func(*Planner)

// WithLocker serializes per-medication evaluation through l.
func WithLocker(l Locker) PlannerOption { return func(p *Planner) { p.locker = l } }

// WithScheduler enables meeting linkage for on-demand follow-ups.
func WithScheduler(s Scheduler) PlannerOption { return func(p *Planner) { p.scheduler = s } }

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) PlannerOption { return func(p *Planner) { p.recorder = r } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) PlannerOption { return func(p *Planner) { p.now = now } }

// WithConfig overrides the planning settings.
func WithConfig(cfg PlannerConfig) PlannerOption { return func(p *Planner) { p.config = cfg } }

// NewPlanner creates a follow-up planner
func NewPlanner(meds medication.Repository, logs medication.IntakeLogRepository, followups FollowUpRepository, logger *zap.Logger, opts ...PlannerOption) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Planner{
		meds:      meds,
		logs:      logs,
		followups: followups,
		recorder:  nopRecorder{},
		config:    DefaultPlannerConfig(),
		logger:    logger,
		tracer:    otel.Tracer("followup-planner"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Skip records a medication that was not evaluated.
type Skip struct {
	MedicationID uuid.UUID `json:"medication_id"`
	Reason       string    `json:"reason"`
}

// Failure records a medication whose evaluation failed.
type Failure struct {
	MedicationID uuid.UUID `json:"medication_id"`
	Error        string    `json:"error"`
}

// ScanReport summarizes one batch evaluation.
type ScanReport struct {
	Created   Counts    `json:"created"`
	Evaluated int       `json:"evaluated"`
	Skipped   []Skip    `json:"skipped"`
	Failures  []Failure `json:"failures"`
}

// Merge folds other into r.
func (r *ScanReport) Merge(other *ScanReport) {
	if other == nil {
		return
	}
	r.Created.Add(other.Created)
	r.Evaluated += other.Evaluated
	r.Skipped = append(r.Skipped, other.Skipped...)
	r.Failures = append(r.Failures, other.Failures...)
}

// NewScanReport returns an empty report with every reason counted at zero.
func NewScanReport() *ScanReport {
	return &ScanReport{
		Created:  NewCounts(),
		Skipped:  []Skip{},
		Failures: []Failure{},
	}
}

// EvaluateAndCreateFollowUps evaluates each medication against the
// follow-up rules. A failing medication is recorded and does not stop the
// rest of the batch; the report always carries a count for every reason.
func (p *Planner) EvaluateAndCreateFollowUps(ctx context.Context, meds []medication.Medication, actor *Actor) *ScanReport {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "evaluate_and_create_followups",
		trace.WithAttributes(attribute.Int("batch_size", len(meds))))
	defer span.End()

	report := NewScanReport()
	now := p.now().UTC()

	for _, m := range meds {
		if err := ctx.Err(); err != nil {
			report.Failures = append(report.Failures, Failure{MedicationID: m.ID, Error: err.Error()})
			p.recorder.MedicationEvaluated("failed")
			continue
		}

		created, skip, err := p.evaluateIsolated(ctx, m, actor, now)
		report.Created.Add(created)

		switch {
		case err != nil:
			report.Failures = append(report.Failures, Failure{MedicationID: m.ID, Error: err.Error()})
			p.recorder.MedicationEvaluated("failed")
			span.RecordError(err)
			p.logger.Error("medication evaluation failed",
				zap.String("medication_id", m.ID.String()),
				zap.Error(err))
		case skip != "":
			report.Skipped = append(report.Skipped, Skip{MedicationID: m.ID, Reason: skip})
			p.recorder.MedicationEvaluated("skipped")
		default:
			report.Evaluated++
			p.recorder.MedicationEvaluated("evaluated")
		}
	}

	p.recorder.ScanCompleted(time.Since(start))
	span.SetAttributes(
		attribute.Int("created", report.Created.Total()),
		attribute.Int("failures", len(report.Failures)))

	p.logger.Info("compliance evaluation complete",
		zap.Int("medications", len(meds)),
		zap.Int("evaluated", report.Evaluated),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("failed", len(report.Failures)),
		zap.Int("created", report.Created.Total()))

	return report
}

func (p *Planner) evaluateIsolated(ctx context.Context, m medication.Medication, actor *Actor, now time.Time) (created Counts, skip string, err error) {
	created = NewCounts()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic evaluating medication: %v", r)
		}
	}()

	if m.EndedBefore(now) {
		return created, "inactive", nil
	}
	if !m.HasStartDate() {
		return created, ErrMissingStartDate.Error(), nil
	}

	if p.locker != nil {
		unlock, lockErr := p.locker.Lock(ctx, lockKey(m.ID), p.config.LockTTL)
		if lockErr != nil {
			if errors.Is(lockErr, ErrLocked) {
				return created, ErrLocked.Error(), nil
			}
			return created, "", fmt.Errorf("lock medication: %w", lockErr)
		}
		defer unlock()
	}

	err = p.evaluate(ctx, m, actor, now, created)
	return created, "", err
}

func (p *Planner) evaluate(ctx context.Context, m medication.Medication, actor *Actor, now time.Time, created Counts) error {
	ctx, span := p.tracer.Start(ctx, "evaluate_medication",
		trace.WithAttributes(attribute.String("medication_id", m.ID.String())))
	defer span.End()

	h, err := LoadHistory(ctx, p.logs, m.ID, now, complianceWindowDays)
	if err != nil {
		return err
	}

	score := ComputeRisk(m, h, now).Score
	rate := ComplianceRate(m, h, now, complianceWindowDays)
	p.recorder.RiskScored(score)
	span.SetAttributes(attribute.Float64("risk_score", score), attribute.Float64("compliance_rate", rate))

	cutoff := now.Add(-p.config.DedupWindow)
	try := func(reason Reason, due time.Time, notes string) error {
		exists, err := p.followups.ExistsPending(ctx, m.ID, reason, cutoff)
		if err != nil {
			return fmt.Errorf("check pending %s: %w", reason, err)
		}
		if exists {
			return nil
		}
		if _, err := p.followups.Create(ctx, p.newFollowUp(m, reason, due, notes, actor, score, now)); err != nil {
			return fmt.Errorf("create %s follow-up: %w", reason, err)
		}
		created[reason]++
		p.recorder.FollowUpCreated(string(reason))
		return nil
	}

	if score >= HighRiskThreshold {
		if err := try(ReasonHighRisk, NextFollowUpTime(score, now), notesHighRisk); err != nil {
			return err
		}
	}

	if needsRefill(m) {
		if err := try(ReasonRefillNeeded, now.Add(24*time.Hour), notesRefillNeeded); err != nil {
			return err
		}
	}

	if days, ok := DaysSinceLastLog(h, now); !ok || days >= noLogsThresholdDays {
		if err := try(ReasonNoLogs, now.Add(24*time.Hour), notesNoLogs); err != nil {
			return err
		}
	}

	if rate < lowComplianceThreshold {
		if err := try(ReasonLowCompliance, now.AddDate(0, 0, 2), fmt.Sprintf(notesLowCompliance, rate)); err != nil {
			return err
		}
	}

	return nil
}

func (p *Planner) newFollowUp(m medication.Medication, reason Reason, due time.Time, notes string, actor *Actor, score float64, now time.Time) FollowUp {
	medID := m.ID
	f := FollowUp{
		ID:                uuid.New(),
		PatientID:         m.PatientID,
		MedicationID:      &medID,
		DueAt:             due.UTC(),
		Status:            StatusPending,
		Reason:            reason,
		Notes:             notes,
		CreatedAt:         now,
		RiskScoreSnapshot: score,
	}
	if actor != nil {
		id := actor.ID
		f.CreatedBy = &id
	}
	return f
}

// needsRefill reports whether the remaining quantity is at or below the
// refill threshold. A missing threshold counts as zero.
func needsRefill(m medication.Medication) bool {
	if m.RemainingQuantity == nil {
		return false
	}
	threshold := 0
	if m.RefillThreshold != nil {
		threshold = *m.RefillThreshold
	}
	return *m.RemainingQuantity <= max(0, threshold)
}

// CreateFollowUpInput describes an on-demand follow-up. The due time is
// taken from ScheduledAt, then Date+Time, then the risk tier.
type CreateFollowUpInput struct {
	MedicationID uuid.UUID
	Reason       Reason
	Notes        string
	ScheduledAt  string
	Date         string
	Time         string
	DoctorID     *uuid.UUID
	Actor        *Actor
}

// CreateFollowUp creates a follow-up for one medication on request and, when
// a doctor can be resolved, books a linked meeting. Meeting failures are
// logged and never fail the follow-up.
func (p *Planner) CreateFollowUp(ctx context.Context, in CreateFollowUpInput) (FollowUp, error) {
	ctx, span := p.tracer.Start(ctx, "create_followup",
		trace.WithAttributes(attribute.String("medication_id", in.MedicationID.String())))
	defer span.End()

	reason := in.Reason
	if reason == "" {
		reason = ReasonHighRisk
	}
	if _, err := ParseReason(string(reason)); err != nil {
		return FollowUp{}, err
	}

	m, err := p.meds.Get(ctx, in.MedicationID)
	if err != nil {
		return FollowUp{}, err
	}

	now := p.now().UTC()
	h, err := LoadHistory(ctx, p.logs, m.ID, now, complianceWindowDays)
	if err != nil {
		return FollowUp{}, err
	}
	score := ComputeRisk(m, h, now).Score

	due, err := ResolveDue(in.ScheduledAt, in.Date, in.Time)
	if err != nil {
		return FollowUp{}, err
	}
	if due.IsZero() {
		due = NextFollowUpTime(score, now)
	}

	f := p.newFollowUp(m, reason, due, strings.TrimSpace(in.Notes), in.Actor, score, now)
	f, err = p.followups.Create(ctx, f)
	if err != nil {
		span.RecordError(err)
		return FollowUp{}, fmt.Errorf("create follow-up: %w", err)
	}
	p.recorder.FollowUpCreated(string(reason))

	p.linkMeeting(ctx, &f, in)
	return f, nil
}

func (p *Planner) linkMeeting(ctx context.Context, f *FollowUp, in CreateFollowUpInput) {
	if p.scheduler == nil {
		return
	}

	doctorID := p.resolveDoctor(ctx, f.PatientID, in)
	if doctorID == nil {
		return
	}

	meetingID, err := p.scheduler.CreateMeeting(ctx, MeetingRequest{
		FollowUpID: f.ID,
		PatientID:  f.PatientID,
		DoctorID:   *doctorID,
		At:         f.DueAt,
		Notes:      f.Notes,
	})
	if err != nil {
		p.logger.Warn("meeting linkage failed",
			zap.String("followup_id", f.ID.String()),
			zap.Error(err))
		return
	}

	if err := p.followups.AttachMeeting(ctx, f.ID, meetingID); err != nil {
		p.logger.Warn("failed to attach meeting",
			zap.String("followup_id", f.ID.String()),
			zap.String("meeting_id", meetingID.String()),
			zap.Error(err))
		return
	}
	f.MeetingID = &meetingID
}

// resolveDoctor picks the explicit doctor, then the acting doctor, then the
// patient's assigned doctor.
func (p *Planner) resolveDoctor(ctx context.Context, patientID uuid.UUID, in CreateFollowUpInput) *uuid.UUID {
	if in.DoctorID != nil {
		return in.DoctorID
	}
	if in.Actor != nil && in.Actor.Role == RoleDoctor {
		id := in.Actor.ID
		return &id
	}
	id, err := p.scheduler.AssignedDoctor(ctx, patientID)
	if err != nil {
		p.logger.Warn("assigned doctor lookup failed",
			zap.String("patient_id", patientID.String()),
			zap.Error(err))
		return nil
	}
	return id
}

var dueLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// ResolveDue parses an explicit due time from an ISO datetime or separate
// date and time fields. Times without a zone are read as UTC. It returns
// the zero time when neither is given.
func ResolveDue(scheduledAt, date, clock string) (time.Time, error) {
	scheduledAt = strings.TrimSpace(scheduledAt)
	if scheduledAt != "" {
		for _, layout := range dueLayouts {
			if t, err := time.Parse(layout, scheduledAt); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: scheduled_at %q", ErrInvalidInput, scheduledAt)
	}

	date, clock = strings.TrimSpace(date), strings.TrimSpace(clock)
	if date == "" || clock == "" {
		return time.Time{}, nil
	}
	if len(clock) == len("15:04") {
		clock += ":00"
	}
	t, err := time.Parse("2006-01-02T15:04:05", date+"T"+clock)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q time %q", ErrInvalidInput, date, clock)
	}
	return t, nil
}

// LoadHistory reads the logs needed to score a medication: every log in the
// trailing window of days plus the most recent log overall.
func LoadHistory(ctx context.Context, logs medication.IntakeLogRepository, medicationID uuid.UUID, now time.Time, days int) (History, error) {
	since := now.Add(-time.Duration(days) * 24 * time.Hour)
	recent, err := logs.ListForMedication(ctx, medicationID, since)
	if err != nil {
		return History{}, fmt.Errorf("list intake logs: %w", err)
	}
	if len(recent) > 0 {
		return NewHistory(recent), nil
	}

	last, err := logs.First(ctx, medicationID)
	if err != nil {
		return History{}, fmt.Errorf("latest intake log: %w", err)
	}
	return History{Logs: recent, Last: last}, nil
}

func lockKey(id uuid.UUID) string {
	return "compliance:medication:" + id.String()
}
