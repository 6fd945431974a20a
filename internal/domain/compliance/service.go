package compliance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/telecare/telemed/internal/domain/medication"
)

// Service exposes risk scoring, scans and follow-up lifecycle operations.
type Service struct {
	meds            medication.Repository
	logs            medication.IntakeLogRepository
	followups       FollowUpRepository
	planner         *Planner
	atRiskThreshold float64
	logger          *zap.Logger
	now             func() time.Time
}

// NewService creates a compliance service on top of planner.
func NewService(meds medication.Repository, logs medication.IntakeLogRepository, followups FollowUpRepository, planner *Planner, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		meds:            meds,
		logs:            logs,
		followups:       followups,
		planner:         planner,
		atRiskThreshold: mediumRiskThreshold,
		logger:          logger,
		now:             planner.now,
	}
}

// WithAtRiskThreshold sets the minimum score reported by AtRisk.
func (s *Service) WithAtRiskThreshold(threshold float64) *Service {
	if threshold > 0 {
		s.atRiskThreshold = threshold
	}
	return s
}

// Assessment is a medication together with its current risk.
type Assessment struct {
	Medication     medication.Medication `json:"medication"`
	Risk           Risk                  `json:"risk"`
	ComplianceRate float64               `json:"compliance_rate"`
	RefillNeeded   bool                  `json:"refill_needed"`
}

// ComputeRisk scores one medication now.
func (s *Service) ComputeRisk(ctx context.Context, medicationID uuid.UUID) (Assessment, error) {
	m, err := s.meds.Get(ctx, medicationID)
	if err != nil {
		return Assessment{}, err
	}
	return s.assess(ctx, m, s.now().UTC())
}

// ComplianceRate returns the percentage of expected doses logged over the
// trailing days.
func (s *Service) ComplianceRate(ctx context.Context, medicationID uuid.UUID, days int) (float64, error) {
	if days <= 0 {
		days = complianceWindowDays
	}
	m, err := s.meds.Get(ctx, medicationID)
	if err != nil {
		return 0, err
	}
	now := s.now().UTC()
	h, err := LoadHistory(ctx, s.logs, m.ID, now, days)
	if err != nil {
		return 0, err
	}
	return ComplianceRate(m, h, now, days), nil
}

// AtRisk lists active medications at or above the at-risk threshold or in
// need of a refill, riskiest first.
func (s *Service) AtRisk(ctx context.Context, patientID *uuid.UUID) ([]Assessment, error) {
	now := s.now().UTC()
	meds, err := s.meds.ListActive(ctx, medication.ActiveFilter{PatientID: patientID, On: now})
	if err != nil {
		return nil, fmt.Errorf("list active medications: %w", err)
	}

	out := make([]Assessment, 0)
	for _, m := range meds {
		a, err := s.assess(ctx, m, now)
		if err != nil {
			return nil, err
		}
		if a.Risk.Score >= s.atRiskThreshold || a.RefillNeeded {
			out = append(out, a)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Risk.Score > out[j].Risk.Score
	})
	return out, nil
}

func (s *Service) assess(ctx context.Context, m medication.Medication, now time.Time) (Assessment, error) {
	h, err := LoadHistory(ctx, s.logs, m.ID, now, complianceWindowDays)
	if err != nil {
		return Assessment{}, err
	}
	return Assessment{
		Medication:     m,
		Risk:           ComputeRisk(m, h, now),
		ComplianceRate: ComplianceRate(m, h, now, complianceWindowDays),
		RefillNeeded:   needsRefill(m),
	}, nil
}

// Scan evaluates every active medication, optionally for one patient.
func (s *Service) Scan(ctx context.Context, patientID *uuid.UUID, actor *Actor) (*ScanReport, error) {
	meds, err := s.meds.ListActive(ctx, medication.ActiveFilter{PatientID: patientID, On: s.now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("list active medications: %w", err)
	}
	return s.planner.EvaluateAndCreateFollowUps(ctx, meds, actor), nil
}

// ActivePatients returns the distinct patients with at least one active
// medication, in a stable order.
func (s *Service) ActivePatients(ctx context.Context) ([]uuid.UUID, error) {
	meds, err := s.meds.ListActive(ctx, medication.ActiveFilter{On: s.now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("list active medications: %w", err)
	}
	seen := make(map[uuid.UUID]struct{}, len(meds))
	out := make([]uuid.UUID, 0)
	for _, m := range meds {
		if _, ok := seen[m.PatientID]; ok {
			continue
		}
		seen[m.PatientID] = struct{}{}
		out = append(out, m.PatientID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// CreateFollowUp creates an on-demand follow-up.
func (s *Service) CreateFollowUp(ctx context.Context, in CreateFollowUpInput) (FollowUp, error) {
	return s.planner.CreateFollowUp(ctx, in)
}

// GetFollowUp returns a follow-up by id.
func (s *Service) GetFollowUp(ctx context.Context, id uuid.UUID) (FollowUp, error) {
	return s.followups.Get(ctx, id)
}

// ListFollowUps returns follow-ups matching f, earliest due first.
func (s *Service) ListFollowUps(ctx context.Context, f ListFilter) ([]FollowUp, error) {
	return s.followups.List(ctx, f)
}

// Complete marks a pending follow-up completed.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (FollowUp, error) {
	return s.transition(ctx, id, "completed", func(f *FollowUp) error {
		return f.Complete(s.now())
	})
}

// Cancel marks a pending follow-up canceled.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (FollowUp, error) {
	return s.transition(ctx, id, "canceled", func(f *FollowUp) error {
		return f.Cancel()
	})
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, name string, apply func(*FollowUp) error) (FollowUp, error) {
	f, err := s.followups.Get(ctx, id)
	if err != nil {
		return FollowUp{}, err
	}
	if err := apply(&f); err != nil {
		return FollowUp{}, err
	}
	if err := s.followups.UpdateStatus(ctx, f); err != nil {
		return FollowUp{}, fmt.Errorf("update follow-up: %w", err)
	}

	s.logger.Info("follow-up "+name,
		zap.String("id", f.ID.String()),
		zap.String("reason", string(f.Reason)))
	return f, nil
}
