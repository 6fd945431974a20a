// Package compliance scores medication non-compliance risk and plans
// follow-up tasks for at-risk prescriptions.
package compliance

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("follow-up not found")
	ErrInvalidReason     = errors.New("invalid follow-up reason")
	ErrInvalidTransition = errors.New("follow-up is not pending")
	ErrMissingStartDate  = errors.New("medication has no start date")
	ErrLocked            = errors.New("medication is being evaluated elsewhere")
	ErrInvalidInput      = errors.New("invalid input")
)

// Reason explains why a follow-up was created.
type Reason string

const (
	ReasonLowCompliance Reason = "low_compliance"
	ReasonMissedDoses   Reason = "missed_doses"
	ReasonRefillNeeded  Reason = "refill_needed"
	ReasonNoLogs        Reason = "no_logs"
	ReasonHighRisk      Reason = "high_risk"
)

// Reasons lists every reason in declaration order.
var Reasons = []Reason{
	ReasonLowCompliance,
	ReasonMissedDoses,
	ReasonRefillNeeded,
	ReasonNoLogs,
	ReasonHighRisk,
}

// ParseReason validates a reason string. An empty string yields ReasonHighRisk.
func ParseReason(s string) (Reason, error) {
	if s == "" {
		return ReasonHighRisk, nil
	}
	for _, r := range Reasons {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReason, s)
}

// Status is the lifecycle state of a follow-up.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
)

// FollowUp is a task asking a clinician to check in with a patient.
type FollowUp struct {
	ID                uuid.UUID  `json:"id"`
	PatientID         uuid.UUID  `json:"patient_id"`
	MedicationID      *uuid.UUID `json:"medication_id,omitempty"`
	DueAt             time.Time  `json:"due_at"`
	Status            Status     `json:"status"`
	Reason            Reason     `json:"reason"`
	Notes             string     `json:"notes,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	CreatedBy         *uuid.UUID `json:"created_by,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	RiskScoreSnapshot float64    `json:"risk_score_snapshot"`
	MeetingID         *uuid.UUID `json:"meeting_id,omitempty"`
}

// Complete moves a pending follow-up to completed.
func (f *FollowUp) Complete(at time.Time) error {
	if f.Status != StatusPending {
		return ErrInvalidTransition
	}
	f.Status = StatusCompleted
	at = at.UTC()
	f.CompletedAt = &at
	return nil
}

// Cancel moves a pending follow-up to canceled.
func (f *FollowUp) Cancel() error {
	if f.Status != StatusPending {
		return ErrInvalidTransition
	}
	f.Status = StatusCanceled
	return nil
}

// Counts tallies created follow-ups per reason.
type Counts map[Reason]int

// NewCounts returns a tally with every reason present and zero.
func NewCounts() Counts {
	c := make(Counts, len(Reasons))
	for _, r := range Reasons {
		c[r] = 0
	}
	return c
}

// Total sums all reasons.
func (c Counts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Add merges other into c.
func (c Counts) Add(other Counts) {
	for r, v := range other {
		c[r] += v
	}
}
