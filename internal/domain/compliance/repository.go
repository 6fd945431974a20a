package compliance

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListFilter narrows follow-up listings. Nil fields match everything.
type ListFilter struct {
	PatientID    *uuid.UUID
	MedicationID *uuid.UUID
	Status       *Status
	Limit        int
}

// FollowUpRepository persists follow-ups.
type FollowUpRepository interface {
	// ExistsPending reports whether a pending follow-up for the medication and
	// reason was created after createdAfter.
	ExistsPending(ctx context.Context, medicationID uuid.UUID, reason Reason, createdAfter time.Time) (bool, error)
	Create(ctx context.Context, f FollowUp) (FollowUp, error)
	Get(ctx context.Context, id uuid.UUID) (FollowUp, error)
	List(ctx context.Context, f ListFilter) ([]FollowUp, error)
	// UpdateStatus stores a transition out of pending and its completion time.
	// It returns ErrInvalidTransition when the stored follow-up is no longer pending.
	UpdateStatus(ctx context.Context, f FollowUp) error
	AttachMeeting(ctx context.Context, id, meetingID uuid.UUID) error
}

// Locker serializes evaluation of a single medication across evaluators.
type Locker interface {
	// Lock acquires key for at most ttl. It returns ErrLocked when the key is
	// held elsewhere.
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// MeetingRequest asks the scheduling system for a follow-up meeting.
type MeetingRequest struct {
	FollowUpID uuid.UUID
	PatientID  uuid.UUID
	DoctorID   uuid.UUID
	At         time.Time
	Notes      string
}

// Scheduler resolves doctors and books meetings. Implementations may fail;
// callers treat every failure as non-fatal.
type Scheduler interface {
	AssignedDoctor(ctx context.Context, patientID uuid.UUID) (*uuid.UUID, error)
	CreateMeeting(ctx context.Context, req MeetingRequest) (uuid.UUID, error)
}

// Role identifies what kind of user is acting.
type Role string

const (
	RolePatient   Role = "patient"
	RoleDoctor    Role = "doctor"
	RoleCaregiver Role = "caregiver"
	RoleAdmin     Role = "admin"
)

// Actor is the user on whose behalf an operation runs.
type Actor struct {
	ID   uuid.UUID
	Role Role
}
