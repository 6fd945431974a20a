package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telecare/telemed/internal/domain/compliance"
)

// FollowUpStore is an in-memory compliance.FollowUpRepository.
type FollowUpStore struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]compliance.FollowUp
}

// NewFollowUpStore creates an empty store.
func NewFollowUpStore() *FollowUpStore {
	return &FollowUpStore{byID: make(map[uuid.UUID]compliance.FollowUp)}
}

var _ compliance.FollowUpRepository = (*FollowUpStore)(nil)

func (s *FollowUpStore) ExistsPending(ctx context.Context, medicationID uuid.UUID, reason compliance.Reason, createdAfter time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, f := range s.byID {
		if f.MedicationID == nil || *f.MedicationID != medicationID {
			continue
		}
		if f.Reason == reason && f.Status == compliance.StatusPending && !f.CreatedAt.Before(createdAfter) {
			return true, nil
		}
	}
	return false, nil
}

func (s *FollowUpStore) Create(ctx context.Context, f compliance.FollowUp) (compliance.FollowUp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	s.byID[f.ID] = f
	return f, nil
}

func (s *FollowUpStore) Get(ctx context.Context, id uuid.UUID) (compliance.FollowUp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.byID[id]
	if !ok {
		return compliance.FollowUp{}, compliance.ErrNotFound
	}
	return f, nil
}

func (s *FollowUpStore) List(ctx context.Context, filter compliance.ListFilter) ([]compliance.FollowUp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]compliance.FollowUp, 0)
	for _, f := range s.byID {
		if filter.PatientID != nil && f.PatientID != *filter.PatientID {
			continue
		}
		if filter.MedicationID != nil && (f.MedicationID == nil || *f.MedicationID != *filter.MedicationID) {
			continue
		}
		if filter.Status != nil && f.Status != *filter.Status {
			continue
		}
		out = append(out, f)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].DueAt.Before(out[j].DueAt)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *FollowUpStore) UpdateStatus(ctx context.Context, f compliance.FollowUp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byID[f.ID]
	if !ok {
		return compliance.ErrNotFound
	}
	if stored.Status != compliance.StatusPending {
		return compliance.ErrInvalidTransition
	}
	stored.Status = f.Status
	stored.CompletedAt = f.CompletedAt
	s.byID[f.ID] = stored
	return nil
}

func (s *FollowUpStore) AttachMeeting(ctx context.Context, id, meetingID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.byID[id]
	if !ok {
		return compliance.ErrNotFound
	}
	f.MeetingID = &meetingID
	s.byID[id] = f
	return nil
}
