// Package memory provides in-process repositories used by tests and by the
// API when no database is configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telecare/telemed/internal/domain/medication"
)

// MedicationStore keeps prescriptions and their intake logs together so an
// intake and its quantity change are applied under one lock.
type MedicationStore struct {
	mu   sync.RWMutex
	meds map[uuid.UUID]medication.Medication
	logs map[uuid.UUID][]medication.IntakeLog
	now  func() time.Time
}

// NewMedicationStore creates an empty store.
func NewMedicationStore() *MedicationStore {
	return &MedicationStore{
		meds: make(map[uuid.UUID]medication.Medication),
		logs: make(map[uuid.UUID][]medication.IntakeLog),
		now:  time.Now,
	}
}

var (
	_ medication.Repository          = (*MedicationStore)(nil)
	_ medication.IntakeLogRepository = (*MedicationStore)(nil)
)

func (s *MedicationStore) Create(ctx context.Context, m medication.Medication) (medication.Medication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	s.meds[m.ID] = clone(m)
	return clone(m), nil
}

func (s *MedicationStore) Get(ctx context.Context, id uuid.UUID) (medication.Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.meds[id]
	if !ok {
		return medication.Medication{}, medication.ErrNotFound
	}
	return clone(m), nil
}

func (s *MedicationStore) List(ctx context.Context, patientID *uuid.UUID) ([]medication.Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]medication.Medication, 0)
	for _, m := range s.meds {
		if patientID != nil && m.PatientID != *patientID {
			continue
		}
		out = append(out, clone(m))
	}
	sortMedications(out)
	return out, nil
}

func (s *MedicationStore) ListActive(ctx context.Context, f medication.ActiveFilter) ([]medication.Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	on := f.On
	if on.IsZero() {
		on = s.now()
	}

	out := make([]medication.Medication, 0)
	for _, m := range s.meds {
		if f.PatientID != nil && m.PatientID != *f.PatientID {
			continue
		}
		if m.EndedBefore(on) {
			continue
		}
		out = append(out, clone(m))
	}
	sortMedications(out)
	return out, nil
}

func (s *MedicationStore) RecordIntake(ctx context.Context, log medication.IntakeLog) (medication.Medication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meds[log.MedicationID]
	if !ok {
		return medication.Medication{}, medication.ErrNotFound
	}

	if m.RemainingQuantity != nil {
		remaining := max(0, *m.RemainingQuantity-log.DosesTaken)
		m.RemainingQuantity = &remaining
	}
	m.UpdatedAt = s.now().UTC()
	s.meds[m.ID] = m
	s.logs[m.ID] = append(s.logs[m.ID], log)

	return clone(m), nil
}

func (s *MedicationStore) Refill(ctx context.Context, id uuid.UUID, quantity int) (medication.Medication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meds[id]
	if !ok {
		return medication.Medication{}, medication.ErrNotFound
	}

	remaining := quantity
	if m.RemainingQuantity != nil {
		remaining += *m.RemainingQuantity
	}
	m.RemainingQuantity = &remaining
	m.TotalQuantity += quantity
	m.UpdatedAt = s.now().UTC()
	s.meds[id] = m

	return clone(m), nil
}

// AddLog appends a log without touching quantities. Tests use it to seed
// history.
func (s *MedicationStore) AddLog(log medication.IntakeLog) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	s.logs[log.MedicationID] = append(s.logs[log.MedicationID], log)
}

func (s *MedicationStore) ListForMedication(ctx context.Context, medicationID uuid.UUID, since time.Time) ([]medication.IntakeLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]medication.IntakeLog, 0)
	for _, l := range s.logs[medicationID] {
		if !since.IsZero() && l.TakenAt.Before(since) {
			continue
		}
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TakenAt.After(out[j].TakenAt)
	})
	return out, nil
}

func (s *MedicationStore) First(ctx context.Context, medicationID uuid.UUID) (*medication.IntakeLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *medication.IntakeLog
	for i := range s.logs[medicationID] {
		l := s.logs[medicationID][i]
		if latest == nil || l.TakenAt.After(latest.TakenAt) {
			latest = &l
		}
	}
	return latest, nil
}

func sortMedications(ms []medication.Medication) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].ID.String() < ms[j].ID.String()
		}
		return ms[i].CreatedAt.After(ms[j].CreatedAt)
	})
}

// clone copies pointer fields so callers cannot mutate stored state.
func clone(m medication.Medication) medication.Medication {
	m.EndDate = copyPtr(m.EndDate)
	m.RemainingQuantity = copyPtr(m.RemainingQuantity)
	m.RefillThreshold = copyPtr(m.RefillThreshold)
	m.NextDue = copyPtr(m.NextDue)
	return m
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
