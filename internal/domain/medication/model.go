// Package medication implements prescriptions and their intake history.
package medication

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("medication not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Medication is a prescription owned by one patient.
type Medication struct {
	ID        uuid.UUID `json:"id"`
	PatientID uuid.UUID `json:"patient_id"`
	Name      string    `json:"name"`
	Dosage    string    `json:"dosage"`
	// Frequency is free text such as "twice daily".
	Frequency string `json:"frequency"`
	// StartDate is a calendar date; the zero value means it was never set.
	StartDate         time.Time  `json:"start_date"`
	EndDate           *time.Time `json:"end_date,omitempty"`
	TotalQuantity     int        `json:"total_quantity"`
	RemainingQuantity *int       `json:"remaining_quantity,omitempty"`
	RefillThreshold   *int       `json:"refill_threshold,omitempty"`
	NextDue           *time.Time `json:"next_due,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// HasStartDate reports whether the prescription carries a start date.
func (m Medication) HasStartDate() bool { return !m.StartDate.IsZero() }

// EndedBefore reports whether the prescription ended before the calendar day of t.
func (m Medication) EndedBefore(t time.Time) bool {
	if m.EndDate == nil {
		return false
	}
	return Date(*m.EndDate).Before(Date(t))
}

// IntakeLog is an immutable record of a dose being taken.
type IntakeLog struct {
	ID           uuid.UUID `json:"id"`
	MedicationID uuid.UUID `json:"medication_id"`
	TakenAt      time.Time `json:"taken_at"`
	DosesTaken   int       `json:"doses_taken"`
	Note         string    `json:"note,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Date truncates t to midnight of its UTC calendar day.
func Date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the number of whole calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(Date(b).Sub(Date(a)).Hours() / 24)
}
