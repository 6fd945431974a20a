// Package events defines the integration events published for medications
// and follow-ups.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Topic names carried by the outbox relay.
const (
	TopicMedicationEvents = "medication.events"
	TopicFollowUpEvents   = "followup.events"
	TopicDeadLetter       = "dead.letter"
)

// Aggregate types.
const (
	AggregateMedication = "Medication"
	AggregateFollowUp   = "FollowUp"
)

// Type names a domain event.
type Type string

const (
	MedicationCreated  Type = "MedicationCreated"
	IntakeLogged       Type = "IntakeLogged"
	MedicationRefilled Type = "MedicationRefilled"
	FollowUpCreated    Type = "FollowUpCreated"
	FollowUpCompleted  Type = "FollowUpCompleted"
	FollowUpCanceled   Type = "FollowUpCanceled"
	FollowUpLinked     Type = "FollowUpMeetingLinked"
)

// Topic returns the topic an event of type t is published to.
func (t Type) Topic() string {
	switch t {
	case MedicationCreated, IntakeLogged, MedicationRefilled:
		return TopicMedicationEvents
	default:
		return TopicFollowUpEvents
	}
}

// Envelope is the wire form of an event.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     Type            `json:"event_type"`
	Data          json.RawMessage `json:"data"`
	OccurredAt    time.Time       `json:"occurred_at"`
	// PartitionKey keeps one patient's events ordered.
	PartitionKey string `json:"-"`
}

// New wraps data in an envelope keyed by patient.
func New(aggregateType string, aggregateID uuid.UUID, eventType Type, patientID uuid.UUID, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID.String(),
		AggregateType: aggregateType,
		EventType:     eventType,
		Data:          raw,
		OccurredAt:    time.Now().UTC(),
		PartitionKey:  patientID.String(),
	}, nil
}

// IntakeLoggedData describes a recorded dose.
type IntakeLoggedData struct {
	MedicationID      uuid.UUID `json:"medication_id"`
	PatientID         uuid.UUID `json:"patient_id"`
	LogID             uuid.UUID `json:"log_id"`
	TakenAt           time.Time `json:"taken_at"`
	DosesTaken        int       `json:"doses_taken"`
	RemainingQuantity *int      `json:"remaining_quantity,omitempty"`
}

// RefilledData describes a refill.
type RefilledData struct {
	MedicationID      uuid.UUID `json:"medication_id"`
	PatientID         uuid.UUID `json:"patient_id"`
	Quantity          int       `json:"quantity"`
	RemainingQuantity *int      `json:"remaining_quantity,omitempty"`
}

// FollowUpData describes a follow-up state change.
type FollowUpData struct {
	FollowUpID        uuid.UUID  `json:"followup_id"`
	PatientID         uuid.UUID  `json:"patient_id"`
	MedicationID      *uuid.UUID `json:"medication_id,omitempty"`
	Reason            string     `json:"reason"`
	Status            string     `json:"status"`
	DueAt             time.Time  `json:"due_at"`
	RiskScoreSnapshot float64    `json:"risk_score_snapshot"`
	MeetingID         *uuid.UUID `json:"meeting_id,omitempty"`
}
