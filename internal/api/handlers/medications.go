package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/telecare/telemed/internal/api/middleware"
	"github.com/telecare/telemed/internal/domain/compliance"
	"github.com/telecare/telemed/internal/domain/medication"
	"github.com/telecare/telemed/pkg/idempotency"
)

// HeaderIdempotencyKey makes follow-up creation safe to retry.
const HeaderIdempotencyKey = "Idempotency-Key"

// Idempotency runs a request body at most once per key.
type Idempotency interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// MedicationHandler handles prescription, intake and risk endpoints.
type MedicationHandler struct {
	meds       *medication.Service
	compliance *compliance.Service
	inbox      Idempotency
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewMedicationHandler creates a new handler. inbox may be nil, in which
// case Idempotency-Key headers are ignored.
func NewMedicationHandler(meds *medication.Service, svc *compliance.Service, inbox Idempotency, logger *zap.Logger) *MedicationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MedicationHandler{
		meds:       meds,
		compliance: svc,
		inbox:      inbox,
		logger:     logger,
		tracer:     otel.Tracer("medication-handler"),
	}
}

// Routes returns the handler routes
func (h *MedicationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/at-risk", h.AtRisk)
	r.Post("/scan", h.Scan)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/intake", h.LogIntake)
		r.Get("/logs", h.Logs)
		r.Post("/refill", h.Refill)
		r.Get("/risk", h.Risk)
		r.Get("/compliance", h.Compliance)
		r.Post("/followups", h.CreateFollowUp)
	})
	return r
}

// CreateMedicationRequest is the body of POST /medications.
type CreateMedicationRequest struct {
	PatientID         uuid.UUID `json:"patient_id"`
	Name              string    `json:"name"`
	Dosage            string    `json:"dosage"`
	Frequency         string    `json:"frequency"`
	StartDate         string    `json:"start_date"`
	EndDate           *string   `json:"end_date,omitempty"`
	TotalQuantity     int       `json:"total_quantity"`
	RemainingQuantity *int      `json:"remaining_quantity,omitempty"`
	RefillThreshold   *int      `json:"refill_threshold,omitempty"`
	NextDue           *string   `json:"next_due,omitempty"`
}

func (req CreateMedicationRequest) input() (medication.CreateInput, error) {
	in := medication.CreateInput{
		PatientID:         req.PatientID,
		Name:              req.Name,
		Dosage:            req.Dosage,
		Frequency:         req.Frequency,
		TotalQuantity:     req.TotalQuantity,
		RemainingQuantity: req.RemainingQuantity,
		RefillThreshold:   req.RefillThreshold,
	}
	var err error
	if strings.TrimSpace(req.StartDate) != "" {
		if in.StartDate, err = parseDate("start_date", req.StartDate); err != nil {
			return in, err
		}
	}
	if in.EndDate, err = parseOptionalDate("end_date", req.EndDate); err != nil {
		return in, err
	}
	if in.NextDue, err = parseOptionalDate("next_due", req.NextDue); err != nil {
		return in, err
	}
	return in, nil
}

// Create handles POST /medications
func (h *MedicationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateMedicationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	in, err := req.input()
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	m, err := h.meds.Create(r.Context(), in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// List handles GET /medications?patient_id=
func (h *MedicationHandler) List(w http.ResponseWriter, r *http.Request) {
	patientID, err := queryUUID(r, "patient_id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	meds, err := h.meds.List(r.Context(), patientID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, meds)
}

// Get handles GET /medications/{id}
func (h *MedicationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	m, err := h.meds.Get(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// IntakeRequest is the body of POST /medications/{id}/intake. Every field
// is optional.
type IntakeRequest struct {
	TakenAt    *time.Time `json:"taken_at,omitempty"`
	DosesTaken int        `json:"doses_taken,omitempty"`
	Note       string     `json:"note,omitempty"`
}

// IntakeResponse returns the new log with the updated prescription.
type IntakeResponse struct {
	Log        medication.IntakeLog  `json:"log"`
	Medication medication.Medication `json:"medication"`
}

// LogIntake handles POST /medications/{id}/intake
func (h *MedicationHandler) LogIntake(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var req IntakeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}
	in := medication.LogIntakeInput{DosesTaken: req.DosesTaken, Note: req.Note}
	if req.TakenAt != nil {
		in.TakenAt = *req.TakenAt
	}

	log, m, err := h.meds.LogIntake(r.Context(), id, in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, IntakeResponse{Log: log, Medication: m})
}

// Logs handles GET /medications/{id}/logs
func (h *MedicationHandler) Logs(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	logs, err := h.meds.Logs(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// RefillRequest is the body of POST /medications/{id}/refill.
type RefillRequest struct {
	Quantity int `json:"quantity"`
}

// Refill handles POST /medications/{id}/refill
func (h *MedicationHandler) Refill(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var req RefillRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	m, err := h.meds.Refill(r.Context(), id, req.Quantity)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// RiskResponse is the body of GET /medications/{id}/risk.
type RiskResponse struct {
	MedicationID   uuid.UUID             `json:"medication_id"`
	RiskScore      float64               `json:"risk_score"`
	RiskLevel      compliance.Level      `json:"risk_level"`
	ComplianceRate float64               `json:"compliance_rate"`
	RefillNeeded   bool                  `json:"refill_needed"`
	Components     compliance.Components `json:"components"`
}

func riskResponse(a compliance.Assessment) RiskResponse {
	return RiskResponse{
		MedicationID:   a.Medication.ID,
		RiskScore:      a.Risk.Score,
		RiskLevel:      a.Risk.Level,
		ComplianceRate: a.ComplianceRate,
		RefillNeeded:   a.RefillNeeded,
		Components:     a.Risk.Components,
	}
}

// Risk handles GET /medications/{id}/risk
func (h *MedicationHandler) Risk(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	a, err := h.compliance.ComputeRisk(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, riskResponse(a))
}

// Compliance handles GET /medications/{id}/compliance?days=
func (h *MedicationHandler) Compliance(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	days, err := queryInt(r, "days")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if days == 0 {
		days = 30
	}
	rate, err := h.compliance.ComplianceRate(r.Context(), id, days)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"medication_id":   id,
		"days":            days,
		"compliance_rate": rate,
	})
}

// AtRiskEntry is one row of GET /medications/at-risk.
type AtRiskEntry struct {
	Medication medication.Medication `json:"medication"`
	RiskResponse
}

// AtRisk handles GET /medications/at-risk?patient_id=
func (h *MedicationHandler) AtRisk(w http.ResponseWriter, r *http.Request) {
	patientID, err := queryUUID(r, "patient_id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	assessments, err := h.compliance.AtRisk(r.Context(), patientID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	out := make([]AtRiskEntry, 0, len(assessments))
	for _, a := range assessments {
		out = append(out, AtRiskEntry{Medication: a.Medication, RiskResponse: riskResponse(a)})
	}
	writeJSON(w, http.StatusOK, out)
}

// Scan handles POST /medications/scan?patient_id=
func (h *MedicationHandler) Scan(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "scan_followups")
	defer span.End()

	patientID, err := queryUUID(r, "patient_id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	report, err := h.compliance.Scan(ctx, patientID, middleware.GetActor(ctx))
	if err != nil {
		span.RecordError(err)
		writeError(w, h.logger, err)
		return
	}
	span.SetAttributes(attribute.Int("created", report.Created.Total()))
	writeJSON(w, http.StatusOK, report)
}

// CreateFollowUpRequest is the body of POST /medications/{id}/followups.
// The due time comes from scheduled_at, else date+time, else the risk tier.
type CreateFollowUpRequest struct {
	Reason      string     `json:"reason,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	ScheduledAt string     `json:"scheduled_at,omitempty"`
	Date        string     `json:"date,omitempty"`
	Time        string     `json:"time,omitempty"`
	DoctorID    *uuid.UUID `json:"doctor_id,omitempty"`
}

// CreateFollowUp handles POST /medications/{id}/followups
func (h *MedicationHandler) CreateFollowUp(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_followup")
	defer span.End()

	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, h.logger, badRequest("read body: %v", err))
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	var req CreateFollowUpRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, h.logger, badRequest("invalid request body: %v", err))
		return
	}

	actor := middleware.GetActor(ctx)
	in := compliance.CreateFollowUpInput{
		MedicationID: id,
		Reason:       compliance.Reason(req.Reason),
		Notes:        req.Notes,
		ScheduledAt:  req.ScheduledAt,
		Date:         req.Date,
		Time:         req.Time,
		DoctorID:     req.DoctorID,
		Actor:        actor,
	}
	create := func(ctx context.Context) (json.RawMessage, error) {
		f, err := h.compliance.CreateFollowUp(ctx, in)
		if err != nil {
			return nil, err
		}
		return json.Marshal(f)
	}

	clientKey := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if h.inbox == nil || clientKey == "" {
		out, err := create(ctx)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		writeRaw(w, http.StatusCreated, out)
		return
	}

	actorID := ""
	if actor != nil {
		actorID = actor.ID.String()
	}
	key := idempotency.RequestKey(actorID, "POST /medications/"+id.String()+"/followups", clientKey)
	span.SetAttributes(attribute.String("idempotency_key", key))

	res, err := h.inbox.Process(ctx, key, "create_followup", body, create)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if res.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeRaw(w, http.StatusCreated, res.Result)
}

func writeRaw(w http.ResponseWriter, status int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
