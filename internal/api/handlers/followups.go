package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/telecare/telemed/internal/domain/compliance"
)

const defaultListLimit = 100

// FollowUpHandler handles the follow-up lifecycle endpoints.
type FollowUpHandler struct {
	svc    *compliance.Service
	logger *zap.Logger
}

// NewFollowUpHandler creates a new handler
func NewFollowUpHandler(svc *compliance.Service, logger *zap.Logger) *FollowUpHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FollowUpHandler{svc: svc, logger: logger}
}

// Routes returns the handler routes
func (h *FollowUpHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/complete", h.Complete)
	r.Post("/{id}/cancel", h.Cancel)
	return r
}

// List handles GET /followups?patient_id=&medication_id=&status=&limit=
func (h *FollowUpHandler) List(w http.ResponseWriter, r *http.Request) {
	var (
		f   compliance.ListFilter
		err error
	)
	if f.PatientID, err = queryUUID(r, "patient_id"); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if f.MedicationID, err = queryUUID(r, "medication_id"); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := compliance.Status(raw)
		switch status {
		case compliance.StatusPending, compliance.StatusCompleted, compliance.StatusCanceled:
			f.Status = &status
		default:
			writeError(w, h.logger, badRequest("invalid status %q", raw))
			return
		}
	}
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if f.Limit == 0 {
		f.Limit = defaultListLimit
	}

	items, err := h.svc.ListFollowUps(r.Context(), f)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// Get handles GET /followups/{id}
func (h *FollowUpHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	f, err := h.svc.GetFollowUp(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// Complete handles POST /followups/{id}/complete
func (h *FollowUpHandler) Complete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Complete)
}

// Cancel handles POST /followups/{id}/cancel
func (h *FollowUpHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Cancel)
}

func (h *FollowUpHandler) transition(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id uuid.UUID) (compliance.FollowUp, error)) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	f, err := apply(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}
