// Package handlers provides HTTP handlers for the telemedicine API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/telecare/telemed/internal/domain/compliance"
	"github.com/telecare/telemed/internal/domain/medication"
	"github.com/telecare/telemed/pkg/idempotency"
)

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, medication.ErrNotFound), errors.Is(err, compliance.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, medication.ErrInvalidInput),
		errors.Is(err, compliance.ErrInvalidInput),
		errors.Is(err, compliance.ErrInvalidReason),
		errors.Is(err, compliance.ErrMissingStartDate):
		return http.StatusBadRequest
	case errors.Is(err, compliance.ErrInvalidTransition),
		errors.Is(err, compliance.ErrLocked),
		errors.Is(err, idempotency.ErrMessageInProgress),
		errors.Is(err, idempotency.ErrDuplicateMessage):
		return http.StatusConflict
	case errors.Is(err, idempotency.ErrKeyReused), errors.Is(err, idempotency.ErrPreviouslyFailed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError responds with the mapped status. Server errors are logged and
// their details withheld.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
		jsonError(w, "internal server error", status)
		return
	}
	jsonError(w, err.Error(), status)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, badRequest("invalid %s", name)
	}
	return id, nil
}

func queryUUID(r *http.Request, name string) (*uuid.UUID, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, badRequest("invalid %s", name)
	}
	return &id, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest("invalid %s", name)
	}
	return n, nil
}

// parseDate accepts a calendar date or an RFC 3339 timestamp.
func parseDate(name, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, badRequest("invalid %s %q", name, s)
}

func parseOptionalDate(name string, s *string) (*time.Time, error) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil, nil
	}
	t, err := parseDate(name, *s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// IsClientError reports errors caused by the request itself. Retrying such a
// request unchanged fails the same way.
func IsClientError(err error) bool {
	status := statusFor(err)
	return status >= 400 && status < 500
}
