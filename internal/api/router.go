// Package api assembles the HTTP surface of the telemedicine service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/telecare/telemed/internal/api/handlers"
	"github.com/telecare/telemed/internal/api/middleware"
	"github.com/telecare/telemed/internal/domain/compliance"
	"github.com/telecare/telemed/internal/domain/medication"
)

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Deps are the collaborators the router serves.
type Deps struct {
	Medications *medication.Service
	Compliance  *compliance.Service
	// Inbox enables Idempotency-Key handling. Optional.
	Inbox handlers.Idempotency
	// Metrics observes requests. Optional.
	Metrics middleware.RequestObserver
	// Checks back GET /ready, keyed by dependency name.
	Checks      map[string]ReadinessCheck
	APIKey      string
	ServiceName string
	Logger      *zap.Logger
}

// NewRouter builds the chi router.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Tracing(d.ServiceName))
	if d.Metrics != nil {
		r.Use(middleware.Metrics(d.Metrics))
	}
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS)
	r.Use(chimw.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	r.Get("/ready", readiness(d.Checks))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(d.APIKey))
		r.Use(middleware.Actor)
		r.Mount("/medications", handlers.NewMedicationHandler(d.Medications, d.Compliance, d.Inbox, logger).Routes())
		r.Mount("/followups", handlers.NewFollowUpHandler(d.Compliance, logger).Routes())
	})

	return r
}

func readiness(checks map[string]ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		state := "ready"
		if status != http.StatusOK {
			state = "not ready"
		}
		writeStatus(w, status, map[string]any{"status": state, "checks": results})
	}
}

func writeStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
