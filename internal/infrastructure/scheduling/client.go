// Package scheduling is an HTTP client for the appointment service that
// owns doctor assignments and meetings.
package scheduling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/telecare/telemed/internal/config"
	"github.com/telecare/telemed/internal/domain/compliance"
	"github.com/telecare/telemed/pkg/circuitbreaker"
)

// StatusError is a non-2xx response from the scheduling service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("scheduling: status %d", e.StatusCode)
	}
	return fmt.Sprintf("scheduling: status %d: %s", e.StatusCode, e.Body)
}

// clientError reports 4xx responses, which say nothing about the health of
// the remote service.
func clientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500
}

// Client implements compliance.Scheduler.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New creates a client for cfg.BaseURL guarded by a circuit breaker.
// onBreakerChange may be nil.
func New(cfg config.SchedulingConfig, onBreakerChange func(name string, from, to circuitbreaker.State), logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid scheduling base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	bcfg := circuitbreaker.DefaultConfig("scheduling")
	bcfg.IsSuccessful = func(err error) bool { return err == nil || clientError(err) }
	bcfg.OnStateChange = onBreakerChange
	breaker, err := circuitbreaker.New(bcfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create circuit breaker: %w", err)
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  logger,
		tracer:  otel.Tracer("scheduling-client"),
	}, nil
}

// Breaker exposes the circuit breaker for health reporting.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.breaker }

type doctorResponse struct {
	DoctorID *uuid.UUID `json:"doctor_id"`
}

// AssignedDoctor returns the patient's assigned doctor, or nil when the
// patient has none.
func (c *Client) AssignedDoctor(ctx context.Context, patientID uuid.UUID) (*uuid.UUID, error) {
	ctx, span := c.tracer.Start(ctx, "scheduling_assigned_doctor",
		trace.WithAttributes(attribute.String("patient_id", patientID.String())))
	defer span.End()

	var out doctorResponse
	err := c.do(ctx, http.MethodGet, "/patients/"+patientID.String()+"/doctor", nil, &out)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		span.RecordError(err)
		return nil, err
	}
	return out.DoctorID, nil
}

type meetingRequest struct {
	FollowUpID  uuid.UUID `json:"followup_id"`
	PatientID   uuid.UUID `json:"patient_id"`
	DoctorID    uuid.UUID `json:"doctor_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Notes       string    `json:"notes,omitempty"`
}

type meetingResponse struct {
	ID uuid.UUID `json:"id"`
}

// CreateMeeting books a meeting and returns its id.
func (c *Client) CreateMeeting(ctx context.Context, req compliance.MeetingRequest) (uuid.UUID, error) {
	ctx, span := c.tracer.Start(ctx, "scheduling_create_meeting",
		trace.WithAttributes(attribute.String("followup_id", req.FollowUpID.String())))
	defer span.End()

	body := meetingRequest{
		FollowUpID:  req.FollowUpID,
		PatientID:   req.PatientID,
		DoctorID:    req.DoctorID,
		ScheduledAt: req.At.UTC(),
		Notes:       req.Notes,
	}
	var out meetingResponse
	if err := c.do(ctx, http.MethodPost, "/meetings", body, &out); err != nil {
		span.RecordError(err)
		return uuid.Nil, err
	}
	if out.ID == uuid.Nil {
		return uuid.Nil, errors.New("scheduling: response has no meeting id")
	}
	return out.ID, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	_, err := c.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		return nil, c.roundTrip(ctx, method, path, in, out)
	})
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("scheduling: encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("scheduling: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("scheduling: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("scheduling: decode response: %w", err)
	}
	return nil
}
