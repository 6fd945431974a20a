package scheduling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telecare/telemed/internal/config"
	"github.com/telecare/telemed/internal/domain/compliance"
	"github.com/telecare/telemed/pkg/circuitbreaker"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(config.SchedulingConfig{BaseURL: srv.URL + "/", Timeout: time.Second}, nil, nil)
	require.NoError(t, err)
	return c
}

func TestAssignedDoctor(t *testing.T) {
	patient := uuid.New()
	doctor := uuid.New()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/patients/"+patient.String()+"/doctor", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"doctor_id": doctor.String()})
	}))

	got, err := c.AssignedDoctor(context.Background(), patient)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, doctor, *got)
}

func TestAssignedDoctor_NotFoundIsNoDoctor(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unknown patient", http.StatusNotFound)
	}))

	got, err := c.AssignedDoctor(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCreateMeeting(t *testing.T) {
	meeting := uuid.New()
	req := compliance.MeetingRequest{
		FollowUpID: uuid.New(),
		PatientID:  uuid.New(),
		DoctorID:   uuid.New(),
		At:         time.Date(2025, 10, 19, 9, 30, 0, 0, time.UTC),
		Notes:      "check in",
	}

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/meetings", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body meetingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, req.FollowUpID, body.FollowUpID)
		assert.Equal(t, req.DoctorID, body.DoctorID)
		assert.True(t, req.At.Equal(body.ScheduledAt))

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": meeting.String()})
	}))

	got, err := c.CreateMeeting(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, meeting, got)
}

func TestCreateMeeting_ServerErrorsOpenBreaker(t *testing.T) {
	calls := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		http.Error(w, "down", http.StatusBadGateway)
	}))

	for i := 0; i < 5; i++ {
		_, err := c.CreateMeeting(context.Background(), compliance.MeetingRequest{})
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	}
	assert.Equal(t, circuitbreaker.StateOpen, c.Breaker().GetState())

	_, err := c.CreateMeeting(context.Background(), compliance.MeetingRequest{})
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 5, calls)
}

func TestCreateMeeting_ClientErrorsKeepBreakerClosed(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "doctor unavailable", http.StatusConflict)
	}))

	for i := 0; i < 8; i++ {
		_, err := c.CreateMeeting(context.Background(), compliance.MeetingRequest{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "doctor unavailable")
	}
	assert.Equal(t, circuitbreaker.StateClosed, c.Breaker().GetState())
}

func TestNew_InvalidBaseURL(t *testing.T) {
	_, err := New(config.SchedulingConfig{BaseURL: "not a url"}, nil, nil)
	assert.Error(t, err)
}
