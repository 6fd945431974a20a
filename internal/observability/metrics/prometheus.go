// Package metrics provides Prometheus metrics for the telemedicine API,
// compliance scans and the outbox relay.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	FollowUpsCreated     *prometheus.CounterVec
	MedicationsEvaluated *prometheus.CounterVec
	RiskScores           prometheus.Histogram
	ScanDuration         prometheus.Histogram
	HTTPRequests         *prometheus.CounterVec
	HTTPDuration         *prometheus.HistogramVec
	OutboxPublishedTotal *prometheus.CounterVec
	OutboxFailures       *prometheus.CounterVec
	OutboxPendingEntries prometheus.Gauge
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		FollowUpsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "followups_created_total",
			Help: "Follow-ups created, by reason",
		}, []string{"reason"}),
		MedicationsEvaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medications_evaluated_total",
			Help: "Medications processed by follow-up scans, by outcome",
		}, []string{"outcome"}),
		RiskScores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "medication_risk_score",
			Help:    "Distribution of computed non-compliance risk scores",
			Buckets: []float64{.1, .2, .3, .4, .5, .6, .7, .8, .9, 1},
		}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "compliance_scan_duration_seconds",
			Help:    "Follow-up scan duration",
			Buckets: prometheus.DefBuckets,
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests, by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route"}),
		OutboxPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox entries published, by event type",
		}, []string{"event_type"}),
		OutboxFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_failures_total",
			Help: "Outbox publish failures, by event type",
		}, []string{"event_type"}),
		OutboxPendingEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.FollowUpsCreated,
		m.MedicationsEvaluated,
		m.RiskScores,
		m.ScanDuration,
		m.HTTPRequests,
		m.HTTPDuration,
		m.OutboxPublishedTotal,
		m.OutboxFailures,
		m.OutboxPendingEntries,
		m.CircuitBreakerState,
	)

	return m
}

// FollowUpCreated implements compliance.Recorder.
func (m *Metrics) FollowUpCreated(reason string) {
	m.FollowUpsCreated.WithLabelValues(reason).Inc()
}

// MedicationEvaluated implements compliance.Recorder.
func (m *Metrics) MedicationEvaluated(outcome string) {
	m.MedicationsEvaluated.WithLabelValues(outcome).Inc()
}

// RiskScored implements compliance.Recorder.
func (m *Metrics) RiskScored(score float64) {
	m.RiskScores.Observe(score)
}

// ScanCompleted implements compliance.Recorder.
func (m *Metrics) ScanCompleted(d time.Duration) {
	m.ScanDuration.Observe(d.Seconds())
}

// OutboxPublished implements postgres.OutboxRecorder.
func (m *Metrics) OutboxPublished(eventType string) {
	m.OutboxPublishedTotal.WithLabelValues(eventType).Inc()
}

// OutboxFailed implements postgres.OutboxRecorder.
func (m *Metrics) OutboxFailed(eventType string) {
	m.OutboxFailures.WithLabelValues(eventType).Inc()
}

// OutboxPending implements postgres.OutboxRecorder.
func (m *Metrics) OutboxPending(n int64) {
	m.OutboxPendingEntries.Set(float64(n))
}

// BreakerState records a circuit breaker transition.
func (m *Metrics) BreakerState(name, state string) {
	v := 0.0
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler returns the Prometheus HTTP handler for gatherer g. A nil g uses
// the default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
