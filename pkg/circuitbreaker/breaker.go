// Package circuitbreaker guards calls to external services.
// Wraps sony/gobreaker with OpenTelemetry tracing and metrics.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned when the breaker rejects a call without running it.
var ErrOpen = errors.New("circuit breaker open")

// Config holds circuit breaker configuration
type Config struct {
	// Name identifies the circuit breaker
	Name string
	// MaxRequests is max requests allowed in half-open state
	MaxRequests uint32
	// Interval is the cyclic period for clearing counts in closed state
	Interval time.Duration
	// Timeout is how long to wait before transitioning from open to half-open
	Timeout time.Duration
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold uint32
	// FailureRatio opens the breaker once MinRequests have been seen
	FailureRatio float64
	MinRequests  uint32
	// IsSuccessful classifies errors. Errors it accepts do not count as
	// failures. Nil treats only a nil error as success.
	IsSuccessful func(err error) bool
	// OnStateChange is called after every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns defaults for an HTTP dependency.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.6,
		MinRequests:      10,
	}
}

// CircuitBreaker wraps gobreaker with observability
type CircuitBreaker struct {
	cb            *gobreaker.CircuitBreaker
	name          string
	logger        *zap.Logger
	tracer        trace.Tracer
	onStateChange func(name string, from, to State)

	requestCounter  metric.Int64Counter
	failureCounter  metric.Int64Counter
	rejectedCounter metric.Int64Counter

	currentState State
	stateMu      sync.RWMutex
}

// New creates a new circuit breaker
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	meter := otel.Meter("circuit-breaker")
	cb := &CircuitBreaker{
		name:          cfg.Name,
		logger:        logger,
		tracer:        otel.Tracer("circuit-breaker"),
		onStateChange: cfg.OnStateChange,
		currentState:  StateClosed,
	}

	var err error
	cb.requestCounter, err = meter.Int64Counter("circuit_breaker_requests_total",
		metric.WithDescription("Total requests through circuit breaker"))
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}
	cb.failureCounter, err = meter.Int64Counter("circuit_breaker_failures_total",
		metric.WithDescription("Total failed requests"))
	if err != nil {
		return nil, fmt.Errorf("failed to create failure counter: %w", err)
	}
	cb.rejectedCounter, err = meter.Int64Counter("circuit_breaker_rejected_total",
		metric.WithDescription("Total requests rejected due to open circuit"))
	if err != nil {
		return nil, fmt.Errorf("failed to create rejected counter: %w", err)
	}

	isSuccessful := cfg.IsSuccessful
	if isSuccessful == nil {
		isSuccessful = func(err error) bool { return err == nil }
	}

	cb.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			cb.transition(from, to)
		},
		IsSuccessful: isSuccessful,
	})

	return cb, nil
}

// Execute runs fn through the circuit breaker. Rejections wrap ErrOpen.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	ctx, span := c.tracer.Start(ctx, "circuit_breaker_execute",
		trace.WithAttributes(
			attribute.String("breaker_name", c.name),
			attribute.String("state", string(c.GetState())),
		))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("name", c.name))
	c.requestCounter.Add(ctx, 1, attrs)

	result, err := c.cb.Execute(func() (any, error) { return fn(ctx) })
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.rejectedCounter.Add(ctx, 1, attrs)
			span.SetAttributes(attribute.Bool("circuit_open", true))
			return nil, fmt.Errorf("%s: %w", c.name, ErrOpen)
		}
		c.failureCounter.Add(ctx, 1, attrs)
		return nil, err
	}
	return result, nil
}

// Call is Execute with a typed result.
func Call[T any](ctx context.Context, c *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	out, err := c.Execute(ctx, func(ctx context.Context) (any, error) { return fn(ctx) })
	if err != nil {
		return zero, err
	}
	return out.(T), nil
}

// GetState returns the current circuit breaker state
func (c *CircuitBreaker) GetState() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.currentState
}

// Name returns the breaker name.
func (c *CircuitBreaker) Name() string { return c.name }

func (c *CircuitBreaker) transition(from, to gobreaker.State) {
	fromState := mapState(from)
	toState := mapState(to)

	c.stateMu.Lock()
	c.currentState = toState
	c.stateMu.Unlock()

	c.logger.Warn("circuit breaker state changed",
		zap.String("breaker", c.name),
		zap.String("from", string(fromState)),
		zap.String("to", string(toState)))

	if c.onStateChange != nil {
		c.onStateChange(c.name, fromState, toState)
	}
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Counts returns the current counts from the circuit breaker
func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.cb.Counts()
}

// HealthStatus summarizes a breaker for health endpoints.
type HealthStatus struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
	Healthy  bool   `json:"healthy"`
}

// Health returns the breaker's health status.
func (c *CircuitBreaker) Health() HealthStatus {
	counts := c.Counts()
	state := c.GetState()
	return HealthStatus{
		Name:     c.name,
		State:    state,
		Requests: counts.Requests,
		Failures: counts.TotalFailures,
		Healthy:  state == StateClosed,
	}
}
