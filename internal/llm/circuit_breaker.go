package llm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned when the circuit breaker is in open state
// and rejects requests to prevent cascading failures.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds the configuration for the circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies the breaker in logs, usually the provider name.
	Name string

	// MaxFailures is the number of consecutive failures required to trip the circuit.
	// Default: 5
	MaxFailures uint32

	// Timeout is the duration the circuit stays open before transitioning to half-open.
	// Default: 30 seconds
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of consecutive successes required in half-open
	// state to close the circuit again.
	// Default: 1
	HalfOpenMaxSuccesses uint32

	// Logger receives state changes. Nil disables logging.
	Logger *zap.Logger
}

// CircuitBreakerMetrics holds metrics about circuit breaker operations.
type CircuitBreakerMetrics struct {
	TotalRequests        uint64 `json:"total_requests"`
	TotalSuccesses       uint64 `json:"total_successes"`
	TotalFailures        uint64 `json:"total_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
}

// CircuitBreaker wraps gobreaker to protect backend calls from cascading failures.
//
// When closed (normal operation), requests pass through normally.
// After MaxFailures consecutive transient failures, the circuit opens and rejects all requests.
// After Timeout duration, the circuit transitions to half-open and allows test requests.
// After HalfOpenMaxSuccesses successes in half-open state, the circuit closes again.
//
// Only transient failures count against the breaker: a rejected prompt (4xx)
// says nothing about backend health.
type CircuitBreaker struct {
	breaker *gobreaker.CircuitBreaker
	config  CircuitBreakerConfig
	mu      sync.RWMutex
	metrics CircuitBreakerMetrics
}

// NewCircuitBreaker creates a circuit breaker with default configuration.
// The default trips after more consecutive failures than one decision's
// retry budget so a single bad decision cannot open it.
func NewCircuitBreaker(name string, logger *zap.Logger) *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CircuitBreakerConfig{
		Name:                 name,
		MaxFailures:          5,
		Timeout:              30 * time.Second,
		HalfOpenMaxSuccesses: 1,
		Logger:               logger,
	})
}

// NewCircuitBreakerWithConfig creates a new circuit breaker with custom configuration.
func NewCircuitBreakerWithConfig(config CircuitBreakerConfig) *CircuitBreaker {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Name == "" {
		config.Name = "llm"
	}
	cb := &CircuitBreaker{
		config: config,
	}
	logger := config.Logger.Named("breaker")

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.HalfOpenMaxSuccesses,
		Interval:    0, // Don't clear counts periodically
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	cb.breaker = gobreaker.NewCircuitBreaker(settings)
	return cb
}

// Execute runs the given function through the circuit breaker.
// If the circuit is open, it returns ErrCircuitOpen immediately.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	select {
	case <-ctx.Done():
		cb.recordFailure()
		return nil, ctx.Err()
	default:
	}

	result, err := cb.breaker.Execute(func() (interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		return fn()
	})

	if err != nil {
		cb.recordFailure()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
	} else {
		cb.recordSuccess()
	}

	return result, err
}

// State returns the current state of the circuit breaker.
// Possible values: "closed", "open", "half-open"
func (cb *CircuitBreaker) State() string {
	state := cb.breaker.State()
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Metrics returns the current metrics for the circuit breaker.
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	counts := cb.breaker.Counts()

	return CircuitBreakerMetrics{
		TotalRequests:        cb.metrics.TotalRequests,
		TotalSuccesses:       cb.metrics.TotalSuccesses,
		TotalFailures:        cb.metrics.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.metrics.TotalRequests++
	cb.metrics.TotalSuccesses++
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.metrics.TotalRequests++
	cb.metrics.TotalFailures++
}
