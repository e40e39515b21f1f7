// Package resilience implements the client's error kernel: a retry
// executor with exponential backoff and jitter, a circuit breaker with
// wall-clock cool-down, and a resilient stream wrapper that recovers
// failing subscriptions according to a per-error-kind policy.
package resilience

import (
	"sync"
	"time"

	"github.com/unfazed-dev/n8nkit/core"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects requests until the cool-down elapses.
	StateOpen
	// StateHalfOpen allows a single probe request.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerSnapshot is a point-in-time view of the breaker.
type BreakerSnapshot struct {
	State         State
	Failures      int
	NextAttemptAt time.Time
}

// CircuitBreaker trips open after a threshold of consecutive failures
// and stays open for an absolute wall-clock cool-down. All transitions
// are serialised by a mutex.
type CircuitBreaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	threshold     int
	cooldown      time.Duration
	nextAttemptAt time.Time
	clock         core.Clock
	logger        core.Logger
}

// NewCircuitBreaker creates a closed breaker. A nil clock or logger
// falls back to the real clock and a no-op logger.
func NewCircuitBreaker(threshold int, cooldown time.Duration, clock core.Clock, logger core.Logger) *CircuitBreaker {
	if clock == nil {
		clock = core.RealClock{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &CircuitBreaker{
		state:     StateClosed,
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clock,
		logger:    logger,
	}
}

// Allow reports whether a request may proceed. An open breaker whose
// cool-down has elapsed transitions to half-open and admits one probe.
func (cb *CircuitBreaker) Allow() (State, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return cb.state, true
	case StateOpen:
		if !cb.clock.Now().Before(cb.nextAttemptAt) {
			cb.setState(StateHalfOpen)
			return StateHalfOpen, true
		}
		return StateOpen, false
	default:
		return cb.state, true
	}
}

// RecordSuccess closes the breaker and zeroes the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	if cb.state != StateClosed {
		cb.setState(StateClosed)
	}
}

// RecordFailure increments the failure count; at the threshold the
// breaker opens and schedules the next probe at now + cooldown. A
// half-open probe failure reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.threshold {
		cb.nextAttemptAt = cb.clock.Now().Add(cb.cooldown)
		if cb.state != StateOpen {
			cb.setState(StateOpen)
		}
	}
}

// Reset returns the breaker to its initial closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.nextAttemptAt = time.Time{}
	if cb.state != StateClosed {
		cb.setState(StateClosed)
	}
}

// Snapshot returns the current state, failure count, and next probe time.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerSnapshot{
		State:         cb.state,
		Failures:      cb.failures,
		NextAttemptAt: cb.nextAttemptAt,
	}
}

// setState must be called with the mutex held.
func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	cb.state = to
	cb.logger.Info("Circuit breaker state change", map[string]interface{}{
		"from":     from.String(),
		"to":       to.String(),
		"failures": cb.failures,
	})
}
