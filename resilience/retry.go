package resilience

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/unfazed-dev/n8nkit/core"
)

// RetryPolicy configures retry behavior and the embedded circuit breaker.
type RetryPolicy struct {
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64
	JitterFraction float64

	// RetryableKinds and RetryableStatusCodes gate which failures the
	// executor will retry. A status code of 0 (no HTTP response) passes
	// the status gate.
	RetryableKinds       map[core.ErrorKind]bool
	RetryableStatusCodes map[int]bool

	CircuitBreakerEnabled   bool
	CircuitBreakerThreshold int
	CircuitBreakerCooldown  time.Duration
}

// DefaultRetryPolicy provides sensible defaults
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:     3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		BackoffFactor:  2.0,
		JitterFraction: 0.1,
		RetryableKinds: map[core.ErrorKind]bool{
			core.KindNetwork:     true,
			core.KindTimeout:     true,
			core.KindServerError: true,
			core.KindRateLimit:   true,
		},
		RetryableStatusCodes: map[int]bool{
			429: true,
			500: true,
			502: true,
			503: true,
			504: true,
		},
		CircuitBreakerEnabled:   true,
		CircuitBreakerThreshold: 5,
		CircuitBreakerCooldown:  60 * time.Second,
	}
}

// OperationStats tracks per-operation retry history.
type OperationStats struct {
	Attempts      int
	Successes     int
	Failures      int
	LastError     string
	LastAttemptAt time.Time
}

// Executor runs operations under the retry policy and the breaker.
// One executor serves a whole client; per-operation state is keyed by
// the caller-chosen operation id.
type Executor struct {
	policy  *RetryPolicy
	breaker *CircuitBreaker
	clock   core.Clock
	logger  core.Logger
	rng     func() float64

	mu    sync.Mutex
	stats map[string]*OperationStats
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithClock substitutes the time source. Used by tests.
func WithClock(clock core.Clock) ExecutorOption {
	return func(e *Executor) { e.clock = clock }
}

// WithLogger sets the executor logger.
func WithLogger(logger core.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// WithRand substitutes the jitter source. Used by tests.
func WithRand(rng func() float64) ExecutorOption {
	return func(e *Executor) { e.rng = rng }
}

// NewExecutor creates an Executor. A nil policy uses the defaults.
func NewExecutor(policy *RetryPolicy, opts ...ExecutorOption) *Executor {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	e := &Executor{
		policy: policy,
		clock:  core.RealClock{},
		logger: &core.NoOpLogger{},
		rng:    rand.Float64,
		stats:  make(map[string]*OperationStats),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.breaker = NewCircuitBreaker(policy.CircuitBreakerThreshold, policy.CircuitBreakerCooldown, e.clock, e.logger)
	return e
}

// Execute runs fn under the retry policy and the breaker.
//
// An open breaker rejects immediately with a non-retryable server_error
// so callers do not loop on it. Otherwise fn runs up to MaxRetries+1
// times; each failure is classified, recorded on the breaker, and gated
// through ShouldRetry before a context-aware backoff sleep.
func (e *Executor) Execute(ctx context.Context, operationID string, fn func(ctx context.Context) error) error {
	if e.policy.CircuitBreakerEnabled {
		if state, allowed := e.breaker.Allow(); !allowed {
			snap := e.breaker.Snapshot()
			rejection := core.NewEngineError(core.KindServerError, operationID, "circuit breaker is "+state.String())
			rejection.Retryable = false
			rejection.WithMetadata("circuitBreakerState", state.String())
			rejection.WithMetadata("failureCount", snap.Failures)
			rejection.Cause = core.ErrCircuitBreakerOpen
			e.logger.Warn("Rejected by circuit breaker", map[string]interface{}{
				"operation": operationID,
				"failures":  snap.Failures,
			})
			return rejection
		}
	}

	var lastErr *core.EngineError
	for attempt := 1; attempt <= e.policy.MaxRetries+1; attempt++ {
		e.recordAttempt(operationID)

		err := fn(ctx)
		if err == nil {
			e.recordOutcome(operationID, true, nil)
			if e.policy.CircuitBreakerEnabled {
				e.breaker.RecordSuccess()
			}
			return nil
		}

		lastErr = core.Classify(err)
		if lastErr.Op == "" {
			lastErr.Op = operationID
		}
		e.recordOutcome(operationID, false, lastErr)
		if e.policy.CircuitBreakerEnabled {
			e.breaker.RecordFailure()
		}

		if !e.ShouldRetry(lastErr, attempt) {
			return lastErr
		}

		delay := e.Delay(attempt)
		e.logger.Debug("Retrying after backoff", map[string]interface{}{
			"operation": operationID,
			"attempt":   attempt,
			"delay":     delay.String(),
			"kind":      string(lastErr.Kind),
		})
		if err := e.clock.Sleep(ctx, delay); err != nil {
			return err
		}
	}

	return lastErr
}

// ShouldRetry reports whether a classified failure at the given attempt
// number is eligible for another attempt.
func (e *Executor) ShouldRetry(err *core.EngineError, attempt int) bool {
	if err == nil {
		return false
	}
	if !e.policy.RetryableKinds[err.Kind] {
		return false
	}
	if err.StatusCode != 0 && !e.policy.RetryableStatusCodes[err.StatusCode] {
		return false
	}
	if !err.Retryable {
		return false
	}
	if attempt > e.policy.MaxRetries {
		return false
	}
	if err.Kind == core.KindRateLimit {
		if ra := err.RetryAfter(); ra > e.policy.MaxDelay {
			return false
		}
	}
	return true
}

// Delay computes the backoff before the attempt that follows the given
// one: exponential base with symmetric jitter, clamped to
// [InitialDelay, MaxDelay].
func (e *Executor) Delay(attempt int) time.Duration {
	base := float64(e.policy.InitialDelay) * math.Pow(e.policy.BackoffFactor, float64(attempt-1))
	jitter := base * e.policy.JitterFraction * (e.rng() - 0.5)
	delay := time.Duration(base + jitter)
	if delay < e.policy.InitialDelay {
		delay = e.policy.InitialDelay
	}
	if delay > e.policy.MaxDelay {
		delay = e.policy.MaxDelay
	}
	return delay
}

// Breaker exposes the executor's circuit breaker.
func (e *Executor) Breaker() *CircuitBreaker {
	return e.breaker
}

// ResetBreaker returns the breaker to closed.
func (e *Executor) ResetBreaker() {
	e.breaker.Reset()
}

// ResetOperation drops the recorded history for an operation id.
func (e *Executor) ResetOperation(operationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.stats, operationID)
}

// Stats returns a copy of the per-operation retry history.
func (e *Executor) Stats() map[string]OperationStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]OperationStats, len(e.stats))
	for id, s := range e.stats {
		out[id] = *s
	}
	return out
}

func (e *Executor) recordAttempt(operationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.statsLocked(operationID)
	s.Attempts++
	s.LastAttemptAt = e.clock.Now()
}

func (e *Executor) recordOutcome(operationID string, success bool, err *core.EngineError) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.statsLocked(operationID)
	if success {
		s.Successes++
		s.LastError = ""
		return
	}
	s.Failures++
	if err != nil {
		s.LastError = err.Error()
	}
}

func (e *Executor) statsLocked(operationID string) *OperationStats {
	s, ok := e.stats[operationID]
	if !ok {
		s = &OperationStats{}
		e.stats[operationID] = s
	}
	return s
}
