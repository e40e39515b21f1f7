package resilience

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/unfazed-dev/n8nkit/core"
	"github.com/unfazed-dev/n8nkit/stream"
)

// Strategy names a recovery action applied to an upstream error.
type Strategy string

const (
	// StrategyRestart cancels upstream, waits, and resubscribes.
	StrategyRestart Strategy = "restart"
	// StrategyRetry is restart bounded by MaxRetries with backoff.
	StrategyRetry Strategy = "retry"
	// StrategyFallback injects the fallback value downstream.
	StrategyFallback Strategy = "fallback"
	// StrategySkip swallows the error.
	StrategySkip Strategy = "skip"
	// StrategyEscalate forwards the error to the downstream.
	StrategyEscalate Strategy = "escalate"
)

// StreamPolicy maps error kinds to recovery strategies for a wrapped
// subscription. Kinds absent from the table use DefaultStrategy.
type StreamPolicy[T any] struct {
	Strategies      map[core.ErrorKind]Strategy
	DefaultStrategy Strategy

	MaxRetries        int
	InitialRetryDelay time.Duration
	BackoffFactor     float64
	JitterFraction    float64
	FallbackValue     T

	HealthCheckEnabled  bool
	HealthCheckInterval time.Duration
	RestartThreshold    int
}

// DefaultStreamPolicy retries transient failures, escalates
// authentication errors, and restarts on anything else.
func DefaultStreamPolicy[T any]() *StreamPolicy[T] {
	return &StreamPolicy[T]{
		Strategies: map[core.ErrorKind]Strategy{
			core.KindNetwork:        StrategyRetry,
			core.KindTimeout:        StrategyRetry,
			core.KindServerError:    StrategyRetry,
			core.KindRateLimit:      StrategyRetry,
			core.KindAuthentication: StrategyEscalate,
			core.KindWorkflow:       StrategyEscalate,
		},
		DefaultStrategy:     StrategyRestart,
		MaxRetries:          3,
		InitialRetryDelay:   time.Second,
		BackoffFactor:       2.0,
		JitterFraction:      0.1,
		HealthCheckEnabled:  true,
		HealthCheckInterval: 30 * time.Second,
		RestartThreshold:    3,
	}
}

// For looks up the strategy for an error kind.
func (p *StreamPolicy[T]) For(kind core.ErrorKind) Strategy {
	if s, ok := p.Strategies[kind]; ok {
		return s
	}
	return p.DefaultStrategy
}

// healthWindow is the size of the recent-error ring buffer.
const healthWindow = 10

// StreamHealth is a point-in-time view of a wrapped stream's health.
type StreamHealth struct {
	TotalEmissions  int64
	TotalErrors     int64
	SuccessRate     float64
	AvgResponseTime time.Duration
	LastSuccessAt   time.Time
	LastErrorAt     time.Time
	RecentErrors    []string
	Restarts        int64
}

// streamHealth accumulates emission outcomes under a mutex.
type streamHealth struct {
	mu            sync.Mutex
	clock         core.Clock
	emissions     int64
	errors        int64
	restarts      int64
	totalElapsed  time.Duration
	lastEmission  time.Time
	lastSuccessAt time.Time
	lastErrorAt   time.Time
	recent        []string
}

func newStreamHealth(clock core.Clock) *streamHealth {
	return &streamHealth{clock: clock}
}

func (h *streamHealth) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.clock.Now()
	if !h.lastEmission.IsZero() {
		h.totalElapsed += now.Sub(h.lastEmission)
	}
	h.lastEmission = now
	h.lastSuccessAt = now
	h.emissions++
}

func (h *streamHealth) recordError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.clock.Now()
	if !h.lastEmission.IsZero() {
		h.totalElapsed += now.Sub(h.lastEmission)
	}
	h.lastEmission = now
	h.lastErrorAt = now
	h.emissions++
	h.errors++
	h.recent = append(h.recent, err.Error())
	if len(h.recent) > healthWindow {
		h.recent = h.recent[len(h.recent)-healthWindow:]
	}
}

func (h *streamHealth) recordRestart() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.restarts++
	h.recent = nil
}

func (h *streamHealth) snapshot() StreamHealth {
	h.mu.Lock()
	defer h.mu.Unlock()

	rate := 1.0
	if h.emissions > 0 {
		rate = float64(h.emissions-h.errors) / float64(h.emissions)
	}
	var avg time.Duration
	if h.emissions > 1 {
		avg = h.totalElapsed / time.Duration(h.emissions-1)
	}
	recent := make([]string, len(h.recent))
	copy(recent, h.recent)
	return StreamHealth{
		TotalEmissions:  h.emissions,
		TotalErrors:     h.errors,
		SuccessRate:     rate,
		AvgResponseTime: avg,
		LastSuccessAt:   h.lastSuccessAt,
		LastErrorAt:     h.lastErrorAt,
		RecentErrors:    recent,
		Restarts:        h.restarts,
	}
}

// unhealthy must be consistent with the health monitor rule: success
// rate at or below half with a threshold's worth of recent errors.
func (h *streamHealth) unhealthy(threshold int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.emissions == 0 || threshold <= 0 {
		return false
	}
	rate := float64(h.emissions-h.errors) / float64(h.emissions)
	return rate <= 0.5 && len(h.recent) >= threshold
}

// Source produces a fresh upstream subscription. It is invoked once at
// start and again on every restart or retry.
type Source[T any] func(ctx context.Context) (*stream.Subscription[stream.Result[T]], error)

// Resilient wraps a fallible source with the recovery policy. Errors
// emitted by the upstream (as Result.Err) are recorded into stream
// health and handled per the strategy table; values pass through.
type Resilient[T any] struct {
	source  Source[T]
	policy  *StreamPolicy[T]
	clock   core.Clock
	logger  core.Logger
	rng     func() float64
	health  *streamHealth
	out     *stream.Subject[stream.Result[T]]
	restart chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

// ResilientOption configures a Resilient wrapper.
type ResilientOption[T any] func(*Resilient[T])

// WithStreamClock substitutes the time source. Used by tests.
func WithStreamClock[T any](clock core.Clock) ResilientOption[T] {
	return func(r *Resilient[T]) { r.clock = clock }
}

// WithStreamLogger sets the wrapper logger.
func WithStreamLogger[T any](logger core.Logger) ResilientOption[T] {
	return func(r *Resilient[T]) { r.logger = logger }
}

// WithStreamRand substitutes the jitter source. Used by tests.
func WithStreamRand[T any](rng func() float64) ResilientOption[T] {
	return func(r *Resilient[T]) { r.rng = rng }
}

// NewResilient creates a wrapper around source. A nil policy uses the
// defaults. Call Start to begin consuming.
func NewResilient[T any](source Source[T], policy *StreamPolicy[T], opts ...ResilientOption[T]) *Resilient[T] {
	if policy == nil {
		policy = DefaultStreamPolicy[T]()
	}
	r := &Resilient[T]{
		source:  source,
		policy:  policy,
		clock:   core.RealClock{},
		logger:  &core.NoOpLogger{},
		rng:     rand.Float64,
		out:     stream.NewSubject[stream.Result[T]](),
		restart: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.health = newStreamHealth(r.clock)
	return r
}

// Subscribe attaches a downstream subscriber.
func (r *Resilient[T]) Subscribe() *stream.Subscription[stream.Result[T]] {
	return r.out.Subscribe()
}

// Health returns a snapshot of the stream's health.
func (r *Resilient[T]) Health() StreamHealth {
	return r.health.snapshot()
}

// Start launches the consume loop and, when enabled, the health
// monitor. Calling Start twice is a no-op.
func (r *Resilient[T]) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	go r.run(runCtx)
	if r.policy.HealthCheckEnabled {
		go r.monitor(runCtx)
	}
}

// Close stops the consume loop and closes the downstream subject.
// Idempotent.
func (r *Resilient[T]) Close() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	r.out.Close()
}

func (r *Resilient[T]) run(ctx context.Context) {
	defer r.out.Close()

	retries := 0
	for {
		sub, err := r.source(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			engErr := core.Classify(err)
			r.health.recordError(engErr)
			if !r.recover(ctx, nil, engErr, &retries) {
				return
			}
			continue
		}

	consume:
		for {
			select {
			case <-ctx.Done():
				sub.Cancel()
				return
			case <-r.restart:
				r.logger.Warn("Forcing stream restart", map[string]interface{}{
					"successRate": r.health.snapshot().SuccessRate,
				})
				sub.Cancel()
				r.health.recordRestart()
				if r.clock.Sleep(ctx, r.policy.InitialRetryDelay) != nil {
					return
				}
				break consume
			case res, ok := <-sub.C():
				if !ok {
					return
				}
				if res.Err == nil {
					r.health.recordSuccess()
					retries = 0
					r.out.Publish(res)
					continue
				}
				engErr := core.Classify(res.Err)
				r.health.recordError(engErr)
				switch r.policy.For(engErr.Kind) {
				case StrategyFallback:
					r.out.Publish(stream.Ok(r.policy.FallbackValue))
				case StrategySkip:
					// swallowed
				case StrategyEscalate:
					r.out.Publish(stream.Fail[T](engErr))
				default:
					if !r.recover(ctx, sub, engErr, &retries) {
						return
					}
					break consume
				}
			}
		}
	}
}

// recover handles restart and retry strategies: cancel upstream, back
// off, and signal the caller to resubscribe. Returns false when the
// stream should end (retries exhausted or context done).
func (r *Resilient[T]) recover(ctx context.Context, sub *stream.Subscription[stream.Result[T]], engErr *core.EngineError, retries *int) bool {
	if sub != nil {
		sub.Cancel()
	}

	strategy := r.policy.For(engErr.Kind)
	delay := r.policy.InitialRetryDelay
	if strategy == StrategyRetry {
		if *retries >= r.policy.MaxRetries {
			r.out.Publish(stream.Fail[T](engErr))
			return false
		}
		*retries++
		delay = r.retryDelay(*retries)
	}

	r.health.recordRestart()
	r.logger.Debug("Recovering stream", map[string]interface{}{
		"strategy": string(strategy),
		"kind":     string(engErr.Kind),
		"delay":    delay.String(),
	})
	return r.clock.Sleep(ctx, delay) == nil
}

// retryDelay mirrors the executor's backoff formula, clamped to
// [InitialRetryDelay, InitialRetryDelay × 2^MaxRetries].
func (r *Resilient[T]) retryDelay(attempt int) time.Duration {
	base := float64(r.policy.InitialRetryDelay) * math.Pow(r.policy.BackoffFactor, float64(attempt-1))
	jitter := base * r.policy.JitterFraction * (r.rng() - 0.5)
	delay := time.Duration(base + jitter)
	if delay < r.policy.InitialRetryDelay {
		delay = r.policy.InitialRetryDelay
	}
	return delay
}

func (r *Resilient[T]) monitor(ctx context.Context) {
	for {
		if r.clock.Sleep(ctx, r.policy.HealthCheckInterval) != nil {
			return
		}
		if r.health.unhealthy(r.policy.RestartThreshold) {
			select {
			case r.restart <- struct{}{}:
			default:
			}
		}
	}
}
