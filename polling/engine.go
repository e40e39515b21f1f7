// Package polling runs adaptive status-polling sessions against a
// remote workflow engine. Each session invokes a caller-supplied probe
// at a cadence chosen by the configured strategy, tracks per-session
// metrics, backs off on consecutive failures, and ends on terminal
// status, stop predicate, caller stop, or the error ceiling.
package polling

import (
	"context"
	"sync"
	"time"

	"github.com/unfazed-dev/n8nkit/core"
	"github.com/unfazed-dev/n8nkit/stream"
)

// Probe fetches the current state of one execution.
type Probe func(ctx context.Context) (*core.WorkflowExecution, error)

// Result is one polling emission: an execution snapshot or a classified
// probe error.
type Result struct {
	Execution *core.WorkflowExecution
	Err       error
	Timestamp time.Time
}

// StopPredicate ends a session when it returns true for an emission.
type StopPredicate func(*core.WorkflowExecution) bool

// StartOption configures a single polling session.
type StartOption func(*session)

// WithStopPredicate ends the session once pred holds.
func WithStopPredicate(pred StopPredicate) StartOption {
	return func(s *session) { s.stopPred = pred }
}

// WithInterval pins the session to a fixed interval, bypassing the
// engine strategy.
func WithInterval(d time.Duration) StartOption {
	return func(s *session) { s.fixedInterval = d }
}

type activity struct {
	status core.ExecutionStatus
	at     time.Time
}

type session struct {
	executionID   string
	subject       *stream.Subject[Result]
	cancel        context.CancelFunc
	metrics       *metricsState
	stopPred      StopPredicate
	fixedInterval time.Duration

	mu           sync.Mutex
	lastActivity activity
	consecutive  int
}

func (s *session) recordActivity(status core.ExecutionStatus, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = activity{status: status, at: at}
}

func (s *session) activity() activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Engine owns all polling sessions for a client. One session per
// execution id; starting an already-active id attaches a new
// subscription to the existing session.
type Engine struct {
	cfg    *Config
	clock  core.Clock
	logger core.Logger

	mu       sync.Mutex
	sessions map[string]*session
	// history keeps metrics of ended sessions readable
	history map[string]*metricsState
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock substitutes the time source. Used by tests.
func WithClock(clock core.Clock) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the engine logger.
func WithLogger(logger core.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates a polling engine. A nil config uses the defaults.
func NewEngine(cfg *Config, opts ...EngineOption) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	e := &Engine{
		cfg:      cfg,
		clock:    core.RealClock{},
		logger:   &core.NoOpLogger{},
		sessions: make(map[string]*session),
		history:  make(map[string]*metricsState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins (or joins) a polling session for executionID. The
// returned subscription emits probe results until the session ends.
func (e *Engine) Start(ctx context.Context, executionID string, probe Probe, opts ...StartOption) (*stream.Subscription[Result], error) {
	e.mu.Lock()
	if existing, ok := e.sessions[executionID]; ok {
		e.mu.Unlock()
		return existing.subject.Subscribe(), nil
	}

	now := e.clock.Now()
	sessCtx, cancel := context.WithCancel(ctx)
	s := &session{
		executionID: executionID,
		subject:     stream.NewSubject[Result](),
		cancel:      cancel,
		metrics:     newMetricsState(executionID, now),
	}
	for _, opt := range opts {
		opt(s)
	}
	e.sessions[executionID] = s
	e.history[executionID] = s.metrics
	e.mu.Unlock()

	sub := s.subject.Subscribe()
	go e.run(sessCtx, s, probe)

	e.logger.Debug("Polling session started", map[string]interface{}{
		"executionId": executionID,
		"strategy":    string(e.cfg.Strategy),
	})
	return sub, nil
}

// Stop cancels the session for executionID and freezes its metrics.
// Idempotent; stopping an unknown id is a no-op.
func (e *Engine) Stop(executionID string) {
	e.mu.Lock()
	s, ok := e.sessions[executionID]
	e.mu.Unlock()
	if ok {
		s.cancel()
	}
}

// StopAll cancels every active session.
func (e *Engine) StopAll() {
	e.mu.Lock()
	active := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		active = append(active, s)
	}
	e.mu.Unlock()
	for _, s := range active {
		s.cancel()
	}
}

// RecordActivity feeds a side-channel status observation into the
// session's interval computation.
func (e *Engine) RecordActivity(executionID string, status string) {
	e.mu.Lock()
	s, ok := e.sessions[executionID]
	e.mu.Unlock()
	if ok {
		s.recordActivity(core.ParseExecutionStatus(status), e.clock.Now())
	}
}

// MetricsFor returns the metrics snapshot for a session, active or
// ended. The second return is false for an unknown id.
func (e *Engine) MetricsFor(executionID string) (Metrics, bool) {
	e.mu.Lock()
	m, ok := e.history[executionID]
	e.mu.Unlock()
	if !ok {
		return Metrics{}, false
	}
	return m.snapshot(e.clock.Now()), true
}

// ActiveIDs lists execution ids with a running session.
func (e *Engine) ActiveIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	return ids
}

// end tears a session down: metrics frozen, subject closed, id freed.
func (e *Engine) end(s *session) {
	s.cancel()
	s.metrics.freeze(e.clock.Now())
	e.mu.Lock()
	delete(e.sessions, s.executionID)
	e.mu.Unlock()
	s.subject.Close()

	e.logger.Debug("Polling session ended", map[string]interface{}{
		"executionId": s.executionID,
	})
}

func (e *Engine) run(ctx context.Context, s *session, probe Probe) {
	defer e.end(s)

	for {
		exec, err := probe(ctx)
		now := e.clock.Now()

		var interval time.Duration
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.mu.Lock()
			s.consecutive++
			consecutive := s.consecutive
			s.mu.Unlock()

			s.metrics.recordPoll(false, "", now)
			engErr := core.Classify(err)
			s.subject.Publish(Result{Err: engErr, Timestamp: now})

			if consecutive >= e.cfg.MaxConsecutiveErrors {
				stopErr := core.NewEngineError(core.KindUnknown, "polling", "stopped after consecutive probe failures")
				stopErr.Retryable = false
				stopErr.Cause = core.ErrPollingStopped
				stopErr.WithMetadata("consecutiveErrors", consecutive)
				s.subject.Publish(Result{Err: stopErr, Timestamp: now})
				e.logger.Warn("Polling stopped at error ceiling", map[string]interface{}{
					"executionId":       s.executionID,
					"consecutiveErrors": consecutive,
				})
				return
			}
			interval = e.cfg.errorBackoff(consecutive)
		} else {
			s.mu.Lock()
			s.consecutive = 0
			s.mu.Unlock()

			s.metrics.recordPoll(true, exec.Status, now)
			s.recordActivity(exec.Status, now)
			s.subject.Publish(Result{Execution: exec, Timestamp: now})

			if s.stopPred != nil && s.stopPred(exec) {
				return
			}
			if exec.Status.IsTerminal() {
				return
			}
			interval = e.intervalFor(s, now)
		}

		if e.clock.Sleep(ctx, interval) != nil {
			return
		}
	}
}

// intervalFor applies the configured strategy to the session's last
// observed activity and metrics.
func (e *Engine) intervalFor(s *session, now time.Time) time.Duration {
	if s.fixedInterval > 0 {
		return s.fixedInterval
	}
	act := s.activity()
	age := now.Sub(act.at)
	if act.at.IsZero() {
		age = 0
	}
	successRate, errorRate, polls := s.metrics.rates()
	return e.cfg.nextInterval(act.status, age, successRate, errorRate, polls)
}
