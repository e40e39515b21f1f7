// Package client is the reactive entry point of the module: every remote
// engine operation is exposed alongside observable state subjects, an
// event bus, and an error bus. One client owns one transport, one retry
// executor, and one polling engine.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unfazed-dev/n8nkit/core"
	"github.com/unfazed-dev/n8nkit/polling"
	"github.com/unfazed-dev/n8nkit/resilience"
	"github.com/unfazed-dev/n8nkit/stream"
)

// Client talks to a remote workflow engine. All exported methods are
// safe for concurrent use; Dispose tears everything down.
type Client struct {
	id        string
	cfg       *core.Config
	transport core.Transport
	executor  *resilience.Executor
	poller    *polling.Engine
	clock     core.Clock
	logger    core.Logger
	telemetry core.Telemetry
	policy    *resilience.RetryPolicy

	execState *stream.Behavior[map[string]core.WorkflowExecution]
	configSub *stream.Behavior[core.Config]
	connState *stream.Behavior[core.ConnectionState]
	metrics   *stream.Behavior[core.PerformanceMetrics]
	events    *stream.Subject[WorkflowEvent]
	errors    *stream.Subject[*core.EngineError]

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pollSeqs map[string]*pollSequence
	disposed bool
}

// Option configures a Client.
type Option func(*Client)

// WithTransport substitutes the HTTP transport. Used by tests.
func WithTransport(t core.Transport) Option {
	return func(c *Client) { c.transport = t }
}

// WithClock substitutes the time source. Used by tests.
func WithClock(clock core.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithLogger sets the client logger.
func WithLogger(logger core.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithTelemetry sets the telemetry sink.
func WithTelemetry(t core.Telemetry) Option {
	return func(c *Client) { c.telemetry = t }
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p *resilience.RetryPolicy) Option {
	return func(c *Client) { c.policy = p }
}

// WithPollingConfig replaces the default polling configuration.
func WithPollingConfig(cfg *polling.Config) Option {
	return func(c *Client) {
		c.poller = polling.NewEngine(cfg, polling.WithClock(c.clock), polling.WithLogger(c.logger))
	}
}

// New creates a Client for the given configuration and starts the
// background health probe.
func New(cfg *core.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		id:        uuid.NewString(),
		cfg:       cfg,
		clock:     core.RealClock{},
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
		policy:    resilience.DefaultRetryPolicy(),
		execState: stream.NewBehavior(map[string]core.WorkflowExecution{}),
		configSub: stream.NewBehavior(*cfg),
		connState: stream.NewBehavior(core.ConnectionDisconnected),
		metrics:   stream.NewBehavior(core.PerformanceMetrics{}),
		events:    stream.NewSubject[WorkflowEvent](),
		errors:    stream.NewSubject[*core.EngineError](),
		ctx:       ctx,
		cancel:    cancel,
		pollSeqs:  make(map[string]*pollSequence),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.transport == nil {
		c.transport = core.NewHTTPTransport(cfg, c.logger)
	}
	if c.executor == nil {
		c.executor = resilience.NewExecutor(c.policy,
			resilience.WithClock(c.clock), resilience.WithLogger(c.logger))
	}
	if c.poller == nil {
		c.poller = polling.NewEngine(polling.DefaultConfig(),
			polling.WithClock(c.clock), polling.WithLogger(c.logger))
	}

	go c.healthLoop()

	c.logger.Info("Client created", map[string]interface{}{
		"clientId": c.id,
		"baseUrl":  cfg.BaseURL,
	})
	return c, nil
}

// ID is this client instance's unique identifier, useful for
// correlating logs across several clients in one process.
func (c *Client) ID() string {
	return c.id
}

// ExecutionState holds the current id -> execution map.
func (c *Client) ExecutionState() *stream.Behavior[map[string]core.WorkflowExecution] {
	return c.execState
}

// Config holds the current service configuration.
func (c *Client) Config() *stream.Behavior[core.Config] {
	return c.configSub
}

// ConnectionState reflects the background health probe.
func (c *Client) ConnectionState() *stream.Behavior[core.ConnectionState] {
	return c.connState
}

// Metrics holds rolling request metrics.
func (c *Client) Metrics() *stream.Behavior[core.PerformanceMetrics] {
	return c.metrics
}

// Events is the workflow lifecycle event bus.
func (c *Client) Events() *stream.Subject[WorkflowEvent] {
	return c.events
}

// Errors is the bus of classified errors that escaped operations.
func (c *Client) Errors() *stream.Subject[*core.EngineError] {
	return c.errors
}

// Executor exposes the retry executor, e.g. for breaker inspection.
func (c *Client) Executor() *resilience.Executor {
	return c.executor
}

// Poller exposes the polling engine.
func (c *Client) Poller() *polling.Engine {
	return c.poller
}

// Dispose shuts the client down: background tasks cancelled, all poll
// sessions stopped, cached sequences dropped, subjects closed.
// Idempotent; operations after Dispose return ErrClientDisposed.
func (c *Client) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.pollSeqs = make(map[string]*pollSequence)
	c.mu.Unlock()

	c.cancel()
	c.poller.StopAll()

	c.events.Close()
	c.errors.Close()
	c.execState.Close()
	c.configSub.Close()
	c.connState.Close()
	c.metrics.Close()

	c.logger.Info("Client disposed", nil)
}

func (c *Client) checkDisposed() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return core.ErrClientDisposed
	}
	return nil
}

// healthLoop probes the engine health endpoint every
// HealthCheckInterval and mirrors the outcome into ConnectionState.
func (c *Client) healthLoop() {
	c.connState.Set(core.ConnectionConnecting)
	c.probeHealth()

	for {
		if c.clock.Sleep(c.ctx, c.cfg.HealthCheckInterval) != nil {
			return
		}
		c.probeHealth()
	}
}

func (c *Client) probeHealth() {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.request(ctx, "client.Health", func(ctx context.Context) (*core.Response, error) {
		return c.transport.Get(ctx, c.cfg.HealthURL(), nil)
	})
	switch {
	case err != nil:
		c.connState.Set(core.ConnectionDisconnected)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.connState.Set(core.ConnectionConnected)
	default:
		c.connState.Set(core.ConnectionError)
	}
}

// request wraps one transport round-trip with metrics and telemetry.
// Every remote call funnels through here so PerformanceMetrics stays
// accurate.
func (c *Client) request(ctx context.Context, op string, fn func(ctx context.Context) (*core.Response, error)) (*core.Response, error) {
	start := c.clock.Now()
	resp, err := fn(ctx)
	elapsed := c.clock.Now().Sub(start)

	success := err == nil && resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300
	c.metrics.Update(func(m core.PerformanceMetrics) core.PerformanceMetrics {
		return m.RecordRequest(success, elapsed)
	})

	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.telemetry.RecordMetric("n8nkit.client.requests", 1, map[string]string{
		"operation": op,
		"outcome":   outcome,
	})
	c.telemetry.RecordMetric("n8nkit.client.request.duration", float64(elapsed)/float64(time.Millisecond), map[string]string{
		"operation": op,
	})
	return resp, err
}

// fail classifies, publishes to the error and event buses, and returns
// the error. Operations without an execution id leave it empty.
func (c *Client) fail(op string, err error) *core.EngineError {
	return c.failExec(op, "", err)
}

// failExec is fail for operations scoped to a known execution id.
func (c *Client) failExec(op, executionID string, err error) *core.EngineError {
	engErr := core.Classify(err)
	if engErr.Op == "" {
		engErr.Op = op
	}
	c.errors.Publish(engErr)
	c.publishEvent(EventError, executionID)
	c.logger.Error("Operation failed", map[string]interface{}{
		"operation":   op,
		"executionId": executionID,
		"kind":        string(engErr.Kind),
		"error":       engErr.Error(),
	})
	return engErr
}

// publishEvent posts a lifecycle event with the current timestamp.
func (c *Client) publishEvent(t WorkflowEventType, executionID string) {
	c.events.Publish(WorkflowEvent{
		Type:        t,
		ExecutionID: executionID,
		Timestamp:   c.clock.Now(),
	})
}

// mergeExecution folds an execution into the state map via an atomic
// read-modify-write.
func (c *Client) mergeExecution(exec *core.WorkflowExecution) {
	c.execState.Update(func(m map[string]core.WorkflowExecution) map[string]core.WorkflowExecution {
		next := make(map[string]core.WorkflowExecution, len(m)+1)
		for k, v := range m {
			next[k] = v
		}
		next[exec.ID] = *exec
		return next
	})
}

// removeExecution drops an execution from the state map.
func (c *Client) removeExecution(id string) {
	c.execState.Update(func(m map[string]core.WorkflowExecution) map[string]core.WorkflowExecution {
		if _, ok := m[id]; !ok {
			return m
		}
		next := make(map[string]core.WorkflowExecution, len(m))
		for k, v := range m {
			if k != id {
				next[k] = v
			}
		}
		return next
	})
}
