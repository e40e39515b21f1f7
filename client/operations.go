package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/unfazed-dev/n8nkit/core"
	"github.com/unfazed-dev/n8nkit/polling"
	"github.com/unfazed-dev/n8nkit/stream"
)

// settleDelay is how long the engine gets to register an execution
// before the post-start listing lookup.
const settleDelay = 500 * time.Millisecond

// StartOption configures a single StartWorkflow call.
type StartOption func(*startOptions)

type startOptions struct {
	workflowID string
}

// WithWorkflowID enables the post-start executions lookup so the
// returned execution carries a real engine id instead of a provisional
// one.
func WithWorkflowID(id string) StartOption {
	return func(o *startOptions) { o.workflowID = id }
}

// listEnvelope is the engine's list response framing.
type listEnvelope[T any] struct {
	Data []T `json:"data"`
}

// StartWorkflow triggers a workflow through its webhook and returns the
// running execution. With WithWorkflowID and credentials configured, it
// resolves the real execution id via the listing endpoint; otherwise it
// synthesises a provisional id.
func (c *Client) StartWorkflow(ctx context.Context, webhookPath string, payload map[string]interface{}, opts ...StartOption) (*core.WorkflowExecution, error) {
	if err := c.checkDisposed(); err != nil {
		return nil, err
	}
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, c.fail("client.StartWorkflow", err)
	}

	resp, err := c.request(ctx, "client.StartWorkflow", func(ctx context.Context) (*core.Response, error) {
		return c.transport.Post(ctx, c.cfg.WebhookURL(webhookPath), nil, body)
	})
	if err != nil {
		return nil, c.fail("client.StartWorkflow", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e := core.NewEngineError(core.KindServerError, "client.StartWorkflow",
			fmt.Sprintf("webhook returned status %d", resp.StatusCode))
		e.StatusCode = resp.StatusCode
		return nil, c.fail("client.StartWorkflow", e)
	}

	now := c.clock.Now()
	exec := &core.WorkflowExecution{
		ID:         core.ProvisionalExecutionID(webhookPath, now),
		WorkflowID: o.workflowID,
		Status:     core.StatusRunning,
		StartedAt:  now,
	}

	if o.workflowID != "" && c.cfg.APIKey != "" {
		if id := c.lookupNewestExecution(ctx, o.workflowID); id != "" {
			exec.ID = id
		}
	}

	c.mergeExecution(exec)
	c.publishEvent(EventStarted, exec.ID)
	return exec, nil
}

// lookupNewestExecution waits for the engine to settle, then returns
// the id of the most recent execution of the workflow, or "" when the
// listing is unavailable or empty.
func (c *Client) lookupNewestExecution(ctx context.Context, workflowID string) string {
	if c.clock.Sleep(ctx, settleDelay) != nil {
		return ""
	}
	execs, err := c.ListExecutions(ctx, workflowID, 10)
	if err != nil || len(execs) == 0 {
		return ""
	}
	newest := execs[0]
	for _, e := range execs[1:] {
		if e.StartedAt.After(newest.StartedAt) {
			newest = e
		}
	}
	return newest.ID
}

// GetExecution fetches one execution by id and merges it into the state
// map. Provisional ids are rejected without a round-trip.
func (c *Client) GetExecution(ctx context.Context, executionID string) (*core.WorkflowExecution, error) {
	if err := c.checkDisposed(); err != nil {
		return nil, err
	}
	if core.IsProvisionalID(executionID) {
		e := core.NewEngineError(core.KindWorkflow, "client.GetExecution", "provisional id cannot be fetched")
		e.Retryable = false
		e.Cause = core.ErrProvisionalExecution
		return nil, e
	}

	resp, err := c.request(ctx, "client.GetExecution", func(ctx context.Context) (*core.Response, error) {
		return c.transport.Get(ctx, c.cfg.ExecutionURL(executionID), nil)
	})
	if err != nil {
		return nil, c.failExec("client.GetExecution", executionID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.failExec("client.GetExecution", executionID, core.FromResponse("client.GetExecution", resp))
	}

	var exec core.WorkflowExecution
	if err := json.Unmarshal(resp.Body, &exec); err != nil {
		return nil, c.failExec("client.GetExecution", executionID, err)
	}
	exec.Status = core.ParseExecutionStatus(string(exec.Status))
	c.mergeExecution(&exec)
	return &exec, nil
}

// ListExecutions lists executions, optionally filtered by workflow id.
func (c *Client) ListExecutions(ctx context.Context, workflowID string, limit int) ([]core.WorkflowExecution, error) {
	if err := c.checkDisposed(); err != nil {
		return nil, err
	}
	resp, err := c.request(ctx, "client.ListExecutions", func(ctx context.Context) (*core.Response, error) {
		return c.transport.Get(ctx, c.cfg.ExecutionsURL(workflowID, limit), nil)
	})
	if err != nil {
		return nil, c.fail("client.ListExecutions", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.fail("client.ListExecutions", core.FromResponse("client.ListExecutions", resp))
	}

	var env listEnvelope[core.WorkflowExecution]
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, c.fail("client.ListExecutions", err)
	}
	return env.Data, nil
}

// ListWorkflows lists the engine's workflow definitions.
func (c *Client) ListWorkflows(ctx context.Context) ([]core.WorkflowInfo, error) {
	if err := c.checkDisposed(); err != nil {
		return nil, err
	}
	resp, err := c.request(ctx, "client.ListWorkflows", func(ctx context.Context) (*core.Response, error) {
		return c.transport.Get(ctx, c.cfg.WorkflowsURL(), nil)
	})
	if err != nil {
		return nil, c.fail("client.ListWorkflows", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.fail("client.ListWorkflows", core.FromResponse("client.ListWorkflows", resp))
	}

	var env listEnvelope[core.WorkflowInfo]
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, c.fail("client.ListWorkflows", err)
	}
	return env.Data, nil
}

// GetWorkflow fetches one workflow document, including nodes.
func (c *Client) GetWorkflow(ctx context.Context, workflowID string) (*core.WorkflowDetail, error) {
	if err := c.checkDisposed(); err != nil {
		return nil, err
	}
	resp, err := c.request(ctx, "client.GetWorkflow", func(ctx context.Context) (*core.Response, error) {
		return c.transport.Get(ctx, c.cfg.WorkflowURL(workflowID), nil)
	})
	if err != nil {
		return nil, c.fail("client.GetWorkflow", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.fail("client.GetWorkflow", core.FromResponse("client.GetWorkflow", resp))
	}

	var wf core.WorkflowDetail
	if err := json.Unmarshal(resp.Body, &wf); err != nil {
		return nil, c.fail("client.GetWorkflow", err)
	}
	return &wf, nil
}

// Health probes the engine health endpoint once.
func (c *Client) Health(ctx context.Context) error {
	if err := c.checkDisposed(); err != nil {
		return err
	}
	resp, err := c.request(ctx, "client.Health", func(ctx context.Context) (*core.Response, error) {
		return c.transport.Get(ctx, c.cfg.HealthURL(), nil)
	})
	if err != nil {
		return c.fail("client.Health", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.fail("client.Health", core.FromResponse("client.Health", resp))
	}
	return nil
}

// ResumeWorkflow posts resume input to a waiting execution. Only
// network-kind failures are retried, with a doubling delay per attempt
// clamped to the policy maximum.
func (c *Client) ResumeWorkflow(ctx context.Context, executionID string, input map[string]interface{}) error {
	if err := c.checkDisposed(); err != nil {
		return err
	}
	body, err := json.Marshal(input)
	if err != nil {
		return c.failExec("client.ResumeWorkflow", executionID, err)
	}

	var lastErr *core.EngineError
	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		resp, err := c.request(ctx, "client.ResumeWorkflow", func(ctx context.Context) (*core.Response, error) {
			return c.transport.Post(ctx, c.cfg.ResumeURL(executionID), nil, body)
		})
		if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			c.execState.Update(func(m map[string]core.WorkflowExecution) map[string]core.WorkflowExecution {
				exec, ok := m[executionID]
				if !ok {
					return m
				}
				exec.WaitingForInput = false
				exec.Status = core.StatusRunning
				next := make(map[string]core.WorkflowExecution, len(m))
				for k, v := range m {
					next[k] = v
				}
				next[executionID] = exec
				return next
			})
			c.poller.RecordActivity(executionID, string(core.StatusRunning))
			c.publishEvent(EventResumed, executionID)
			return nil
		}

		if err != nil {
			lastErr = core.Classify(err)
		} else {
			lastErr = core.FromResponse("client.ResumeWorkflow", resp)
		}
		if lastErr.Kind != core.KindNetwork || attempt == c.policy.MaxRetries {
			break
		}

		delay := c.policy.InitialDelay * (1 << attempt)
		if delay > c.policy.MaxDelay {
			delay = c.policy.MaxDelay
		}
		if c.clock.Sleep(ctx, delay) != nil {
			return ctx.Err()
		}
	}

	return c.failExec("client.ResumeWorkflow", executionID, lastErr)
}

// CancelWorkflow cancels an execution and removes it from the state map.
func (c *Client) CancelWorkflow(ctx context.Context, executionID string) error {
	if err := c.checkDisposed(); err != nil {
		return err
	}
	resp, err := c.request(ctx, "client.CancelWorkflow", func(ctx context.Context) (*core.Response, error) {
		return c.transport.Delete(ctx, c.cfg.CancelURL(executionID), nil)
	})
	if err != nil {
		return c.failExec("client.CancelWorkflow", executionID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.failExec("client.CancelWorkflow", executionID, core.FromResponse("client.CancelWorkflow", resp))
	}

	c.removeExecution(executionID)
	c.publishEvent(EventCancelled, executionID)
	return nil
}

// pollSequence is the cached shared status sequence for one execution
// id. It stays cached after completion; late subscribers receive the
// final emission and a close.
type pollSequence struct {
	subject *stream.Subject[polling.Result]

	mu   sync.Mutex
	last polling.Result
	done bool
}

func (p *pollSequence) subscribe() *stream.Subscription[polling.Result] {
	p.mu.Lock()
	done, last := p.done, p.last
	p.mu.Unlock()
	if !done {
		return p.subject.Subscribe()
	}
	// Replay the final emission to late subscribers
	replay := stream.NewSubject[polling.Result]()
	sub := replay.Subscribe()
	replay.Publish(last)
	replay.Close()
	return sub
}

func (p *pollSequence) emit(res polling.Result) {
	p.mu.Lock()
	p.last = res
	p.mu.Unlock()
	p.subject.Publish(res)
}

func (p *pollSequence) finish() {
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
	p.subject.Close()
}

// PollExecutionStatus returns the shared status sequence for an
// execution: one underlying polling session per id, emissions filtered
// to distinct (status, finishedAt) pairs, completed after the first
// terminal emission. Transport failures emit the classified error and
// end the sequence. Provisional ids are rejected.
func (c *Client) PollExecutionStatus(ctx context.Context, executionID string, opts ...polling.StartOption) (*stream.Subscription[polling.Result], error) {
	if err := c.checkDisposed(); err != nil {
		return nil, err
	}
	if core.IsProvisionalID(executionID) {
		e := core.NewEngineError(core.KindWorkflow, "client.PollExecutionStatus", "provisional id cannot be polled")
		e.Retryable = false
		e.Cause = core.ErrProvisionalExecution
		return nil, c.failExec("client.PollExecutionStatus", executionID, e)
	}

	c.mu.Lock()
	if seq, ok := c.pollSeqs[executionID]; ok {
		c.mu.Unlock()
		return seq.subscribe(), nil
	}
	seq := &pollSequence{subject: stream.NewSubject[polling.Result]()}
	c.pollSeqs[executionID] = seq
	c.mu.Unlock()

	probe := func(ctx context.Context) (*core.WorkflowExecution, error) {
		return c.GetExecution(ctx, executionID)
	}
	// The session outlives the caller's context: the sequence is shared
	engineSub, err := c.poller.Start(c.ctx, executionID, probe, opts...)
	if err != nil {
		c.mu.Lock()
		delete(c.pollSeqs, executionID)
		c.mu.Unlock()
		return nil, c.failExec("client.PollExecutionStatus", executionID, err)
	}

	sub := seq.subscribe()
	go c.runPollSequence(seq, engineSub, executionID)
	return sub, nil
}

// runPollSequence consumes the raw engine session and applies the
// sequence semantics: distinct filtering, stop-on-error, terminal
// completion with a Completed event.
func (c *Client) runPollSequence(seq *pollSequence, in *stream.Subscription[polling.Result], executionID string) {
	defer seq.finish()

	var prevStatus core.ExecutionStatus
	var prevFinished *time.Time
	first := true

	for res := range in.C() {
		if res.Err != nil {
			seq.emit(res)
			c.telemetry.RecordMetric("n8nkit.polling.polls", 1, map[string]string{
				"outcome": "failure",
			})
			c.poller.Stop(executionID)
			return
		}

		exec := res.Execution
		c.telemetry.RecordMetric("n8nkit.polling.polls", 1, map[string]string{
			"outcome": "success",
		})
		changed := first || exec.Status != prevStatus || !equalTimePtr(exec.FinishedAt, prevFinished)
		if changed {
			seq.emit(res)
			prevStatus = exec.Status
			prevFinished = exec.FinishedAt
			first = false
		}

		if exec.Status.IsTerminal() {
			c.publishEvent(EventCompleted, executionID)
			return
		}
	}
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// WatchExecution polls an execution to its terminal status. Failures
// convert into a synthetic error-status execution so consumers can
// always render a final state; this is the sole error-to-value
// conversion point in the client.
func (c *Client) WatchExecution(ctx context.Context, executionID string) (*stream.Subscription[core.WorkflowExecution], error) {
	in, err := c.PollExecutionStatus(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return stream.Map(in, func(res polling.Result) core.WorkflowExecution {
		if res.Err != nil {
			return core.WorkflowExecution{
				ID:     executionID,
				Status: core.StatusError,
				Data:   map[string]interface{}{"error": res.Err.Error()},
			}
		}
		return *res.Execution
	}), nil
}

// AwaitCompletion blocks until the execution reaches a terminal status
// and returns the final snapshot.
func (c *Client) AwaitCompletion(ctx context.Context, executionID string) (*core.WorkflowExecution, error) {
	sub, err := c.WatchExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	defer sub.Cancel()

	var last *core.WorkflowExecution
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case exec, ok := <-sub.C():
			if !ok {
				if last == nil {
					return nil, core.ErrPollingStopped
				}
				return last, nil
			}
			snapshot := exec
			last = &snapshot
			if exec.Status.IsTerminal() {
				return last, nil
			}
		}
	}
}
