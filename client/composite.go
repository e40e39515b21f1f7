package client

import (
	"context"
	"sync"
	"time"

	"github.com/unfazed-dev/n8nkit/core"
	"github.com/unfazed-dev/n8nkit/stream"
)

// StartRequest is one workflow start order, used by the composite
// operations and the work queue.
type StartRequest struct {
	WebhookPath string
	Payload     map[string]interface{}
	WorkflowID  string
}

func (r StartRequest) options() []StartOption {
	if r.WorkflowID == "" {
		return nil
	}
	return []StartOption{WithWorkflowID(r.WorkflowID)}
}

// BatchStart starts all requests in parallel and waits for every one to
// reach a terminal status. The result slice is ordered like the input;
// a failed start or watch yields a synthetic error-status execution at
// its position.
func (c *Client) BatchStart(ctx context.Context, requests []StartRequest) ([]core.WorkflowExecution, error) {
	if err := c.checkDisposed(); err != nil {
		return nil, err
	}

	results := make([]core.WorkflowExecution, len(requests))
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req StartRequest) {
			defer wg.Done()
			results[i] = c.startAndAwait(ctx, req)
		}(i, req)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return results, nil
}

// startAndAwait runs one start+watch cycle, converting failures into a
// synthetic error-status execution.
func (c *Client) startAndAwait(ctx context.Context, req StartRequest) core.WorkflowExecution {
	exec, err := c.StartWorkflow(ctx, req.WebhookPath, req.Payload, req.options()...)
	if err != nil {
		return core.WorkflowExecution{
			Status: core.StatusError,
			Data:   map[string]interface{}{"error": err.Error()},
		}
	}
	if exec.IsProvisional() {
		// Nothing to poll; report the start snapshot
		return *exec
	}
	final, err := c.AwaitCompletion(ctx, exec.ID)
	if err != nil {
		return core.WorkflowExecution{
			ID:     exec.ID,
			Status: core.StatusError,
			Data:   map[string]interface{}{"error": err.Error()},
		}
	}
	return *final
}

// RaceWorkflows starts all requests and returns the first execution to
// reach a terminal status. The losers keep running; their outcomes are
// discarded.
func (c *Client) RaceWorkflows(ctx context.Context, requests []StartRequest) (*core.WorkflowExecution, error) {
	if err := c.checkDisposed(); err != nil {
		return nil, err
	}

	winner := make(chan core.WorkflowExecution, 1)
	var errOnce sync.Once
	var firstErr error
	errs := make(chan struct{})
	var pending sync.WaitGroup

	for _, req := range requests {
		pending.Add(1)
		go func(req StartRequest) {
			defer pending.Done()
			exec := c.startAndAwait(ctx, req)
			if exec.Status == core.StatusError && exec.ID == "" {
				errOnce.Do(func() {
					firstErr = core.NewEngineError(core.KindWorkflow, "client.RaceWorkflows", "start failed")
				})
				return
			}
			select {
			case winner <- exec:
			default:
			}
		}(req)
	}

	go func() {
		pending.Wait()
		close(errs)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case exec := <-winner:
		return &exec, nil
	case <-errs:
		// Everyone failed before producing a terminal execution
		select {
		case exec := <-winner:
			return &exec, nil
		default:
		}
		if firstErr == nil {
			firstErr = core.NewEngineError(core.KindWorkflow, "client.RaceWorkflows", "no execution reached a terminal status")
		}
		return nil, c.fail("client.RaceWorkflows", firstErr)
	}
}

// ZipWorkflows pairs the watch streams of several executions: one tuple
// per round, emitted when every stream has produced a new emission.
func (c *Client) ZipWorkflows(ctx context.Context, executionIDs []string) (*stream.Subscription[[]core.WorkflowExecution], error) {
	if err := c.checkDisposed(); err != nil {
		return nil, err
	}

	subs := make([]*stream.Subscription[core.WorkflowExecution], 0, len(executionIDs))
	for _, id := range executionIDs {
		sub, err := c.WatchExecution(ctx, id)
		if err != nil {
			for _, s := range subs {
				s.Cancel()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}
	return stream.Zip(subs...), nil
}

// WatchMultipleExecutions merges the watch streams of several
// executions into one interleaved stream.
func (c *Client) WatchMultipleExecutions(ctx context.Context, executionIDs []string) (*stream.Subscription[core.WorkflowExecution], error) {
	if err := c.checkDisposed(); err != nil {
		return nil, err
	}

	subs := make([]*stream.Subscription[core.WorkflowExecution], 0, len(executionIDs))
	for _, id := range executionIDs {
		sub, err := c.WatchExecution(ctx, id)
		if err != nil {
			for _, s := range subs {
				s.Cancel()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}
	return stream.Merge(subs...), nil
}

// StartWorkflowsSequential consumes requests one at a time, awaiting
// the terminal status of each before starting the next.
func (c *Client) StartWorkflowsSequential(ctx context.Context, requests []StartRequest) ([]core.WorkflowExecution, error) {
	if err := c.checkDisposed(); err != nil {
		return nil, err
	}

	results := make([]core.WorkflowExecution, 0, len(requests))
	for _, req := range requests {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		results = append(results, c.startAndAwait(ctx, req))
	}
	return results, nil
}

// ThrottledExecution starts requests from the input stream no faster
// than interval, emitting each start outcome downstream.
func (c *Client) ThrottledExecution(ctx context.Context, in *stream.Subscription[StartRequest], interval time.Duration) (*stream.Subscription[stream.Result[*core.WorkflowExecution]], error) {
	if err := c.checkDisposed(); err != nil {
		return nil, err
	}

	out := stream.NewSubject[stream.Result[*core.WorkflowExecution]]()
	sub := out.Subscribe()
	throttled := stream.ThrottleWith(in, interval, c.clock.Now)

	go func() {
		defer out.Close()
		for {
			select {
			case <-ctx.Done():
				throttled.Cancel()
				return
			case req, ok := <-throttled.C():
				if !ok {
					return
				}
				exec, err := c.StartWorkflow(ctx, req.WebhookPath, req.Payload, req.options()...)
				if err != nil {
					out.Publish(stream.Fail[*core.WorkflowExecution](err))
					continue
				}
				out.Publish(stream.Ok(exec))
			}
		}
	}()
	return sub, nil
}

// RetryableWorkflow is StartWorkflow wrapped in the retry executor, for
// webhooks that are safe to re-trigger.
func (c *Client) RetryableWorkflow(ctx context.Context, req StartRequest) (*core.WorkflowExecution, error) {
	if err := c.checkDisposed(); err != nil {
		return nil, err
	}

	var exec *core.WorkflowExecution
	err := c.executor.Execute(ctx, "client.RetryableWorkflow", func(ctx context.Context) error {
		started, err := c.StartWorkflow(ctx, req.WebhookPath, req.Payload, req.options()...)
		if err != nil {
			return err
		}
		exec = started
		return nil
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}
