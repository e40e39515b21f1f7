// Package queue provides a prioritized work queue that dispatches
// workflow start requests to the client under a throttle or a
// concurrency limit, with optional wait-for-terminal and retry of
// failed items.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unfazed-dev/n8nkit/client"
	"github.com/unfazed-dev/n8nkit/core"
	"github.com/unfazed-dev/n8nkit/stream"
)

// Starter is the slice of the client the queue dispatches through.
type Starter interface {
	StartWorkflow(ctx context.Context, webhookPath string, payload map[string]interface{}, opts ...client.StartOption) (*core.WorkflowExecution, error)
	AwaitCompletion(ctx context.Context, executionID string) (*core.WorkflowExecution, error)
}

// ItemStatus is the lifecycle state of a queued item.
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusProcessing ItemStatus = "processing"
	StatusCompleted  ItemStatus = "completed"
	StatusFailed     ItemStatus = "failed"
)

// Item is one queued workflow start request.
type Item struct {
	ID          string
	WebhookPath string
	Payload     map[string]interface{}
	WorkflowID  string
	Status      ItemStatus
	Priority    int
	RetryCount  int
	ExecutionID string
	Err         string
	Metadata    map[string]interface{}
	EnqueuedAt  time.Time

	// seq breaks priority ties by insertion order
	seq uint64
}

// EventType names a queue event.
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventRetried   EventType = "retried"
	EventRemoved   EventType = "removed"
	EventCleared   EventType = "cleared"
)

// Event is one emission on the queue event bus.
type Event struct {
	Type      EventType
	Item      Item
	Timestamp time.Time
}

// Metrics counts queue items by status.
type Metrics struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Total      int
}

// Config tunes queue dispatch.
type Config struct {
	// ThrottleInterval is the minimum gap between starts in throttled mode.
	ThrottleInterval time.Duration
	// MaxConcurrent caps in-flight items in concurrent mode.
	MaxConcurrent int
	// WaitForCompletion polls each started execution to a terminal status.
	WaitForCompletion bool
	// RetryFailedItems flips failed items back to pending while retries remain.
	RetryFailedItems bool
	MaxRetries       int
}

// DefaultConfig provides sensible defaults
func DefaultConfig() *Config {
	return &Config{
		ThrottleInterval:  time.Second,
		MaxConcurrent:     3,
		WaitForCompletion: false,
		RetryFailedItems:  false,
		MaxRetries:        3,
	}
}

// WorkQueue holds prioritized start requests and processes them through
// a Starter. Items stay in the queue after processing until cleared, so
// callers can inspect outcomes.
type WorkQueue struct {
	cfg       *Config
	starter   Starter
	clock     core.Clock
	logger    core.Logger
	telemetry core.Telemetry

	mu      sync.Mutex
	items   map[string]*Item
	nextSeq uint64

	events *stream.Subject[Event]
	once   sync.Once
}

// QueueOption configures a WorkQueue.
type QueueOption func(*WorkQueue)

// WithClock substitutes the time source. Used by tests.
func WithClock(clock core.Clock) QueueOption {
	return func(q *WorkQueue) { q.clock = clock }
}

// WithLogger sets the queue logger.
func WithLogger(logger core.Logger) QueueOption {
	return func(q *WorkQueue) { q.logger = logger }
}

// WithTelemetry sets the telemetry sink.
func WithTelemetry(t core.Telemetry) QueueOption {
	return func(q *WorkQueue) { q.telemetry = t }
}

// New creates a WorkQueue dispatching through starter. A nil config
// uses the defaults.
func New(cfg *Config, starter Starter, opts ...QueueOption) *WorkQueue {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	q := &WorkQueue{
		cfg:       cfg,
		starter:   starter,
		clock:     core.RealClock{},
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
		items:     make(map[string]*Item),
		events:    stream.NewSubject[Event](),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Events is the queue event bus.
func (q *WorkQueue) Events() *stream.Subject[Event] {
	return q.events
}

// Stop closes the event bus. Idempotent. In-flight processing calls are
// unaffected; their events are dropped.
func (q *WorkQueue) Stop() {
	q.once.Do(func() {
		q.events.Close()
	})
}

func (q *WorkQueue) publish(t EventType, item Item) {
	q.telemetry.RecordMetric("n8nkit.queue.items", 1, map[string]string{"event": string(t)})
	q.events.Publish(Event{Type: t, Item: item, Timestamp: q.clock.Now()})
}

// Enqueue adds one start request at the given priority. Higher
// priorities dispatch first; ties dispatch in insertion order.
func (q *WorkQueue) Enqueue(req client.StartRequest, priority int) Item {
	q.mu.Lock()
	q.nextSeq++
	item := &Item{
		ID:          uuid.NewString(),
		WebhookPath: req.WebhookPath,
		Payload:     req.Payload,
		WorkflowID:  req.WorkflowID,
		Status:      StatusPending,
		Priority:    priority,
		EnqueuedAt:  q.clock.Now(),
		seq:         q.nextSeq,
	}
	q.items[item.ID] = item
	snapshot := *item
	q.mu.Unlock()

	q.publish(EventEnqueued, snapshot)
	return snapshot
}

// EnqueueMany adds several requests at the same priority, preserving
// their slice order as the tiebreak.
func (q *WorkQueue) EnqueueMany(reqs []client.StartRequest, priority int) []Item {
	out := make([]Item, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, q.Enqueue(req, priority))
	}
	return out
}

// Remove deletes a non-processing item.
func (q *WorkQueue) Remove(id string) error {
	q.mu.Lock()
	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return core.ErrQueueItemNotFound
	}
	if item.Status == StatusProcessing {
		q.mu.Unlock()
		return core.ErrQueueItemProcessing
	}
	snapshot := *item
	delete(q.items, id)
	q.mu.Unlock()

	q.publish(EventRemoved, snapshot)
	return nil
}

// ClearCompleted drops completed items and returns the count.
func (q *WorkQueue) ClearCompleted() int {
	return q.clearByStatus(StatusCompleted)
}

// ClearFailed drops failed items and returns the count.
func (q *WorkQueue) ClearFailed() int {
	return q.clearByStatus(StatusFailed)
}

// Clear drops everything except processing items, which run to
// completion.
func (q *WorkQueue) Clear() int {
	q.mu.Lock()
	n := 0
	for id, item := range q.items {
		if item.Status == StatusProcessing {
			continue
		}
		delete(q.items, id)
		n++
	}
	q.mu.Unlock()

	q.publish(EventCleared, Item{})
	return n
}

func (q *WorkQueue) clearByStatus(status ItemStatus) int {
	q.mu.Lock()
	n := 0
	for id, item := range q.items {
		if item.Status == status {
			delete(q.items, id)
			n++
		}
	}
	q.mu.Unlock()
	return n
}

// Items snapshots the queue in dispatch order: priority descending,
// then insertion order.
func (q *WorkQueue) Items() []Item {
	q.mu.Lock()
	out := make([]Item, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, *item)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Item returns one item by id.
func (q *WorkQueue) Item(id string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return Item{}, false
	}
	return *item, true
}

// Metrics counts items by status.
func (q *WorkQueue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	var m Metrics
	for _, item := range q.items {
		switch item.Status {
		case StatusPending:
			m.Pending++
		case StatusProcessing:
			m.Processing++
		case StatusCompleted:
			m.Completed++
		case StatusFailed:
			m.Failed++
		}
		m.Total++
	}
	return m
}

// claim atomically promotes the top-priority pending item to
// processing and returns its id.
func (q *WorkQueue) claim() (string, bool) {
	q.mu.Lock()
	var best *Item
	for _, item := range q.items {
		if item.Status != StatusPending {
			continue
		}
		if best == nil || item.Priority > best.Priority ||
			(item.Priority == best.Priority && item.seq < best.seq) {
			best = item
		}
	}
	if best == nil {
		q.mu.Unlock()
		return "", false
	}
	best.Status = StatusProcessing
	snapshot := *best
	q.mu.Unlock()

	q.publish(EventStarted, snapshot)
	return snapshot.ID, true
}

func (q *WorkQueue) hasPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item.Status == StatusPending {
			return true
		}
	}
	return false
}

// runClaimed drives one processing item to completed, failed, or back
// to pending when a retry remains.
func (q *WorkQueue) runClaimed(ctx context.Context, id string) {
	q.mu.Lock()
	item, ok := q.items[id]
	if !ok || item.Status != StatusProcessing {
		q.mu.Unlock()
		return
	}
	snapshot := *item
	q.mu.Unlock()

	var opts []client.StartOption
	if snapshot.WorkflowID != "" {
		opts = append(opts, client.WithWorkflowID(snapshot.WorkflowID))
	}

	exec, err := q.starter.StartWorkflow(ctx, snapshot.WebhookPath, snapshot.Payload, opts...)
	if err == nil && q.cfg.WaitForCompletion && !exec.IsProvisional() {
		var final *core.WorkflowExecution
		final, err = q.starter.AwaitCompletion(ctx, exec.ID)
		if err == nil {
			exec = final
			if exec.Status == core.StatusError || exec.Status == core.StatusCrashed {
				err = core.NewEngineError(core.KindWorkflow, "queue.process",
					"execution finished with status "+string(exec.Status))
			}
		}
	}

	if err != nil {
		q.settleFailure(id, exec, err)
		return
	}
	q.settleSuccess(id, exec)
}

func (q *WorkQueue) settleSuccess(id string, exec *core.WorkflowExecution) {
	q.mu.Lock()
	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	item.Status = StatusCompleted
	item.Err = ""
	if exec != nil {
		item.ExecutionID = exec.ID
	}
	snapshot := *item
	q.mu.Unlock()

	q.publish(EventCompleted, snapshot)
}

func (q *WorkQueue) settleFailure(id string, exec *core.WorkflowExecution, err error) {
	q.mu.Lock()
	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	item.Err = err.Error()
	if exec != nil {
		item.ExecutionID = exec.ID
	}
	retrying := q.cfg.RetryFailedItems && item.RetryCount < q.cfg.MaxRetries
	if retrying {
		item.RetryCount++
		item.Status = StatusPending
	} else {
		item.Status = StatusFailed
	}
	snapshot := *item
	q.mu.Unlock()

	q.logger.Warn("Queue item failed", map[string]interface{}{
		"id":         snapshot.ID,
		"webhook":    snapshot.WebhookPath,
		"error":      err.Error(),
		"retryCount": snapshot.RetryCount,
		"retrying":   retrying,
	})
	if retrying {
		q.publish(EventRetried, snapshot)
		return
	}
	q.publish(EventFailed, snapshot)
}

// ProcessThrottled drains pending items one at a time, priority first,
// leaving at least ThrottleInterval between consecutive starts. Returns
// when the queue has no pending items left or the context ends.
func (q *WorkQueue) ProcessThrottled(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		id, ok := q.claim()
		if !ok {
			return nil
		}
		q.runClaimed(ctx, id)
		if !q.hasPending() {
			return nil
		}
		if err := q.clock.Sleep(ctx, q.cfg.ThrottleInterval); err != nil {
			return err
		}
	}
}

// ProcessConcurrent drains pending items with up to MaxConcurrent in
// flight, highest priority claimed first. Returns when the queue has no
// pending items left or the context ends.
func (q *WorkQueue) ProcessConcurrent(ctx context.Context) error {
	limit := q.cfg.MaxConcurrent
	if limit < 1 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case sem <- struct{}{}:
		}

		id, ok := q.claim()
		if !ok {
			<-sem
			// Drain in-flight work; retries may refill the pending set
			wg.Wait()
			if !q.hasPending() {
				return nil
			}
			continue
		}

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			q.runClaimed(ctx, id)
		}(id)
	}
}
