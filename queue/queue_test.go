package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unfazed-dev/n8nkit/client"
	"github.com/unfazed-dev/n8nkit/core"
	"github.com/unfazed-dev/n8nkit/stream"
)

type mockStarter struct {
	mu         sync.Mutex
	starts     []string
	startTimes []time.Time
	// failures maps webhook path to remaining start failures
	failures map[string]int
	// awaitStatus overrides the terminal status per execution id
	awaitStatus map[string]core.ExecutionStatus
	// gate, when set, blocks each start until released
	gate     chan struct{}
	inFlight atomic.Int64
	maxSeen  atomic.Int64
}

func newMockStarter() *mockStarter {
	return &mockStarter{
		failures:    make(map[string]int),
		awaitStatus: make(map[string]core.ExecutionStatus),
	}
}

func (m *mockStarter) started() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.starts...)
}

func (m *mockStarter) StartWorkflow(ctx context.Context, webhookPath string, payload map[string]interface{}, opts ...client.StartOption) (*core.WorkflowExecution, error) {
	cur := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		prev := m.maxSeen.Load()
		if cur <= prev || m.maxSeen.CompareAndSwap(prev, cur) {
			break
		}
	}
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	m.starts = append(m.starts, webhookPath)
	m.startTimes = append(m.startTimes, time.Now())
	remaining := m.failures[webhookPath]
	if remaining > 0 {
		m.failures[webhookPath] = remaining - 1
	}
	m.mu.Unlock()

	if remaining > 0 {
		return nil, core.NewEngineError(core.KindNetwork, "client.StartWorkflow", "connection refused")
	}
	return &core.WorkflowExecution{
		ID:         "exec-" + webhookPath,
		WorkflowID: "wf1",
		Status:     core.StatusRunning,
	}, nil
}

func (m *mockStarter) AwaitCompletion(ctx context.Context, executionID string) (*core.WorkflowExecution, error) {
	m.mu.Lock()
	status, ok := m.awaitStatus[executionID]
	m.mu.Unlock()
	if !ok {
		status = core.StatusSuccess
	}
	return &core.WorkflowExecution{ID: executionID, WorkflowID: "wf1", Status: status}, nil
}

func fastQueue(starter Starter, cfg *Config) *WorkQueue {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.ThrottleInterval = time.Millisecond
	return New(cfg, starter)
}

// TestItemsDispatchOrder tests priority-desc with insertion tiebreak
func TestItemsDispatchOrder(t *testing.T) {
	q := fastQueue(newMockStarter(), nil)
	defer q.Stop()

	q.Enqueue(client.StartRequest{WebhookPath: "low"}, 1)
	q.Enqueue(client.StartRequest{WebhookPath: "high"}, 5)
	q.Enqueue(client.StartRequest{WebhookPath: "mid-a"}, 3)
	q.Enqueue(client.StartRequest{WebhookPath: "mid-b"}, 3)

	items := q.Items()
	want := []string{"high", "mid-a", "mid-b", "low"}
	if len(items) != len(want) {
		t.Fatalf("Expected %d items, got %d", len(want), len(items))
	}
	for i, path := range want {
		if items[i].WebhookPath != path {
			t.Errorf("Expected %s at position %d, got %s", path, i, items[i].WebhookPath)
		}
	}
	for _, item := range items {
		if item.Status != StatusPending {
			t.Errorf("Expected pending, got %s", item.Status)
		}
		if item.ID == "" {
			t.Error("Expected a generated id")
		}
	}
}

// TestProcessThrottledOrderAndOutcome tests the serial discipline
func TestProcessThrottledOrderAndOutcome(t *testing.T) {
	starter := newMockStarter()
	q := fastQueue(starter, nil)
	defer q.Stop()

	q.Enqueue(client.StartRequest{WebhookPath: "b"}, 1)
	q.Enqueue(client.StartRequest{WebhookPath: "a"}, 2)

	if err := q.ProcessThrottled(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if got := starter.started(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Expected starts [a b], got %v", got)
	}
	for _, item := range q.Items() {
		if item.Status != StatusCompleted {
			t.Errorf("Expected %s completed, got %s", item.WebhookPath, item.Status)
		}
		if item.ExecutionID != "exec-"+item.WebhookPath {
			t.Errorf("Expected the execution id recorded, got %q", item.ExecutionID)
		}
	}

	m := q.Metrics()
	if m.Completed != 2 || m.Pending != 0 || m.Total != 2 {
		t.Errorf("Unexpected metrics: %+v", m)
	}
}

// TestProcessThrottledSpacing tests the gap between starts
func TestProcessThrottledSpacing(t *testing.T) {
	starter := newMockStarter()
	cfg := DefaultConfig()
	cfg.ThrottleInterval = 30 * time.Millisecond
	q := New(cfg, starter)
	defer q.Stop()

	q.Enqueue(client.StartRequest{WebhookPath: "a"}, 1)
	q.Enqueue(client.StartRequest{WebhookPath: "b"}, 1)

	if err := q.ProcessThrottled(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	starter.mu.Lock()
	defer starter.mu.Unlock()
	if len(starter.startTimes) != 2 {
		t.Fatalf("Expected 2 starts, got %d", len(starter.startTimes))
	}
	if gap := starter.startTimes[1].Sub(starter.startTimes[0]); gap < 30*time.Millisecond {
		t.Errorf("Expected at least the throttle interval between starts, got %v", gap)
	}
}

// TestProcessThrottledRetriesFailedItem tests the retry flip
func TestProcessThrottledRetriesFailedItem(t *testing.T) {
	starter := newMockStarter()
	starter.failures["flaky"] = 1
	cfg := DefaultConfig()
	cfg.RetryFailedItems = true
	cfg.MaxRetries = 3
	q := fastQueue(starter, cfg)
	defer q.Stop()

	item := q.Enqueue(client.StartRequest{WebhookPath: "flaky"}, 1)

	if err := q.ProcessThrottled(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	got, ok := q.Item(item.ID)
	if !ok {
		t.Fatal("Item vanished")
	}
	if got.Status != StatusCompleted {
		t.Errorf("Expected completed after retry, got %s (err %q)", got.Status, got.Err)
	}
	if got.RetryCount != 1 {
		t.Errorf("Expected 1 retry, got %d", got.RetryCount)
	}
	if len(starter.started()) != 2 {
		t.Errorf("Expected 2 start attempts, got %d", len(starter.started()))
	}
}

// TestProcessThrottledExhaustsRetries tests the failure ceiling
func TestProcessThrottledExhaustsRetries(t *testing.T) {
	starter := newMockStarter()
	starter.failures["down"] = 10
	cfg := DefaultConfig()
	cfg.RetryFailedItems = true
	cfg.MaxRetries = 2
	q := fastQueue(starter, cfg)
	defer q.Stop()

	item := q.Enqueue(client.StartRequest{WebhookPath: "down"}, 1)

	if err := q.ProcessThrottled(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	got, _ := q.Item(item.ID)
	if got.Status != StatusFailed {
		t.Errorf("Expected failed, got %s", got.Status)
	}
	if got.RetryCount != 2 {
		t.Errorf("Expected 2 retries, got %d", got.RetryCount)
	}
	if got.Err == "" {
		t.Error("Expected the error recorded")
	}
	if len(starter.started()) != 3 {
		t.Errorf("Expected 3 attempts, got %d", len(starter.started()))
	}
}

// TestWaitForCompletionMarksTerminalError tests the terminal-status rule
func TestWaitForCompletionMarksTerminalError(t *testing.T) {
	starter := newMockStarter()
	starter.awaitStatus["exec-good"] = core.StatusSuccess
	starter.awaitStatus["exec-bad"] = core.StatusError
	cfg := DefaultConfig()
	cfg.WaitForCompletion = true
	q := fastQueue(starter, cfg)
	defer q.Stop()

	good := q.Enqueue(client.StartRequest{WebhookPath: "good"}, 2)
	bad := q.Enqueue(client.StartRequest{WebhookPath: "bad"}, 1)

	if err := q.ProcessThrottled(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if got, _ := q.Item(good.ID); got.Status != StatusCompleted {
		t.Errorf("Expected completed, got %s", got.Status)
	}
	got, _ := q.Item(bad.ID)
	if got.Status != StatusFailed {
		t.Errorf("Expected failed on terminal error status, got %s", got.Status)
	}
	if got.ExecutionID != "exec-bad" {
		t.Errorf("Expected the execution id kept on failure, got %q", got.ExecutionID)
	}
}

// TestProcessConcurrentRespectsLimit tests the in-flight cap
func TestProcessConcurrentRespectsLimit(t *testing.T) {
	starter := newMockStarter()
	starter.gate = make(chan struct{})
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 2
	q := fastQueue(starter, cfg)
	defer q.Stop()

	for _, path := range []string{"a", "b", "c", "d", "e"} {
		q.Enqueue(client.StartRequest{WebhookPath: path}, 1)
	}

	done := make(chan error, 1)
	go func() { done <- q.ProcessConcurrent(context.Background()) }()

	// Let the workers pile up against the gate, then release everyone
	time.Sleep(50 * time.Millisecond)
	close(starter.gate)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ProcessConcurrent never returned")
	}

	if max := starter.maxSeen.Load(); max > 2 {
		t.Errorf("Expected at most 2 in flight, saw %d", max)
	}
	if len(starter.started()) != 5 {
		t.Errorf("Expected 5 starts, got %d", len(starter.started()))
	}
	if m := q.Metrics(); m.Completed != 5 {
		t.Errorf("Expected all completed, got %+v", m)
	}
}

// TestProcessContextCancel tests early termination
func TestProcessContextCancel(t *testing.T) {
	starter := newMockStarter()
	starter.gate = make(chan struct{})
	q := fastQueue(starter, nil)
	defer q.Stop()

	q.Enqueue(client.StartRequest{WebhookPath: "a"}, 1)
	q.Enqueue(client.StartRequest{WebhookPath: "b"}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.ProcessThrottled(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ProcessThrottled never returned")
	}
}

// TestRemoveRules tests removal restrictions
func TestRemoveRules(t *testing.T) {
	q := fastQueue(newMockStarter(), nil)
	defer q.Stop()

	item := q.Enqueue(client.StartRequest{WebhookPath: "a"}, 1)

	if err := q.Remove("missing"); !errors.Is(err, core.ErrQueueItemNotFound) {
		t.Errorf("Expected ErrQueueItemNotFound, got %v", err)
	}

	id, ok := q.claim()
	if !ok || id != item.ID {
		t.Fatalf("Expected to claim %s, got %s", item.ID, id)
	}
	if err := q.Remove(item.ID); !errors.Is(err, core.ErrQueueItemProcessing) {
		t.Errorf("Expected ErrQueueItemProcessing, got %v", err)
	}

	q.settleSuccess(item.ID, nil)
	if err := q.Remove(item.ID); err != nil {
		t.Errorf("Expected removal after settling, got %v", err)
	}
	if _, ok := q.Item(item.ID); ok {
		t.Error("Expected the item gone")
	}
}

// TestClearPreservesProcessing tests the clear carve-out
func TestClearPreservesProcessing(t *testing.T) {
	q := fastQueue(newMockStarter(), nil)
	defer q.Stop()

	busy := q.Enqueue(client.StartRequest{WebhookPath: "busy"}, 9)
	q.Enqueue(client.StartRequest{WebhookPath: "idle"}, 1)
	if _, ok := q.claim(); !ok {
		t.Fatal("Expected a claim")
	}

	if n := q.Clear(); n != 1 {
		t.Errorf("Expected 1 cleared, got %d", n)
	}
	items := q.Items()
	if len(items) != 1 || items[0].ID != busy.ID || items[0].Status != StatusProcessing {
		t.Errorf("Expected only the processing item kept, got %v", items)
	}
}

// TestClearByStatus tests completed/failed sweeps
func TestClearByStatus(t *testing.T) {
	starter := newMockStarter()
	starter.failures["down"] = 10
	q := fastQueue(starter, nil)
	defer q.Stop()

	q.Enqueue(client.StartRequest{WebhookPath: "ok"}, 2)
	q.Enqueue(client.StartRequest{WebhookPath: "down"}, 1)
	if err := q.ProcessThrottled(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if n := q.ClearCompleted(); n != 1 {
		t.Errorf("Expected 1 completed cleared, got %d", n)
	}
	if n := q.ClearFailed(); n != 1 {
		t.Errorf("Expected 1 failed cleared, got %d", n)
	}
	if m := q.Metrics(); m.Total != 0 {
		t.Errorf("Expected an empty queue, got %+v", m)
	}
}

// TestEventLifecycle tests the event sequence for one item
func TestEventLifecycle(t *testing.T) {
	starter := newMockStarter()
	q := fastQueue(starter, nil)
	defer q.Stop()

	sub := q.Events().Subscribe()

	item := q.Enqueue(client.StartRequest{WebhookPath: "a"}, 1)
	if err := q.ProcessThrottled(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got := stream.Collect(ctx, sub, 3)
	want := []EventType{EventEnqueued, EventStarted, EventCompleted}
	if len(got) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(got))
	}
	for i, ev := range got {
		if ev.Type != want[i] {
			t.Errorf("Expected %s at position %d, got %s", want[i], i, ev.Type)
		}
		if ev.Item.ID != item.ID {
			t.Errorf("Expected item %s on the event, got %s", item.ID, ev.Item.ID)
		}
	}
}

// TestStopIdempotent tests teardown
func TestStopIdempotent(t *testing.T) {
	q := fastQueue(newMockStarter(), nil)
	q.Stop()
	q.Stop()
	if !q.Events().Closed() {
		t.Error("Expected the event bus closed")
	}
}
