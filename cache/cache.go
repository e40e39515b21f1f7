// Package cache provides a TTL-bounded execution cache with reactive
// invalidation. Lookups read through to a Fetcher (implemented by the
// client); watchers observe per-id values that refresh on invalidation.
// The store backend is pluggable: in-memory by default, Redis for
// shared deployments.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/unfazed-dev/n8nkit/core"
	"github.com/unfazed-dev/n8nkit/stream"
)

// Fetcher resolves a cache miss with one engine round-trip. The client
// satisfies this; the cache never manages the fetcher's lifecycle.
type Fetcher interface {
	GetExecution(ctx context.Context, executionID string) (*core.WorkflowExecution, error)
}

// Entry is one cached execution with its storage timestamp.
type Entry struct {
	Execution core.WorkflowExecution `json:"execution"`
	StoredAt  time.Time              `json:"storedAt"`
}

// Store is the cache's persistence backend.
type Store interface {
	Get(ctx context.Context, id string) (Entry, bool, error)
	Set(ctx context.Context, id string, entry Entry, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	Keys(ctx context.Context) ([]string, error)
	Len(ctx context.Context) (int, error)
}

// EventType names a cache event.
type EventType string

const (
	EventHit            EventType = "hit"
	EventMiss           EventType = "miss"
	EventExpired        EventType = "expired"
	EventSet            EventType = "set"
	EventInvalidated    EventType = "invalidated"
	EventInvalidatedAll EventType = "invalidated_all"
	EventPrewarmed      EventType = "prewarmed"
	EventCleaned        EventType = "cleaned"
	EventCleared        EventType = "cleared"
)

// Event is one emission on the cache event bus. Count carries the
// affected entry count for bulk events.
type Event struct {
	Type      EventType
	ID        string
	Count     int
	Timestamp time.Time
}

// Metrics are cumulative cache counters derived from events.
type Metrics struct {
	Hits   int64
	Misses int64
	Size   int
}

// HitRate reports hits over total lookups, 0 when idle.
func (m Metrics) HitRate() float64 {
	total := m.Hits + m.Misses
	if total == 0 {
		return 0
	}
	return float64(m.Hits) / float64(total)
}

// Config tunes the execution cache.
type Config struct {
	TTL             time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig provides sensible defaults
func DefaultConfig() *Config {
	return &Config{
		TTL:             60 * time.Second,
		CleanupInterval: 30 * time.Second,
	}
}

// ExecutionCache caches recently observed executions and fans them out
// to watchers.
type ExecutionCache struct {
	cfg       *Config
	store     Store
	fetcher   Fetcher
	clock     core.Clock
	logger    core.Logger
	telemetry core.Telemetry

	contents *stream.Behavior[map[string]core.WorkflowExecution]
	size     *stream.Behavior[int]
	events   *stream.Subject[Event]
	metrics  *stream.Behavior[Metrics]
	// invalidations signals watchers; "*" means every id
	invalidations *stream.Subject[string]

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// CacheOption configures an ExecutionCache.
type CacheOption func(*ExecutionCache)

// WithStore substitutes the persistence backend.
func WithStore(s Store) CacheOption {
	return func(c *ExecutionCache) { c.store = s }
}

// WithClock substitutes the time source. Used by tests.
func WithClock(clock core.Clock) CacheOption {
	return func(c *ExecutionCache) { c.clock = clock }
}

// WithLogger sets the cache logger.
func WithLogger(logger core.Logger) CacheOption {
	return func(c *ExecutionCache) { c.logger = logger }
}

// WithTelemetry sets the telemetry sink.
func WithTelemetry(t core.Telemetry) CacheOption {
	return func(c *ExecutionCache) { c.telemetry = t }
}

// New creates an ExecutionCache over fetcher and starts the background
// expiry sweep. A nil config uses the defaults.
func New(cfg *Config, fetcher Fetcher, opts ...CacheOption) *ExecutionCache {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &ExecutionCache{
		cfg:           cfg,
		store:         NewMemoryStore(),
		fetcher:       fetcher,
		clock:         core.RealClock{},
		logger:        &core.NoOpLogger{},
		telemetry:     &core.NoOpTelemetry{},
		contents:      stream.NewBehavior(map[string]core.WorkflowExecution{}),
		size:          stream.NewBehavior(0),
		events:        stream.NewSubject[Event](),
		metrics:       stream.NewBehavior(Metrics{}),
		invalidations: stream.NewSubject[string](),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.cleanupLoop()
	return c
}

// Contents holds the cache's current id -> execution view.
func (c *ExecutionCache) Contents() *stream.Behavior[map[string]core.WorkflowExecution] {
	return c.contents
}

// Size holds the current entry count.
func (c *ExecutionCache) Size() *stream.Behavior[int] {
	return c.size
}

// Events is the cache event bus.
func (c *ExecutionCache) Events() *stream.Subject[Event] {
	return c.events
}

// Metrics holds cumulative hit/miss counters.
func (c *ExecutionCache) Metrics() *stream.Behavior[Metrics] {
	return c.metrics
}

// Stop ends the background sweep and closes the cache subjects. The
// fetcher is untouched. Idempotent.
func (c *ExecutionCache) Stop() {
	c.once.Do(func() {
		c.cancel()
		c.events.Close()
		c.invalidations.Close()
		c.contents.Close()
		c.size.Close()
		c.metrics.Close()
	})
}

func (c *ExecutionCache) expired(e Entry) bool {
	return c.clock.Now().Sub(e.StoredAt) > c.cfg.TTL
}

func (c *ExecutionCache) publish(t EventType, id string, count int) {
	c.events.Publish(Event{Type: t, ID: id, Count: count, Timestamp: c.clock.Now()})
}

func (c *ExecutionCache) recordLookup(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	c.telemetry.RecordMetric("n8nkit.cache.lookups", 1, map[string]string{"outcome": outcome})
	c.metrics.Update(func(m Metrics) Metrics {
		if hit {
			m.Hits++
		} else {
			m.Misses++
		}
		return m
	})
}

func (c *ExecutionCache) syncSize(ctx context.Context) {
	if n, err := c.store.Len(ctx); err == nil {
		c.size.Set(n)
		c.metrics.Update(func(m Metrics) Metrics {
			m.Size = n
			return m
		})
	}
}

// Get returns the cached execution when present and fresh; otherwise it
// fetches once, stores the result, and returns it.
func (c *ExecutionCache) Get(ctx context.Context, id string) (*core.WorkflowExecution, error) {
	entry, found, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if found {
		if !c.expired(entry) {
			c.recordLookup(true)
			c.publish(EventHit, id, 1)
			exec := entry.Execution
			return &exec, nil
		}
		_ = c.store.Delete(ctx, id)
		c.dropFromContents(id)
		c.publish(EventExpired, id, 1)
	}

	c.recordLookup(false)
	c.publish(EventMiss, id, 1)

	exec, err := c.fetcher.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Set(id, exec)
	return exec, nil
}

// Set stores an execution unconditionally.
func (c *ExecutionCache) Set(id string, exec *core.WorkflowExecution) {
	entry := Entry{Execution: *exec, StoredAt: c.clock.Now()}
	if err := c.store.Set(c.ctx, id, entry, c.cfg.TTL); err != nil {
		c.logger.Error("Cache store write failed", map[string]interface{}{
			"id":    id,
			"error": err.Error(),
		})
		return
	}
	c.contents.Update(func(m map[string]core.WorkflowExecution) map[string]core.WorkflowExecution {
		next := make(map[string]core.WorkflowExecution, len(m)+1)
		for k, v := range m {
			next[k] = v
		}
		next[id] = *exec
		return next
	})
	c.syncSize(c.ctx)
	c.publish(EventSet, id, 1)
}

func (c *ExecutionCache) dropFromContents(ids ...string) {
	c.contents.Update(func(m map[string]core.WorkflowExecution) map[string]core.WorkflowExecution {
		next := make(map[string]core.WorkflowExecution, len(m))
		for k, v := range m {
			next[k] = v
		}
		for _, id := range ids {
			delete(next, id)
		}
		return next
	})
	c.syncSize(c.ctx)
}

// Invalidate drops one entry and signals its watchers to refetch.
func (c *ExecutionCache) Invalidate(id string) {
	_ = c.store.Delete(c.ctx, id)
	c.dropFromContents(id)
	c.publish(EventInvalidated, id, 1)
	c.invalidations.Publish(id)
}

// InvalidateAll drops every entry and signals all watchers.
func (c *ExecutionCache) InvalidateAll() {
	_ = c.store.Clear(c.ctx)
	c.contents.Set(map[string]core.WorkflowExecution{})
	c.syncSize(c.ctx)
	c.publish(EventInvalidatedAll, "", 0)
	c.invalidations.Publish("*")
}

// InvalidatePattern drops entries whose id satisfies pred.
func (c *ExecutionCache) InvalidatePattern(pred func(id string) bool) {
	keys, err := c.store.Keys(c.ctx)
	if err != nil {
		return
	}
	for _, id := range keys {
		if pred(id) {
			c.Invalidate(id)
		}
	}
}

// Prewarm hydrates the cache for ids in parallel, best effort.
func (c *ExecutionCache) Prewarm(ctx context.Context, ids []string) {
	var wg sync.WaitGroup
	var warmed sync.Map
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			exec, err := c.fetcher.GetExecution(ctx, id)
			if err != nil {
				return
			}
			c.Set(id, exec)
			warmed.Store(id, struct{}{})
		}(id)
	}
	wg.Wait()

	count := 0
	warmed.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	c.publish(EventPrewarmed, "", count)
}

// ClearExpired evicts every expired entry and returns the count. The
// background sweep calls this at CleanupInterval.
func (c *ExecutionCache) ClearExpired() int {
	keys, err := c.store.Keys(c.ctx)
	if err != nil {
		return 0
	}
	evicted := make([]string, 0)
	for _, id := range keys {
		entry, found, err := c.store.Get(c.ctx, id)
		if err != nil || !found {
			continue
		}
		if c.expired(entry) {
			_ = c.store.Delete(c.ctx, id)
			evicted = append(evicted, id)
		}
	}
	if len(evicted) > 0 {
		c.dropFromContents(evicted...)
	}
	c.publish(EventCleaned, "", len(evicted))
	return len(evicted)
}

// Clear drops everything immediately.
func (c *ExecutionCache) Clear() {
	_ = c.store.Clear(c.ctx)
	c.contents.Set(map[string]core.WorkflowExecution{})
	c.syncSize(c.ctx)
	c.publish(EventCleared, "", 0)
}

func (c *ExecutionCache) cleanupLoop() {
	for {
		if c.clock.Sleep(c.ctx, c.cfg.CleanupInterval) != nil {
			return
		}
		c.ClearExpired()
	}
}

// Watch emits the current cached value for id (nil on miss or expiry)
// and refreshes whenever an invalidation touches the id. Consecutive
// duplicates are suppressed.
func (c *ExecutionCache) Watch(ctx context.Context, id string) *stream.Subscription[*core.WorkflowExecution] {
	out := stream.NewSubject[*core.WorkflowExecution]()
	sub := out.Subscribe()
	signals := c.invalidations.Subscribe()

	go func() {
		defer out.Close()
		defer signals.Cancel()

		emit := func(refetch bool) *core.WorkflowExecution {
			if refetch {
				exec, err := c.Get(ctx, id)
				if err != nil {
					return nil
				}
				return exec
			}
			entry, found, err := c.store.Get(ctx, id)
			if err != nil || !found || c.expired(entry) {
				return nil
			}
			exec := entry.Execution
			return &exec
		}

		prev := emit(false)
		out.Publish(prev)

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.ctx.Done():
				return
			case sig, ok := <-signals.C():
				if !ok {
					return
				}
				if sig != id && sig != "*" {
					continue
				}
				next := emit(true)
				if !sameExecution(prev, next) {
					out.Publish(next)
					prev = next
				}
			}
		}
	}()
	return sub
}

func sameExecution(a, b *core.WorkflowExecution) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.ID != b.ID || a.Status != b.Status {
		return false
	}
	if (a.FinishedAt == nil) != (b.FinishedAt == nil) {
		return false
	}
	if a.FinishedAt != nil && !a.FinishedAt.Equal(*b.FinishedAt) {
		return false
	}
	return true
}

// MemoryStore is the default in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok, nil
}

func (s *MemoryStore) Set(ctx context.Context, id string, entry Entry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = entry
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]Entry)
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}
