// Package stream provides channel-backed hot sources: broadcast subjects
// with no replay, and latest-value holders that replay their current value
// to new subscribers. Fan-out never blocks a publisher; a slow subscriber
// loses its oldest buffered element instead.
package stream

import (
	"sync"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 16

// Subscription is one subscriber's view of a source. Cancel is idempotent
// and releases the subscriber; the channel closes when the source closes
// or the subscription is cancelled.
type Subscription[T any] struct {
	ch     chan T
	cancel func()
	once   sync.Once
}

// C returns the receive channel.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Cancel detaches the subscriber. Safe to call more than once.
func (s *Subscription[T]) Cancel() {
	s.once.Do(s.cancel)
}

// Subject is a hot broadcast source with no replay. Emissions published
// while nobody is subscribed are dropped.
type Subject[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]chan T
	nextID uint64
	buffer int
	closed bool
}

// NewSubject creates a Subject with the default per-subscriber buffer.
func NewSubject[T any]() *Subject[T] {
	return NewSubjectBuffered[T](DefaultBuffer)
}

// NewSubjectBuffered creates a Subject with a custom buffer size.
func NewSubjectBuffered[T any](buffer int) *Subject[T] {
	if buffer < 1 {
		buffer = 1
	}
	return &Subject[T]{
		subs:   make(map[uint64]chan T),
		buffer: buffer,
	}
}

// Publish broadcasts v to every current subscriber. After Close it is a
// no-op. Order is preserved per publishing goroutine.
func (s *Subject[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, ch := range s.subs {
		deliver(ch, v)
	}
}

// deliver sends without blocking: on a full buffer the oldest element is
// dropped to make room.
func deliver[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

// Subscribe attaches a new subscriber. Subscribing to a closed Subject
// yields an already-closed subscription.
func (s *Subject[T]) Subscribe() *Subscription[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan T, s.buffer)
	if s.closed {
		close(ch)
		return &Subscription[T]{ch: ch, cancel: func() {}}
	}

	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	return &Subscription[T]{
		ch: ch,
		cancel: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		},
	}
}

// SubscriberCount reports the number of attached subscribers.
func (s *Subject[T]) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close terminates the subject: all subscriber channels close and future
// publishes are dropped. Idempotent.
func (s *Subject[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

// Closed reports whether Close has been called.
func (s *Subject[T]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Behavior is a latest-value holder: a Subject that additionally keeps the
// most recent value and replays it to each new subscriber.
type Behavior[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]chan T
	nextID uint64
	buffer int
	closed bool
	value  T
}

// NewBehavior creates a Behavior seeded with initial.
func NewBehavior[T any](initial T) *Behavior[T] {
	return &Behavior[T]{
		subs:   make(map[uint64]chan T),
		buffer: DefaultBuffer,
		value:  initial,
	}
}

// Get returns the current value.
func (b *Behavior[T]) Get() T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

// Set replaces the current value and broadcasts it.
func (b *Behavior[T]) Set(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.value = v
	for _, ch := range b.subs {
		deliver(ch, v)
	}
}

// Update applies fn to the current value under the subject lock, an
// atomic read-modify-write, then broadcasts and returns the new value.
func (b *Behavior[T]) Update(fn func(T) T) T {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return b.value
	}
	b.value = fn(b.value)
	for _, ch := range b.subs {
		deliver(ch, b.value)
	}
	return b.value
}

// Subscribe attaches a subscriber; the current value is delivered first.
func (b *Behavior[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, b.buffer)
	if b.closed {
		close(ch)
		return &Subscription[T]{ch: ch, cancel: func() {}}
	}

	ch <- b.value

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return &Subscription[T]{
		ch: ch,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		},
	}
}

// SubscriberCount reports the number of attached subscribers.
func (b *Behavior[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close terminates the behavior. The last value remains readable via Get.
// Idempotent.
func (b *Behavior[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Closed reports whether Close has been called.
func (b *Behavior[T]) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Result pairs a value with the error that produced it, letting fallible
// sources flow through a single channel.
type Result[T any] struct {
	Value T
	Err   error
}

// Ok builds a successful Result.
func Ok[T any](v T) Result[T] { return Result[T]{Value: v} }

// Fail builds a failed Result.
func Fail[T any](err error) Result[T] { return Result[T]{Err: err} }
