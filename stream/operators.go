package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// derived builds a Subscription backed by an operator goroutine's output
// channel. Cancelling it cancels upstream.
func derived[T any](upstream func(), buffer int) (*Subscription[T], chan T) {
	ch := make(chan T, buffer)
	return &Subscription[T]{ch: ch, cancel: upstream}, ch
}

// Map transforms each emission.
func Map[T, U any](in *Subscription[T], f func(T) U) *Subscription[U] {
	out, ch := derived[U](in.Cancel, cap(in.ch))
	go func() {
		defer close(ch)
		for v := range in.C() {
			deliver(ch, f(v))
		}
	}()
	return out
}

// Filter forwards emissions satisfying pred.
func Filter[T any](in *Subscription[T], pred func(T) bool) *Subscription[T] {
	out, ch := derived[T](in.Cancel, cap(in.ch))
	go func() {
		defer close(ch)
		for v := range in.C() {
			if pred(v) {
				deliver(ch, v)
			}
		}
	}()
	return out
}

// DistinctUntilChanged suppresses an emission equal (per eq) to the
// previous one.
func DistinctUntilChanged[T any](in *Subscription[T], eq func(a, b T) bool) *Subscription[T] {
	out, ch := derived[T](in.Cancel, cap(in.ch))
	go func() {
		defer close(ch)
		var prev T
		first := true
		for v := range in.C() {
			if first || !eq(prev, v) {
				deliver(ch, v)
				prev = v
				first = false
			}
		}
	}()
	return out
}

// Scan folds emissions with fn, emitting each intermediate accumulator.
func Scan[T, A any](in *Subscription[T], seed A, fn func(A, T) A) *Subscription[A] {
	out, ch := derived[A](in.Cancel, cap(in.ch))
	go func() {
		defer close(ch)
		acc := seed
		for v := range in.C() {
			acc = fn(acc, v)
			deliver(ch, acc)
		}
	}()
	return out
}

// Take forwards at most n emissions, then cancels upstream.
func Take[T any](in *Subscription[T], n int) *Subscription[T] {
	out, ch := derived[T](in.Cancel, cap(in.ch))
	go func() {
		defer close(ch)
		defer in.Cancel()
		seen := 0
		for v := range in.C() {
			if seen >= n {
				return
			}
			deliver(ch, v)
			seen++
			if seen >= n {
				return
			}
		}
	}()
	return out
}

// TakeWhile forwards emissions until pred fails. The failing emission is
// forwarded when inclusive is true (used for terminal emissions).
func TakeWhile[T any](in *Subscription[T], pred func(T) bool, inclusive bool) *Subscription[T] {
	out, ch := derived[T](in.Cancel, cap(in.ch))
	go func() {
		defer close(ch)
		defer in.Cancel()
		for v := range in.C() {
			if pred(v) {
				deliver(ch, v)
				continue
			}
			if inclusive {
				deliver(ch, v)
			}
			return
		}
	}()
	return out
}

// Merge interleaves emissions from all inputs; the output closes when
// every input has closed.
func Merge[T any](ins ...*Subscription[T]) *Subscription[T] {
	cancelAll := func() {
		for _, in := range ins {
			in.Cancel()
		}
	}
	out, ch := derived[T](cancelAll, DefaultBuffer)

	var wg sync.WaitGroup
	for _, in := range ins {
		wg.Add(1)
		go func(in *Subscription[T]) {
			defer wg.Done()
			for v := range in.C() {
				deliver(ch, v)
			}
		}(in)
	}
	go func() {
		wg.Wait()
		close(ch)
	}()
	return out
}

// Zip emits a tuple each time every input has produced a new emission.
// It closes when any input closes.
func Zip[T any](ins ...*Subscription[T]) *Subscription[[]T] {
	cancelAll := func() {
		for _, in := range ins {
			in.Cancel()
		}
	}
	out, ch := derived[[]T](cancelAll, DefaultBuffer)

	go func() {
		defer close(ch)
		defer cancelAll()
		for {
			tuple := make([]T, len(ins))
			for i, in := range ins {
				v, ok := <-in.C()
				if !ok {
					return
				}
				tuple[i] = v
			}
			deliver(ch, tuple)
		}
	}()
	return out
}

// Race forwards only the first input to emit. Losing inputs keep running
// but their emissions are discarded.
func Race[T any](ins ...*Subscription[T]) *Subscription[T] {
	cancelAll := func() {
		for _, in := range ins {
			in.Cancel()
		}
	}
	out, ch := derived[T](cancelAll, DefaultBuffer)

	var winner atomic.Int64
	winner.Store(-1)

	var wg sync.WaitGroup
	for i, in := range ins {
		wg.Add(1)
		go func(idx int64, in *Subscription[T]) {
			defer wg.Done()
			for v := range in.C() {
				if winner.CompareAndSwap(-1, idx) || winner.Load() == idx {
					deliver(ch, v)
				}
			}
		}(int64(i), in)
	}
	go func() {
		wg.Wait()
		close(ch)
	}()
	return out
}

// Throttle forwards an emission then drops subsequent ones until d has
// elapsed (leading edge).
func Throttle[T any](in *Subscription[T], d time.Duration) *Subscription[T] {
	return ThrottleWith(in, d, time.Now)
}

// ThrottleWith is Throttle with an injected time source, for callers
// that own a clock.
func ThrottleWith[T any](in *Subscription[T], d time.Duration, now func() time.Time) *Subscription[T] {
	out, ch := derived[T](in.Cancel, cap(in.ch))
	go func() {
		defer close(ch)
		var last time.Time
		for v := range in.C() {
			t := now()
			if last.IsZero() || t.Sub(last) >= d {
				deliver(ch, v)
				last = t
			}
		}
	}()
	return out
}

// Collect drains up to n emissions or stops when ctx ends or the
// subscription closes. Test helper.
func Collect[T any](ctx context.Context, in *Subscription[T], n int) []T {
	var out []T
	for len(out) < n {
		select {
		case <-ctx.Done():
			return out
		case v, ok := <-in.C():
			if !ok {
				return out
			}
			out = append(out, v)
		}
	}
	return out
}
