package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unfazed-dev/n8nkit/core"
)

// fastPolicy keeps backoff sleeps negligible for real-clock tests.
func fastPolicy() *RetryPolicy {
	p := DefaultRetryPolicy()
	p.InitialDelay = time.Millisecond
	p.MaxDelay = 10 * time.Millisecond
	return p
}

func networkErr() error {
	return core.NewEngineError(core.KindNetwork, "test", "connection reset")
}

// TestExecuteSucceedsFirstAttempt tests the happy path
func TestExecuteSucceedsFirstAttempt(t *testing.T) {
	e := NewExecutor(fastPolicy())
	calls := 0
	err := e.Execute(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
	if s := e.Stats()["op"]; s.Successes != 1 || s.Attempts != 1 {
		t.Errorf("Unexpected stats: %+v", s)
	}
}

// TestExecuteRetriesTransientFailure tests recovery within the budget
func TestExecuteRetriesTransientFailure(t *testing.T) {
	e := NewExecutor(fastPolicy())
	calls := 0
	err := e.Execute(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return networkErr()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

// TestExecuteStopsOnNonRetryable tests the single-attempt path
func TestExecuteStopsOnNonRetryable(t *testing.T) {
	e := NewExecutor(fastPolicy())
	calls := 0
	err := e.Execute(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return core.NewEngineError(core.KindAuthentication, "test", "bad key")
	})
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
	var ee *core.EngineError
	if !errors.As(err, &ee) || ee.Kind != core.KindAuthentication {
		t.Errorf("Expected authentication error, got %v", err)
	}
}

// TestExecuteExhaustsRetries tests the attempt ceiling
func TestExecuteExhaustsRetries(t *testing.T) {
	e := NewExecutor(fastPolicy())
	calls := 0
	err := e.Execute(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return networkErr()
	})
	if calls != 4 { // MaxRetries=3 plus the initial attempt
		t.Errorf("Expected 4 calls, got %d", calls)
	}
	var ee *core.EngineError
	if !errors.As(err, &ee) || ee.Kind != core.KindNetwork {
		t.Errorf("Expected the last network error, got %v", err)
	}
}

// TestExecuteBreakerRejects tests the fast-fail path
func TestExecuteBreakerRejects(t *testing.T) {
	p := fastPolicy()
	p.MaxRetries = 0
	p.CircuitBreakerThreshold = 2
	e := NewExecutor(p)

	fail := func(ctx context.Context) error { return networkErr() }
	_ = e.Execute(context.Background(), "op", fail)
	_ = e.Execute(context.Background(), "op", fail)

	calls := 0
	err := e.Execute(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return nil
	})
	if calls != 0 {
		t.Error("Expected the open breaker to skip the thunk")
	}
	if !core.IsCircuitBreakerOpen(err) {
		t.Fatalf("Expected breaker-open rejection, got %v", err)
	}
	var ee *core.EngineError
	if !errors.As(err, &ee) {
		t.Fatal("Expected an EngineError")
	}
	if ee.Kind != core.KindServerError || ee.Retryable {
		t.Errorf("Expected non-retryable server_error rejection, got %+v", ee)
	}
	if ee.Metadata["circuitBreakerState"] != "open" {
		t.Errorf("Expected breaker state metadata, got %v", ee.Metadata)
	}
	if ee.Metadata["failureCount"] != 2 {
		t.Errorf("Expected failure count metadata, got %v", ee.Metadata)
	}
}

// TestExecuteHalfOpenRecovery tests probe success closing the breaker
func TestExecuteHalfOpenRecovery(t *testing.T) {
	clock := core.NewFakeClock(time.UnixMilli(0))
	p := fastPolicy()
	p.MaxRetries = 0
	p.CircuitBreakerThreshold = 1
	e := NewExecutor(p, WithClock(clock))

	_ = e.Execute(context.Background(), "op", func(ctx context.Context) error { return networkErr() })
	if state, _ := e.Breaker().Allow(); state != StateOpen {
		t.Fatalf("Expected open breaker, got %s", state)
	}

	clock.Advance(p.CircuitBreakerCooldown)
	err := e.Execute(context.Background(), "op", func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("Expected probe success, got %v", err)
	}
	if snap := e.Breaker().Snapshot(); snap.State != StateClosed {
		t.Errorf("Expected closed breaker after probe, got %s", snap.State)
	}
}

// TestShouldRetryGates tests each predicate clause
func TestShouldRetryGates(t *testing.T) {
	e := NewExecutor(DefaultRetryPolicy())

	network := core.NewEngineError(core.KindNetwork, "t", "")
	if !e.ShouldRetry(network, 1) {
		t.Error("Expected retry for network kind")
	}
	if e.ShouldRetry(network, 4) {
		t.Error("Expected no retry past MaxRetries")
	}

	auth := core.NewEngineError(core.KindAuthentication, "t", "")
	if e.ShouldRetry(auth, 1) {
		t.Error("Expected no retry for authentication kind")
	}

	status501 := core.NewEngineError(core.KindServerError, "t", "")
	status501.StatusCode = 501
	if e.ShouldRetry(status501, 1) {
		t.Error("Expected no retry for a non-retryable status code")
	}
	status503 := core.NewEngineError(core.KindServerError, "t", "")
	status503.StatusCode = 503
	if !e.ShouldRetry(status503, 1) {
		t.Error("Expected retry for 503")
	}

	flagged := core.NewEngineError(core.KindNetwork, "t", "")
	flagged.Retryable = false
	if e.ShouldRetry(flagged, 1) {
		t.Error("Expected Retryable=false to veto the retry")
	}
}

// TestShouldRetryRateLimitRetryAfter tests the retry-after ceiling
func TestShouldRetryRateLimitRetryAfter(t *testing.T) {
	e := NewExecutor(DefaultRetryPolicy())

	modest := core.NewEngineError(core.KindRateLimit, "t", "")
	modest.WithMetadata("retryAfter", 5*time.Second)
	if !e.ShouldRetry(modest, 1) {
		t.Error("Expected retry when retry-after fits within MaxDelay")
	}

	excessive := core.NewEngineError(core.KindRateLimit, "t", "")
	excessive.WithMetadata("retryAfter", time.Minute)
	if e.ShouldRetry(excessive, 1) {
		t.Error("Expected no retry when retry-after exceeds MaxDelay")
	}
}

// TestDelayBackoffAndClamp tests the delay formula bounds
func TestDelayBackoffAndClamp(t *testing.T) {
	// rng pinned to 0.5 zeroes the jitter term
	e := NewExecutor(DefaultRetryPolicy(), WithRand(func() float64 { return 0.5 }))

	if d := e.Delay(1); d != 500*time.Millisecond {
		t.Errorf("Expected InitialDelay at attempt 1, got %v", d)
	}
	if d := e.Delay(2); d != time.Second {
		t.Errorf("Expected doubled delay at attempt 2, got %v", d)
	}
	if d := e.Delay(10); d != 30*time.Second {
		t.Errorf("Expected MaxDelay clamp, got %v", d)
	}

	// rng 0 pulls the delay below base; the floor is InitialDelay
	low := NewExecutor(DefaultRetryPolicy(), WithRand(func() float64 { return 0 }))
	if d := low.Delay(1); d != 500*time.Millisecond {
		t.Errorf("Expected InitialDelay floor, got %v", d)
	}

	// BackoffFactor 1.0 makes the sequence constant
	flatPolicy := DefaultRetryPolicy()
	flatPolicy.BackoffFactor = 1.0
	flat := NewExecutor(flatPolicy, WithRand(func() float64 { return 0.5 }))
	for attempt := 1; attempt <= 5; attempt++ {
		if d := flat.Delay(attempt); d != 500*time.Millisecond {
			t.Errorf("Expected constant delay at attempt %d, got %v", attempt, d)
		}
	}
}

// TestExecuteContextCanceledDuringBackoff tests sleep interruption
func TestExecuteContextCanceledDuringBackoff(t *testing.T) {
	p := DefaultRetryPolicy()
	p.InitialDelay = time.Hour
	p.MaxDelay = time.Hour
	e := NewExecutor(p)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := e.Execute(ctx, "op", func(ctx context.Context) error { return networkErr() })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error from backoff sleep, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Backoff sleep ignored cancellation")
	}
}

// TestResetOperation tests per-operation state cleanup
func TestResetOperation(t *testing.T) {
	e := NewExecutor(fastPolicy())
	_ = e.Execute(context.Background(), "op", func(ctx context.Context) error { return nil })

	e.ResetOperation("op")
	if _, ok := e.Stats()["op"]; ok {
		t.Error("Expected operation stats to be dropped")
	}
}
