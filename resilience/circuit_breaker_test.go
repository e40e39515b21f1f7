package resilience

import (
	"testing"
	"time"

	"github.com/unfazed-dev/n8nkit/core"
)

func testBreaker(threshold int, cooldown time.Duration) (*CircuitBreaker, *core.FakeClock) {
	clock := core.NewFakeClock(time.UnixMilli(0))
	return NewCircuitBreaker(threshold, cooldown, clock, nil), clock
}

// TestBreakerOpensAtThreshold tests the closed-to-open transition
func TestBreakerOpensAtThreshold(t *testing.T) {
	cb, _ := testBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
	}
	if state, allowed := cb.Allow(); !allowed || state != StateClosed {
		t.Errorf("Expected closed below threshold, got %s allowed=%v", state, allowed)
	}

	cb.RecordFailure()
	state, allowed := cb.Allow()
	if allowed || state != StateOpen {
		t.Errorf("Expected open at threshold, got %s allowed=%v", state, allowed)
	}

	snap := cb.Snapshot()
	if snap.Failures != 3 {
		t.Errorf("Expected 3 failures, got %d", snap.Failures)
	}
	if snap.NextAttemptAt.IsZero() {
		t.Error("Expected a scheduled next attempt")
	}
}

// TestBreakerHalfOpenAfterCooldown tests the probe admission
func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	cb, clock := testBreaker(1, time.Minute)
	cb.RecordFailure()

	if _, allowed := cb.Allow(); allowed {
		t.Fatal("Expected rejection before cool-down")
	}

	clock.Advance(time.Minute)
	state, allowed := cb.Allow()
	if !allowed || state != StateHalfOpen {
		t.Errorf("Expected half_open probe after cool-down, got %s allowed=%v", state, allowed)
	}

	cb.RecordSuccess()
	snap := cb.Snapshot()
	if snap.State != StateClosed || snap.Failures != 0 {
		t.Errorf("Expected closed with 0 failures after probe success, got %+v", snap)
	}
}

// TestBreakerHalfOpenFailureReopens tests probe failure handling
func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, clock := testBreaker(1, time.Minute)
	cb.RecordFailure()
	clock.Advance(time.Minute)

	if state, _ := cb.Allow(); state != StateHalfOpen {
		t.Fatalf("Expected half_open, got %s", state)
	}

	cb.RecordFailure()
	state, allowed := cb.Allow()
	if allowed || state != StateOpen {
		t.Errorf("Expected reopened breaker, got %s allowed=%v", state, allowed)
	}

	// A fresh cool-down applies
	clock.Advance(time.Minute)
	if _, allowed := cb.Allow(); !allowed {
		t.Error("Expected probe after the renewed cool-down")
	}
}

// TestBreakerReset tests returning to the initial state
func TestBreakerReset(t *testing.T) {
	cb, _ := testBreaker(1, time.Minute)
	cb.RecordFailure()
	cb.Reset()

	snap := cb.Snapshot()
	if snap.State != StateClosed || snap.Failures != 0 || !snap.NextAttemptAt.IsZero() {
		t.Errorf("Expected pristine breaker after reset, got %+v", snap)
	}
}

// TestStateString tests state names
func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(99):     "unknown",
	}
	for state, want := range cases {
		if state.String() != want {
			t.Errorf("Expected %q, got %q", want, state.String())
		}
	}
}
