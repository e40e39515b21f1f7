package core

import (
	"context"
	"testing"
	"time"
)

// TestFakeClockAdvanceWakesSleepers tests deadline wakeups
func TestFakeClockAdvanceWakesSleepers(t *testing.T) {
	clock := NewFakeClock(time.UnixMilli(0))
	done := make(chan error, 1)

	go func() {
		done <- clock.Sleep(context.Background(), 100*time.Millisecond)
	}()

	// Wait for the sleeper to register
	for i := 0; i < 100 && clock.SleeperCount() == 0; i++ {
		time.Sleep(time.Millisecond)
	}

	clock.Advance(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("Sleeper woke before its deadline")
	case <-time.After(20 * time.Millisecond):
	}

	clock.Advance(60 * time.Millisecond)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Unexpected sleep error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Sleeper never woke")
	}
}

// TestFakeClockSleepCancellation tests context cancellation
func TestFakeClockSleepCancellation(t *testing.T) {
	clock := NewFakeClock(time.UnixMilli(0))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- clock.Sleep(ctx, time.Hour)
	}()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Sleep did not observe cancellation")
	}
}

// TestFakeClockNow tests time advancement
func TestFakeClockNow(t *testing.T) {
	start := time.UnixMilli(1000)
	clock := NewFakeClock(start)
	clock.Advance(2 * time.Second)
	if got := clock.Now(); !got.Equal(start.Add(2 * time.Second)) {
		t.Errorf("Expected now=%v, got %v", start.Add(2*time.Second), got)
	}
}
