package polling

import (
	"testing"
	"time"

	"github.com/unfazed-dev/n8nkit/core"
)

// TestMetricsRates tests success and error rate computation
func TestMetricsRates(t *testing.T) {
	start := time.UnixMilli(0)
	m := newMetricsState("e1", start)

	m.recordPoll(true, core.StatusRunning, start.Add(time.Second))
	m.recordPoll(true, core.StatusRunning, start.Add(2*time.Second))
	m.recordPoll(false, "", start.Add(3*time.Second))
	m.recordPoll(true, core.StatusSuccess, start.Add(4*time.Second))

	snap := m.snapshot(start.Add(5 * time.Second))
	if snap.TotalPolls != 4 || snap.SuccessfulPolls != 3 || snap.FailedPolls != 1 {
		t.Errorf("Unexpected counters: %+v", snap)
	}
	if snap.SuccessRate() != 0.75 {
		t.Errorf("Expected 0.75 success rate, got %v", snap.SuccessRate())
	}
	if snap.ErrorRate() != 0.25 {
		t.Errorf("Expected 0.25 error rate, got %v", snap.ErrorRate())
	}
	if snap.StatusCounts["running"] != 2 || snap.StatusCounts["success"] != 1 {
		t.Errorf("Unexpected status counts: %v", snap.StatusCounts)
	}
}

// TestMetricsIntervalWindow tests the 20-entry sliding window
func TestMetricsIntervalWindow(t *testing.T) {
	start := time.UnixMilli(0)
	m := newMetricsState("e1", start)

	at := start
	for i := 0; i < 30; i++ {
		at = at.Add(time.Second)
		m.recordPoll(true, core.StatusRunning, at)
	}

	snap := m.snapshot(at)
	if len(snap.RecentIntervals) != intervalWindow {
		t.Errorf("Expected window of %d, got %d", intervalWindow, len(snap.RecentIntervals))
	}
	if snap.AverageInterval != time.Second {
		t.Errorf("Expected 1s average, got %v", snap.AverageInterval)
	}
}

// TestMetricsAverageOverWindow tests the average reflecting recent polls
func TestMetricsAverageOverWindow(t *testing.T) {
	start := time.UnixMilli(0)
	m := newMetricsState("e1", start)

	at := start
	// 25 slow polls pushed out by 20 fast ones
	for i := 0; i < 25; i++ {
		at = at.Add(10 * time.Second)
		m.recordPoll(true, core.StatusRunning, at)
	}
	for i := 0; i < 20; i++ {
		at = at.Add(time.Second)
		m.recordPoll(true, core.StatusRunning, at)
	}

	if snap := m.snapshot(at); snap.AverageInterval != time.Second {
		t.Errorf("Expected the window to forget slow polls, got %v", snap.AverageInterval)
	}
}

// TestMetricsFreeze tests TotalTime pinning at EndTime
func TestMetricsFreeze(t *testing.T) {
	start := time.UnixMilli(0)
	m := newMetricsState("e1", start)
	m.recordPoll(true, core.StatusSuccess, start.Add(time.Second))

	m.freeze(start.Add(2 * time.Second))
	m.freeze(start.Add(time.Hour)) // first freeze wins

	snap := m.snapshot(start.Add(time.Hour))
	if snap.TotalTime != 2*time.Second {
		t.Errorf("Expected TotalTime frozen at 2s, got %v", snap.TotalTime)
	}
	if !snap.EndTime.Equal(start.Add(2 * time.Second)) {
		t.Errorf("Unexpected EndTime: %v", snap.EndTime)
	}
}

// TestMetricsIdle tests zero-division guards
func TestMetricsIdle(t *testing.T) {
	m := Metrics{}
	if m.SuccessRate() != 0 || m.ErrorRate() != 0 {
		t.Error("Expected zero rates with no polls")
	}
}
