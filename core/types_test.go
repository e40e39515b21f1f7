package core

import (
	"regexp"
	"testing"
	"time"
)

// TestStatusClassification tests the active/terminal split
func TestStatusClassification(t *testing.T) {
	active := []ExecutionStatus{StatusNew, StatusRunning, StatusWaiting}
	terminal := []ExecutionStatus{StatusSuccess, StatusError, StatusCanceled, StatusCrashed}

	for _, s := range active {
		if !s.IsActive() || s.IsTerminal() {
			t.Errorf("Expected %s to be active and not terminal", s)
		}
	}
	for _, s := range terminal {
		if s.IsActive() || !s.IsTerminal() {
			t.Errorf("Expected %s to be terminal and not active", s)
		}
	}
	if StatusUnknown.IsActive() || StatusUnknown.IsTerminal() {
		t.Error("Expected unknown to be neither active nor terminal")
	}
}

// TestParseExecutionStatus tests engine status string parsing
func TestParseExecutionStatus(t *testing.T) {
	if got := ParseExecutionStatus("Running"); got != StatusRunning {
		t.Errorf("Expected running, got %s", got)
	}
	if got := ParseExecutionStatus("weird"); got != StatusUnknown {
		t.Errorf("Expected unknown fallback, got %s", got)
	}
}

// TestProvisionalID tests the placeholder id format
func TestProvisionalID(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	id := ProvisionalExecutionID("order/created", now)

	pattern := regexp.MustCompile(`^webhook-[^/]+/.+-\d+$`)
	if !pattern.MatchString(id) {
		t.Errorf("Provisional id %q does not match expected shape", id)
	}
	if !IsProvisionalID(id) {
		t.Error("Expected the generated id to be detected as provisional")
	}
	if IsProvisionalID("abc123") {
		t.Error("Expected engine ids not to be provisional")
	}
}

// TestExecutionEquality tests identity comparison
func TestExecutionEquality(t *testing.T) {
	a := &WorkflowExecution{ID: "1", Status: StatusRunning}
	b := &WorkflowExecution{ID: "1", Status: StatusSuccess}
	c := &WorkflowExecution{ID: "2"}

	if !a.Equal(b) {
		t.Error("Expected executions with the same id to be equal")
	}
	if a.Equal(c) {
		t.Error("Expected executions with different ids to differ")
	}
	var nilExec *WorkflowExecution
	if a.Equal(nilExec) {
		t.Error("Expected nil comparison to be false")
	}
}

// TestPerformanceMetricsRunningAverage tests the rolling counters
func TestPerformanceMetricsRunningAverage(t *testing.T) {
	var m PerformanceMetrics
	m = m.RecordRequest(true, 100*time.Millisecond)
	m = m.RecordRequest(false, 300*time.Millisecond)

	if m.TotalRequests != 2 || m.SuccessfulRequests != 1 || m.FailedRequests != 1 {
		t.Errorf("Unexpected counters: %+v", m)
	}
	if m.AverageResponseTime != 200*time.Millisecond {
		t.Errorf("Expected average 200ms, got %v", m.AverageResponseTime)
	}
}
