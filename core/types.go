package core

import (
	"fmt"
	"strings"
	"time"
)

// ExecutionStatus is the lifecycle stage of a remote workflow execution.
type ExecutionStatus string

const (
	StatusNew      ExecutionStatus = "new"
	StatusRunning  ExecutionStatus = "running"
	StatusWaiting  ExecutionStatus = "waiting"
	StatusSuccess  ExecutionStatus = "success"
	StatusError    ExecutionStatus = "error"
	StatusCanceled ExecutionStatus = "canceled"
	StatusCrashed  ExecutionStatus = "crashed"
	StatusUnknown  ExecutionStatus = "unknown"
)

// IsActive returns true while the engine may still change the status.
func (s ExecutionStatus) IsActive() bool {
	return s == StatusNew || s == StatusRunning || s == StatusWaiting
}

// IsTerminal returns true for final statuses. After a terminal emission a
// polling sequence completes.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCanceled || s == StatusCrashed
}

// ParseExecutionStatus maps an engine status string onto the known set,
// falling back to StatusUnknown.
func ParseExecutionStatus(raw string) ExecutionStatus {
	switch ExecutionStatus(strings.ToLower(raw)) {
	case StatusNew, StatusRunning, StatusWaiting, StatusSuccess, StatusError, StatusCanceled, StatusCrashed:
		return ExecutionStatus(strings.ToLower(raw))
	default:
		return StatusUnknown
	}
}

// WorkflowExecution is one remote run of a workflow. Identity is the ID;
// the engine assigns it, or the client synthesises a provisional one when
// the start endpoint cannot be correlated to a real execution.
type WorkflowExecution struct {
	ID              string                 `json:"id"`
	WorkflowID      string                 `json:"workflowId"`
	Status          ExecutionStatus        `json:"status"`
	StartedAt       time.Time              `json:"startedAt"`
	FinishedAt      *time.Time             `json:"stoppedAt,omitempty"`
	Data            map[string]interface{} `json:"data,omitempty"`
	WaitingForInput bool                   `json:"waitingForInput,omitempty"`
	WaitNodeData    map[string]interface{} `json:"waitNodeData,omitempty"`
}

// Equal compares executions by identity.
func (e *WorkflowExecution) Equal(other *WorkflowExecution) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.ID == other.ID
}

// IsProvisional reports whether the execution carries a client-side
// placeholder id.
func (e *WorkflowExecution) IsProvisional() bool {
	return IsProvisionalID(e.ID)
}

// provisionalPrefix tags client-side placeholder execution ids.
const provisionalPrefix = "webhook-"

// ProvisionalExecutionID builds a placeholder id for a webhook-triggered
// execution the engine did not return an id for:
// "webhook-<path>-<epoch-ms>".
func ProvisionalExecutionID(webhookPath string, now time.Time) string {
	return fmt.Sprintf("%s%s-%d", provisionalPrefix, webhookPath, now.UnixMilli())
}

// IsProvisionalID reports whether id is a client-side placeholder.
// Any id with the webhook prefix must be rejected by status fetches.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, provisionalPrefix)
}

// ConnectionState is the client's view of engine reachability, maintained
// by the background health probe.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionError        ConnectionState = "error"
)

// PerformanceMetrics tracks rolling request totals for a client.
type PerformanceMetrics struct {
	TotalRequests       int64         `json:"total_requests"`
	SuccessfulRequests  int64         `json:"successful_requests"`
	FailedRequests      int64         `json:"failed_requests"`
	AverageResponseTime time.Duration `json:"average_response_time"`
}

// RecordRequest folds one request outcome into the running totals.
// The average is a running mean over all completed requests.
func (m PerformanceMetrics) RecordRequest(success bool, elapsed time.Duration) PerformanceMetrics {
	m.TotalRequests++
	if success {
		m.SuccessfulRequests++
	} else {
		m.FailedRequests++
	}
	if m.TotalRequests == 1 {
		m.AverageResponseTime = elapsed
	} else {
		prev := int64(m.AverageResponseTime)
		m.AverageResponseTime = time.Duration(prev + (int64(elapsed)-prev)/m.TotalRequests)
	}
	return m
}

// WorkflowInfo is a workflow definition summary from the engine list API.
type WorkflowInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// WorkflowDetail is the full workflow document, including node parameters
// (used by webhook discovery).
type WorkflowDetail struct {
	ID     string                   `json:"id"`
	Name   string                   `json:"name"`
	Active bool                     `json:"active"`
	Nodes  []map[string]interface{} `json:"nodes"`
}
