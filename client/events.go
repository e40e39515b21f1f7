package client

import (
	"time"
)

// WorkflowEventType names a client lifecycle event.
type WorkflowEventType string

const (
	// EventStarted fires when a workflow start request is accepted.
	EventStarted WorkflowEventType = "started"
	// EventCompleted fires on the first terminal status observation.
	EventCompleted WorkflowEventType = "completed"
	// EventResumed fires when a waiting execution accepts resume input.
	EventResumed WorkflowEventType = "resumed"
	// EventCancelled fires when a cancel request succeeds.
	EventCancelled WorkflowEventType = "cancelled"
	// EventError fires when an operation fails terminally.
	EventError WorkflowEventType = "error"
)

// WorkflowEvent is one emission on the client's event bus.
type WorkflowEvent struct {
	Type        WorkflowEventType
	ExecutionID string
	Timestamp   time.Time
}
