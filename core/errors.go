package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Execution-related errors
	ErrExecutionNotFound    = errors.New("execution not found")
	ErrProvisionalExecution = errors.New("provisional execution id cannot be fetched")
	ErrWorkflowNotFound     = errors.New("workflow not found")

	// Client lifecycle errors
	ErrClientDisposed  = errors.New("client disposed")
	ErrPollingStopped  = errors.New("polling stopped")
	ErrAlreadyPolling  = errors.New("already polling")
	ErrNotInitialized  = errors.New("not initialized")

	// Queue errors
	ErrQueueItemProcessing = errors.New("queue item is processing")
	ErrQueueItemNotFound   = errors.New("queue item not found")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrContextCanceled    = errors.New("context canceled")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

	// HTTP/Network errors
	ErrConnectionFailed = errors.New("connection failed")
	ErrRequestFailed    = errors.New("request failed")
)

// ErrorKind partitions engine failures into the categories the retry
// kernel reasons about. Classification happens once at the transport
// boundary; higher layers only inspect kinds.
type ErrorKind string

const (
	KindNetwork        ErrorKind = "network"
	KindAuthentication ErrorKind = "authentication"
	KindWorkflow       ErrorKind = "workflow"
	KindTimeout        ErrorKind = "timeout"
	KindServerError    ErrorKind = "server_error"
	KindRateLimit      ErrorKind = "rate_limit"
	KindUnknown        ErrorKind = "unknown"
)

// EngineError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type EngineError struct {
	Kind       ErrorKind              // Failure category
	Op         string                 // Operation that failed (e.g., "client.StartWorkflow")
	Message    string                 // Human-readable message
	StatusCode int                    // HTTP status when known, 0 otherwise
	Retryable  bool                   // Whether the kernel may retry this failure
	Metadata   map[string]interface{} // Kind-specific details (retryAfter, breaker state, ...)
	Cause      error                  // Underlying error for wrapping
	Timestamp  time.Time              // Creation time
}

// Error returns the string representation of the error
func (e *EngineError) Error() string {
	if e.Op != "" && e.Cause != nil {
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.Kind, e.Cause)
	}
	if e.Message != "" {
		if e.Op != "" {
			return fmt.Sprintf("%s [%s]: %s", e.Op, e.Kind, e.Message)
		}
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// RetryAfter reports the server-provided retry-after duration for
// rate-limit errors, or 0 when absent.
func (e *EngineError) RetryAfter() time.Duration {
	if e.Metadata == nil {
		return 0
	}
	if d, ok := e.Metadata["retryAfter"].(time.Duration); ok {
		return d
	}
	return 0
}

// NewEngineError creates an EngineError of the given kind.
func NewEngineError(kind ErrorKind, op, message string) *EngineError {
	return &EngineError{
		Kind:      kind,
		Op:        op,
		Message:   message,
		Retryable: kind == KindNetwork || kind == KindTimeout || kind == KindServerError || kind == KindRateLimit,
		Timestamp: time.Now(),
	}
}

// WithMetadata attaches a metadata entry and returns the error for chaining.
func (e *EngineError) WithMetadata(key string, value interface{}) *EngineError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithCause attaches the underlying error and returns the error for chaining.
func (e *EngineError) WithCause(cause error) *EngineError {
	e.Cause = cause
	return e
}

// Classify turns an arbitrary upstream failure into an EngineError.
// Already-classified errors pass through untouched. Timeout-shaped
// failures become KindTimeout; everything else KindUnknown.
func Classify(err error) *EngineError {
	if err == nil {
		return nil
	}

	var ee *EngineError
	if errors.As(err, &ee) {
		return ee
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		out := NewEngineError(KindTimeout, "", "operation timed out")
		out.Cause = err
		return out
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			out := NewEngineError(KindTimeout, "", "network timeout")
			out.Cause = err
			return out
		}
		out := NewEngineError(KindNetwork, "", "network failure")
		out.Cause = err
		return out
	}

	if errors.Is(err, ErrConnectionFailed) {
		out := NewEngineError(KindNetwork, "", "connection failed")
		out.Cause = err
		return out
	}

	out := NewEngineError(KindUnknown, "", err.Error())
	out.Retryable = false
	out.Cause = err
	return out
}

// FromResponse maps an engine HTTP status to an EngineError.
// 2xx statuses never reach this function.
//
// Mapping:
//
//	401/403 -> authentication
//	404     -> workflow ("not found")
//	429     -> rate_limit, Retry-After parsed into metadata
//	5xx     -> server_error, retryable
func FromResponse(op string, resp *Response) *EngineError {
	status := resp.StatusCode
	switch {
	case status == 401 || status == 403:
		e := NewEngineError(KindAuthentication, op, fmt.Sprintf("authentication failed (status %d)", status))
		e.StatusCode = status
		e.Retryable = false
		return e
	case status == 404:
		e := NewEngineError(KindWorkflow, op, "not found")
		e.StatusCode = status
		e.Retryable = false
		e.Cause = ErrExecutionNotFound
		return e
	case status == 429:
		e := NewEngineError(KindRateLimit, op, "rate limited")
		e.StatusCode = status
		if resp.Header != nil {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, err := strconv.Atoi(ra); err == nil {
					e.WithMetadata("retryAfter", time.Duration(secs)*time.Second)
				}
			}
		}
		return e
	case status >= 500:
		e := NewEngineError(KindServerError, op, fmt.Sprintf("server error (status %d)", status))
		e.StatusCode = status
		return e
	default:
		e := NewEngineError(KindServerError, op, fmt.Sprintf("unexpected status %d", status))
		e.StatusCode = status
		e.Retryable = false
		return e
	}
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient network or availability issues.
func IsRetryable(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Retryable
	}
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrQueueItemNotFound)
}

// IsAuthentication checks if an error is an authentication failure
func IsAuthentication(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind == KindAuthentication
	}
	return false
}

// IsCircuitBreakerOpen checks if an error is a breaker-open rejection
func IsCircuitBreakerOpen(err error) bool {
	return errors.Is(err, ErrCircuitBreakerOpen)
}
