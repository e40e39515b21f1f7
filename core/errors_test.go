package core

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

// TestClassifyPassThrough tests that classified errors pass through untouched
func TestClassifyPassThrough(t *testing.T) {
	original := NewEngineError(KindRateLimit, "op", "slow down")
	got := Classify(original)
	if got != original {
		t.Errorf("Expected pass-through of *EngineError, got %v", got)
	}
}

// TestClassifyDeadline tests timeout classification
func TestClassifyDeadline(t *testing.T) {
	got := Classify(context.DeadlineExceeded)
	if got.Kind != KindTimeout {
		t.Errorf("Expected KindTimeout, got %s", got.Kind)
	}
	if !got.Retryable {
		t.Error("Expected timeout errors to be retryable")
	}
	if !errors.Is(got, context.DeadlineExceeded) {
		t.Error("Expected the cause to unwrap to context.DeadlineExceeded")
	}
}

// TestClassifyUnknown tests the fall-through case
func TestClassifyUnknown(t *testing.T) {
	got := Classify(errors.New("something odd"))
	if got.Kind != KindUnknown {
		t.Errorf("Expected KindUnknown, got %s", got.Kind)
	}
	if got.Retryable {
		t.Error("Unknown errors must not be retryable")
	}
}

// TestClassifyWrappedEngineError tests errors.As unwrapping
func TestClassifyWrappedEngineError(t *testing.T) {
	inner := NewEngineError(KindAuthentication, "op", "bad key")
	wrapped := errors.Join(errors.New("outer"), inner)
	got := Classify(wrapped)
	if got.Kind != KindAuthentication {
		t.Errorf("Expected KindAuthentication through wrapping, got %s", got.Kind)
	}
}

// TestFromResponseMapping tests the engine status-code table
func TestFromResponseMapping(t *testing.T) {
	tests := []struct {
		status    int
		kind      ErrorKind
		retryable bool
	}{
		{401, KindAuthentication, false},
		{403, KindAuthentication, false},
		{404, KindWorkflow, false},
		{429, KindRateLimit, true},
		{500, KindServerError, true},
		{502, KindServerError, true},
		{503, KindServerError, true},
		{504, KindServerError, true},
		{418, KindServerError, false},
	}

	for _, tt := range tests {
		got := FromResponse("test", &Response{StatusCode: tt.status})
		if got.Kind != tt.kind {
			t.Errorf("status %d: expected kind %s, got %s", tt.status, tt.kind, got.Kind)
		}
		if got.Retryable != tt.retryable {
			t.Errorf("status %d: expected retryable=%v, got %v", tt.status, tt.retryable, got.Retryable)
		}
		if got.StatusCode != tt.status {
			t.Errorf("status %d: expected StatusCode carried, got %d", tt.status, got.StatusCode)
		}
	}
}

// TestFromResponseRetryAfter tests Retry-After parsing on 429
func TestFromResponseRetryAfter(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "12")
	got := FromResponse("test", &Response{StatusCode: 429, Header: header})

	if got.RetryAfter() != 12*time.Second {
		t.Errorf("Expected retryAfter=12s, got %v", got.RetryAfter())
	}
}

// TestFromResponseNotFoundSentinel tests 404 wrapping
func TestFromResponseNotFoundSentinel(t *testing.T) {
	got := FromResponse("test", &Response{StatusCode: 404})
	if !IsNotFound(got) {
		t.Error("Expected 404 to satisfy IsNotFound")
	}
}

// TestEngineErrorMetadataChaining tests WithMetadata/WithCause
func TestEngineErrorMetadataChaining(t *testing.T) {
	cause := errors.New("root")
	e := NewEngineError(KindServerError, "op", "boom").
		WithMetadata("circuitBreakerState", "open").
		WithCause(cause)

	if e.Metadata["circuitBreakerState"] != "open" {
		t.Error("Expected metadata to be set")
	}
	if !errors.Is(e, cause) {
		t.Error("Expected cause to unwrap")
	}
}
