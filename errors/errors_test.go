package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vinayprograms/fragkit/tasks"
)

// ============================================================================
// Creation
// ============================================================================

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		wantCategory ErrorCategory
	}{
		{"timeout", ErrCodeTimeout, CategoryTransient},
		{"worker_lost", ErrCodeWorkerLost, CategoryTransient},
		{"stuck", ErrCodeStuck, CategoryTransient},
		{"not_found", ErrCodeNotFound, CategoryPermanent},
		{"skipped", ErrCodeSkipped, CategoryPermanent},
		{"exhausted", ErrCodeExhausted, CategoryPermanent},
		{"rate_limit", ErrCodeRateLimit, CategoryResource},
		{"internal", ErrCodeInternal, CategoryInternal},
		{"panic", ErrCodePanic, CategoryInternal},
		{"unknown", ErrorCode("MYSTERY"), CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "boom")
			if err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", err.Code(), tt.code)
			}
			if err.Category() != tt.wantCategory {
				t.Errorf("Category() = %v, want %v", err.Category(), tt.wantCategory)
			}
			if err.Error() != "boom" {
				t.Errorf("Error() = %v", err.Error())
			}
			if err.Timestamp().IsZero() {
				t.Error("Timestamp() should not be zero")
			}
		})
	}
}

func TestFromCode(t *testing.T) {
	err := FromCode(ErrCodeStuck)
	if err.Error() != "fragment stuck in processing" {
		t.Errorf("Error() = %v", err.Error())
	}
	if ErrorCode("MYSTERY").Description() != "unknown error" {
		t.Error("Unknown code should have a generic description")
	}
}

func TestWithFragment(t *testing.T) {
	err := Timeout("slow", WithFragment("render", "task-1", "frag-2"), WithWorkerID("w1"))

	if err.Service() != "render" || err.TaskID() != "task-1" || err.FragmentID() != "frag-2" {
		t.Errorf("Location = %s/%s/%s", err.Service(), err.TaskID(), err.FragmentID())
	}
	if err.WorkerID() != "w1" {
		t.Errorf("WorkerID() = %s", err.WorkerID())
	}
}

func TestHelpers(t *testing.T) {
	tests := []struct {
		err  *Error
		code ErrorCode
	}{
		{Timeout("x"), ErrCodeTimeout},
		{Unavailable("x"), ErrCodeUnavailable},
		{NotFound("x"), ErrCodeNotFound},
		{RateLimited("x"), ErrCodeRateLimit},
		{InvalidInput("x"), ErrCodeInvalidInput},
		{Internal("x"), ErrCodeInternal},
		{Skipped("x"), ErrCodeSkipped},
		{Exhausted("f", 3), ErrCodeExhausted},
		{WorkerLost("w"), ErrCodeWorkerLost},
	}
	for _, tt := range tests {
		if tt.err.Code() != tt.code {
			t.Errorf("Code() = %v, want %v", tt.err.Code(), tt.code)
		}
	}

	ex := Exhausted("frag-1", 5)
	if ex.Metadata()["attempts"] != "5" {
		t.Errorf("attempts metadata = %q", ex.Metadata()["attempts"])
	}
	if WorkerLost("w9").WorkerID() != "w9" {
		t.Error("WorkerLost should record the worker")
	}
}

// ============================================================================
// Retry semantics
// ============================================================================

func TestRetryable(t *testing.T) {
	if !Timeout("x").Retryable() {
		t.Error("Timeout should be retryable")
	}
	if !RateLimited("x").Retryable() {
		t.Error("Rate limit should be retryable")
	}
	if InvalidInput("x").Retryable() {
		t.Error("Invalid input should not be retryable")
	}
	if Internal("x").Retryable() {
		t.Error("Internal should not be retryable")
	}
}

func TestWithRetryableOverride(t *testing.T) {
	err := Internal("flaky disk", WithRetryable(true))
	if !err.Retryable() {
		t.Error("Explicit retryable should override category")
	}
	if !IsRetryable(fmt.Errorf("outer: %w", err)) {
		t.Error("IsRetryable should see through wrapping")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("Plain errors are not retryable")
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want tasks.FragmentState
	}{
		{"nil", nil, tasks.StateSuccess},
		{"skipped", Skipped("empty range"), tasks.StateIgnored},
		{"wrapped skipped", fmt.Errorf("ctx: %w", Skipped("empty")), tasks.StateIgnored},
		{"transient", Timeout("slow"), tasks.StateFailure},
		{"resource", RateLimited("busy"), tasks.StateFailure},
		{"permanent", InvalidInput("bad frame"), tasks.StateFatal},
		{"internal", Internal("bug"), tasks.StateFatal},
		{"panic", RecoverPanic("oops"), tasks.StateFatal},
		{"exhausted", Exhausted("f", 3), tasks.StateFatal},
		{"plain", errors.New("something"), tasks.StateFailure},
		{"override", Internal("flaky", WithRetryable(true)), tasks.StateFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Outcome(tt.err); got != tt.want {
				t.Errorf("Outcome() = %s, want %s", got, tt.want)
			}
		})
	}
}

// ============================================================================
// Wrapping
// ============================================================================

func TestWrap(t *testing.T) {
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}

	base := Timeout("slow", WithFragment("svc", "t", "f"), WithMetadata("k", "v"))
	wrapped := Wrap(base, "processing frame")

	if wrapped.Code() != ErrCodeTimeout {
		t.Errorf("Code() = %v, want TIMEOUT", wrapped.Code())
	}
	if wrapped.FragmentID() != "f" {
		t.Error("Wrap should keep the fragment location")
	}
	if wrapped.Metadata()["k"] != "v" {
		t.Error("Wrap should keep metadata")
	}
	if !errors.Is(wrapped, base) {
		t.Error("Wrapped error should unwrap to base")
	}
	if wrapped.Error() != "processing frame: slow" {
		t.Errorf("Error() = %q", wrapped.Error())
	}
}

func TestWrapContextErrors(t *testing.T) {
	if Wrap(context.DeadlineExceeded, "x").Code() != ErrCodeTimeout {
		t.Error("DeadlineExceeded should wrap as TIMEOUT")
	}
	if Wrap(context.Canceled, "x").Code() != ErrCodeCanceled {
		t.Error("Canceled should wrap as CANCELED")
	}
	if Wrap(errors.New("x"), "y").Code() != ErrCodeInternal {
		t.Error("Plain errors should wrap as INTERNAL")
	}
}

func TestWrapWithCode(t *testing.T) {
	if WrapWithCode(nil, ErrCodeCorruption, "x") != nil {
		t.Error("WrapWithCode(nil) should be nil")
	}
	cause := errors.New("bad checksum")
	err := WrapWithCode(cause, ErrCodeCorruption, "decoding snapshot")
	if err.Code() != ErrCodeCorruption || Cause(err) != cause {
		t.Errorf("WrapWithCode = %v", err)
	}
}

func TestExtractors(t *testing.T) {
	err := fmt.Errorf("outer: %w", NotFound("gone"))

	if Code(err) != ErrCodeNotFound {
		t.Errorf("Code() = %v", Code(err))
	}
	if Category(err) != CategoryPermanent {
		t.Errorf("Category() = %v", Category(err))
	}
	if AsFragmentError(err) == nil {
		t.Error("AsFragmentError should find the structured error")
	}

	plain := errors.New("plain")
	if Code(plain) != "" || Category(plain) != "" || AsFragmentError(plain) != nil {
		t.Error("Plain errors have no code or category")
	}
}

func TestRecoverPanic(t *testing.T) {
	if RecoverPanic(nil) != nil {
		t.Error("RecoverPanic(nil) should be nil")
	}

	err := RecoverPanic(errors.New("index out of range"), WithWorkerID("w1"))
	if err.Code() != ErrCodePanic {
		t.Errorf("Code() = %v", err.Code())
	}
	if err.Metadata()["panic_value"] != "*errors.errorString" {
		t.Errorf("panic_value = %q", err.Metadata()["panic_value"])
	}
	if err.WorkerID() != "w1" {
		t.Error("Options should apply")
	}
	if RecoverPanic(42).Error() != "42" {
		t.Error("Non-error panic values should format")
	}
}

// ============================================================================
// JSON
// ============================================================================

func TestJSONRoundtrip(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	orig := Wrap(errors.New("connection reset"), "fetching input",
		WithTimestamp(ts),
		WithFragment("svc", "task-1", "frag-1"),
		WithWorkerID("w1"),
		WithMetadata("attempt", "2"),
	)

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var got Error
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if got.Code() != orig.Code() || got.Category() != orig.Category() {
		t.Errorf("Code/category = %v/%v", got.Code(), got.Category())
	}
	if got.Error() != orig.Error() {
		t.Errorf("Error() = %q, want %q", got.Error(), orig.Error())
	}
	if !got.Timestamp().Equal(ts) {
		t.Errorf("Timestamp() = %v", got.Timestamp())
	}
	if got.FragmentID() != "frag-1" || got.WorkerID() != "w1" {
		t.Error("Location lost in round trip")
	}
	if got.Metadata()["attempt"] != "2" {
		t.Error("Metadata lost in round trip")
	}
	if got.Retryable() != orig.Retryable() {
		t.Error("Retryable lost in round trip")
	}
}

func TestJSONInvalid(t *testing.T) {
	var e Error
	if err := json.Unmarshal([]byte(`{"code": 5}`), &e); err == nil {
		t.Error("Expected error for invalid JSON")
	}
}
