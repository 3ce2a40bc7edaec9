package errors

import "github.com/vinayprograms/fragkit/tasks"

// ErrorCategory classifies errors by how a worker should react to them.
type ErrorCategory string

const (
	// CategoryTransient is a temporary failure; the fragment may succeed on
	// another attempt.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent is a failure another attempt will not fix.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource is exhaustion of a shared resource such as a rate
	// limit or a quota.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal is a bug or corrupted state.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies a specific failure.
type ErrorCode string

const (
	// Transient
	ErrCodeTimeout     ErrorCode = "TIMEOUT"
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE"
	ErrCodeNetworkErr  ErrorCode = "NETWORK_ERR"
	ErrCodeRetryLater  ErrorCode = "RETRY_LATER"
	ErrCodeWorkerLost  ErrorCode = "WORKER_LOST" // claiming worker stopped heartbeating
	ErrCodeStuck       ErrorCode = "STUCK"       // fragment processing exceeded its deadline
	ErrCodeStoreFailed ErrorCode = "STORE_FAILED"

	// Permanent
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodePrecondition ErrorCode = "PRECONDITION"
	ErrCodeUnsupported  ErrorCode = "UNSUPPORTED"
	ErrCodeCanceled     ErrorCode = "CANCELED"
	ErrCodeExhausted    ErrorCode = "ATTEMPTS_EXHAUSTED" // fragment failed too many times
	ErrCodeSkipped      ErrorCode = "FRAGMENT_SKIPPED"   // fragment deliberately not processed

	// Resource
	ErrCodeRateLimit     ErrorCode = "RATE_LIMITED"
	ErrCodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeResourceBusy  ErrorCode = "RESOURCE_BUSY"

	// Internal
	ErrCodeInternal   ErrorCode = "INTERNAL"
	ErrCodeCorruption ErrorCode = "CORRUPTION"
	ErrCodePanic      ErrorCode = "PANIC"
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeNetworkErr, ErrCodeRetryLater,
		ErrCodeWorkerLost, ErrCodeStuck, ErrCodeStoreFailed:
		return CategoryTransient

	case ErrCodeNotFound, ErrCodeConflict, ErrCodeInvalidInput, ErrCodePrecondition,
		ErrCodeUnsupported, ErrCodeCanceled, ErrCodeExhausted, ErrCodeSkipped:
		return CategoryPermanent

	case ErrCodeRateLimit, ErrCodeQuotaExceeded, ErrCodeResourceBusy:
		return CategoryResource

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:       "operation timed out",
	ErrCodeUnavailable:   "service temporarily unavailable",
	ErrCodeNetworkErr:    "network connectivity error",
	ErrCodeRetryLater:    "retry requested",
	ErrCodeWorkerLost:    "claiming worker lost",
	ErrCodeStuck:         "fragment stuck in processing",
	ErrCodeStoreFailed:   "state store operation failed",
	ErrCodeNotFound:      "not found",
	ErrCodeConflict:      "conflicting operation",
	ErrCodeInvalidInput:  "invalid input provided",
	ErrCodePrecondition:  "precondition failed",
	ErrCodeUnsupported:   "operation not supported",
	ErrCodeCanceled:      "operation canceled",
	ErrCodeExhausted:     "retry attempts exhausted",
	ErrCodeSkipped:       "fragment skipped",
	ErrCodeRateLimit:     "rate limit exceeded",
	ErrCodeQuotaExceeded: "quota exceeded",
	ErrCodeResourceBusy:  "resource is busy",
	ErrCodeInternal:      "internal error",
	ErrCodeCorruption:    "data corruption detected",
	ErrCodePanic:         "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}

// Outcome maps a processing result to the state a worker should report
// for the fragment it processed.
//
//	nil              -> success
//	FRAGMENT_SKIPPED -> ignored
//	retryable        -> failure
//	anything else    -> fatal
//
// Plain errors without a code are treated as retryable failures.
func Outcome(err error) tasks.FragmentState {
	switch {
	case err == nil:
		return tasks.StateSuccess
	case Is(err, ErrCodeSkipped):
		return tasks.StateIgnored
	case AsFragmentError(err) == nil:
		return tasks.StateFailure
	case IsRetryable(err):
		return tasks.StateFailure
	default:
		return tasks.StateFatal
	}
}
