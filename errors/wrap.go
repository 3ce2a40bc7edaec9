package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the chain.
// A structured error keeps its code and category; context errors become
// TIMEOUT or CANCELED; anything else becomes INTERNAL.
// If err is nil, Wrap returns nil.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var fe *Error
	if errors.As(err, &fe) {
		wrapped := &Error{
			code:       fe.code,
			category:   fe.category,
			message:    message,
			cause:      err,
			metadata:   fe.Metadata(),
			retryable:  fe.retryable,
			timestamp:  fe.timestamp,
			service:    fe.service,
			taskID:     fe.taskID,
			fragmentID: fe.fragmentID,
			workerID:   fe.workerID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}
	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsFragmentError extracts a FragmentError from an error chain.
// Returns nil if none is found.
func AsFragmentError(err error) FragmentError {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return nil
}

// Is checks whether the outermost structured error in the chain has code.
func Is(err error, code ErrorCode) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.code == code
	}
	return false
}

// IsRetryable checks if the error is retryable. Plain errors are not.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return false
}

// Code extracts the error code, or "" for plain errors.
func Code(err error) ErrorCode {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.code
	}
	return ""
}

// Category extracts the error category, or "" for plain errors.
func Category(err error) ErrorCategory {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.category
	}
	return ""
}

// Cause returns the root cause of the error chain.
func Cause(err error) error {
	for {
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		inner := unwrapper.Unwrap()
		if inner == nil {
			return err
		}
		err = inner
	}
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}, opts ...Option) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	opts = append([]Option{WithMetadata("panic_value", fmt.Sprintf("%T", recovered))}, opts...)
	return New(ErrCodePanic, message, opts...)
}
