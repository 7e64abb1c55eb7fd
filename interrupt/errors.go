package interrupt

import (
	"errors"
	"fmt"
)

type (
	// FatalError marks a workflow or activity failure as unrecoverable. The
	// scheduler records it and stops re-dispatching immediately, skipping
	// the retry ladder.
	FatalError struct {
		// Message describes the failure.
		Message string
		// Stack optionally carries a truncated stack trace captured at the
		// original failure site.
		Stack string
	}

	// TimeoutError indicates an activity exceeded its deadline. Terminal.
	TimeoutError struct {
		Message string
	}

	// MaxedError indicates the retry ladder was exhausted. Terminal.
	MaxedError struct {
		Message string
		// Attempts is the number of attempts made before giving up.
		Attempts int
	}

	// RetryError wraps a recoverable failure with an optional explicit
	// backoff override. Any error that is not fatal, timeout, or maxed is
	// treated as retryable; this type exists so callers can attach context.
	RetryError struct {
		Message string
		Err     error
	}
)

// Fatal builds a FatalError with a formatted message.
func Fatal(format string, args ...any) *FatalError {
	return &FatalError{Message: fmt.Sprintf(format, args...)}
}

func (e *FatalError) Error() string   { return e.Message }
func (e *TimeoutError) Error() string { return e.Message }
func (e *MaxedError) Error() string   { return e.Message }

func (e *RetryError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *RetryError) Unwrap() error { return e.Err }

// ErrorCode classifies err onto the wire-code ladder. Interruptions map to
// their kind's code; fatal, timeout, and maxed errors map to their terminal
// codes; everything else is retryable.
func ErrorCode(err error) int {
	if in, ok := As(err); ok {
		return in.Code
	}
	var (
		fatal   *FatalError
		timeout *TimeoutError
		maxed   *MaxedError
	)
	switch {
	case errors.As(err, &fatal):
		return CodeFatal
	case errors.As(err, &timeout):
		return CodeTimeout
	case errors.As(err, &maxed):
		return CodeMaxed
	}
	return CodeRetry
}

// Terminal reports whether code ends the retry ladder.
func Terminal(code int) bool {
	return code == CodeFatal || code == CodeTimeout || code == CodeMaxed
}
