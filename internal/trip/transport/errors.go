package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable means the store could not be reached. The operation
	// may be retried with backoff.
	ErrUnavailable = errors.New("transport unavailable")

	// ErrPermissionDenied means the store refused the operation. Retrying
	// will not help.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrShapeMismatch means a key operation targeted a path that holds a
	// single document rather than a keyed mapping.
	ErrShapeMismatch = errors.New("path does not hold a keyed mapping")

	// ErrInvalidPath means a path or key failed validation.
	ErrInvalidPath = errors.New("invalid path")

	// ErrClosed means the channel was closed.
	ErrClosed = errors.New("channel closed")
)

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Unavailable wraps cause as an ErrUnavailable error.
func Unavailable(op string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", op, ErrUnavailable)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, cause)
}

// Denied wraps cause as an ErrPermissionDenied error.
func Denied(op string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", op, ErrPermissionDenied)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrPermissionDenied, cause)
}
