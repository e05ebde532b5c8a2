package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown or stale job/vehicle references.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a concurrent mutation invalidated the
	// state the caller assumed.
	ErrConflict = errors.New("conflict")
	// ErrStorage wraps transient persistence failures. No partial state
	// survives an operation that failed with it.
	ErrStorage = errors.New("storage error")
	// ErrTransport marks fan-out delivery failures. It never fails the
	// request that produced the event.
	ErrTransport = errors.New("transport error")
	// ErrTimeout is returned when the store could not be entered in time.
	ErrTimeout = errors.New("timeout waiting for store")
)

// IsRetryable reports whether the caller may retry the operation as is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage) || errors.Is(err, ErrTimeout)
}

// NotFoundf builds an ErrNotFound with context.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// Conflictf builds an ErrConflict with context.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConflict)
}

// StorageError wraps a persistence failure with the operation that failed.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// InvariantError describes a broken job/vehicle assignment invariant.
type InvariantError struct {
	JobID  string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("job %s: %s", e.JobID, e.Detail)
}

// ErrorCode returns a stable code for the error taxonomy, used on the wire.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "internal"
	}
}

// ErrorFromCode rebuilds a taxonomy error from its wire code.
func ErrorFromCode(code, msg string) error {
	var base error
	switch code {
	case "not_found":
		base = ErrNotFound
	case "conflict":
		base = ErrConflict
	case "storage":
		base = ErrStorage
	case "timeout":
		base = ErrTimeout
	case "transport":
		base = ErrTransport
	default:
		return errors.New(msg)
	}
	return fmt.Errorf("%s: %w", msg, base)
}
