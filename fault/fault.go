// Package fault defines the error kinds shared by buffers, stages and the
// orchestrator. Every error produced by this module wraps one of the
// sentinels below, so callers can classify it with errors.Is.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when a stage or buffer is asked to
	// operate on data that violates its precondition.
	ErrInvalidState = errors.New("invalid state")
	// ErrIO is returned when an external source or sink fails.
	ErrIO = errors.New("i/o failure")
	// ErrUnsupported is returned when an engine cannot satisfy the
	// requested configuration.
	ErrUnsupported = errors.New("unsupported configuration")
)

// InvalidState formats an ErrInvalidState raised by op.
func InvalidState(op, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w: %s", op, ErrInvalidState, fmt.Sprintf(format, args...))
}

// Unsupported formats an ErrUnsupported raised by op.
func Unsupported(op, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w: %s", op, ErrUnsupported, fmt.Sprintf(format, args...))
}

// IO wraps err as an ErrIO raised by op. Errors already classified as
// ErrIO are only annotated.
func IO(op string, err error) error {
	if errors.Is(err, ErrIO) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
}

// Recovered converts a value recovered from a panic into an error.
// Errors keep their classification, anything else becomes ErrInvalidState.
func Recovered(op string, v interface{}) error {
	if err, ok := v.(error); ok {
		return fmt.Errorf("%s: panic: %w", op, err)
	}
	return fmt.Errorf("%s: %w: panic: %v", op, ErrInvalidState, v)
}

// Kind returns the sentinel err is classified as, or nil.
func Kind(err error) error {
	for _, k := range []error{ErrInvalidState, ErrIO, ErrUnsupported} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
