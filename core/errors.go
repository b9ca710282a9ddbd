package core

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the memory subsystem, the tool registry and the
// engine. Callers match them with errors.Is.
var (
	// ErrValidation marks malformed input: a missing user id, an empty
	// required payload field, a tool call that does not match its schema.
	ErrValidation = errors.New("validation error")

	// ErrNotFound is returned when a record id does not exist in the
	// caller's namespace.
	ErrNotFound = errors.New("not found")

	// ErrIndexTimeout is returned when the similarity index could not be
	// built or queried within its bounded wait.
	ErrIndexTimeout = errors.New("index timeout")

	// ErrToolLoopExceeded is reported when a turn keeps requesting tools
	// past the configured round limit.
	ErrToolLoopExceeded = errors.New("tool loop exceeded")

	// ErrTurnInProgress is returned by Run when the thread's last turn was
	// interrupted before reaching a terminal state.
	ErrTurnInProgress = errors.New("turn in progress")
)

// Validationf returns an error wrapping ErrValidation.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf returns an error wrapping ErrNotFound.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// IsPermanent reports whether retrying the operation cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound)
}
