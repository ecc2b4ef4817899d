package updater

import (
	"fmt"

	"github.com/c360/concur/errors"
)

// Kind is the terminal failure category of a session.
type Kind int

// Terminal failure kinds.
const (
	KindUnknown Kind = iota
	KindNotFound
	KindValidation
	KindMaxRetriesExceeded
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindMaxRetriesExceeded:
		return "max_retries_exceeded"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return errors.ErrNotFound
	case KindValidation:
		return errors.ErrValidation
	case KindMaxRetriesExceeded:
		return errors.ErrMaxRetriesExceeded
	default:
		return errors.ErrUnknown
	}
}

// UpdateError is the only error type Run returns.
// errors.Is matches it against the sentinel for its Kind, and Unwrap exposes
// the last underlying failure for diagnostics.
type UpdateError struct {
	Kind     Kind
	TargetID string
	// Attempts is the number of update calls issued.
	Attempts int
	// Version is the version sent by the last update, or fetched last.
	Version int64
	Err     error
}

// Error implements the error interface
func (e *UpdateError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("update %s: %s after %d attempt(s)", e.TargetID, e.Kind, e.Attempts)
	}
	return fmt.Sprintf("update %s: %s after %d attempt(s): %v", e.TargetID, e.Kind, e.Attempts, e.Err)
}

// Unwrap returns the underlying error
func (e *UpdateError) Unwrap() error {
	return e.Err
}

// Is matches the errors taxonomy sentinel for the error's kind.
func (e *UpdateError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// UserMessage is a short explanation suitable for showing to the person who
// made the edit.
func (e *UpdateError) UserMessage() string {
	switch e.Kind {
	case KindNotFound:
		return "This record no longer exists. It was removed by someone else."
	case KindValidation:
		return "The changes were rejected. Review the highlighted fields and try again."
	case KindMaxRetriesExceeded:
		return "This record keeps changing while you save. Reload it and try again."
	default:
		return "The changes could not be saved."
	}
}
