// Package errors provides standardized error handling patterns for concur components.
// It includes the versioned-update error taxonomy, a three-way error classification,
// and helper functions for consistent error wrapping across the system.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Versioned update taxonomy. Stores, resources and the updater all report
// their terminal conditions through these so callers can use errors.Is.
var (
	ErrNotFound           = errors.New("entity not found")
	ErrVersionConflict    = errors.New("version conflict")
	ErrValidation         = errors.New("validation failed")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrUnknown            = errors.New("unknown error")
)

// Infrastructure conditions reported by storage, transport and config code.
var (
	ErrInvalidData        = errors.New("invalid data format")
	ErrDataCorrupted      = errors.New("data corrupted")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrInvalidConfig      = errors.New("invalid configuration")
)

// ErrorClass tells a caller what to do with an error.
type ErrorClass int

const (
	// ErrorTransient errors may succeed when retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid errors stem from bad input and must not be retried
	ErrorInvalid
	// ErrorFatal errors mean the component cannot continue
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifiedError pins a class onto an error along with where it happened.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	switch {
	case ce.Message != "":
		return ce.Message
	case ce.Err != nil:
		return ce.Err.Error()
	default:
		return ce.Class.String() + " error"
	}
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// transientHints are matched against messages of unclassified errors coming
// from drivers that do not export sentinels.
var transientHints = []string{"timeout", "connection", "temporary", "unavailable", "no responders"}

// Classify returns the class of err. An explicit ClassifiedError in the chain
// wins; otherwise sentinels decide, and anything unrecognised is transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	switch {
	case errors.Is(err, ErrInvalidData),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrNotFound):
		return ErrorInvalid
	case errors.Is(err, ErrInvalidConfig),
		errors.Is(err, ErrDataCorrupted),
		errors.Is(err, ErrBucketNotFound):
		return ErrorFatal
	}
	return ErrorTransient
}

// IsTransient reports whether retrying err may help. Version conflicts and
// storage outages count; so do driver errors whose message hints at one.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}
	if errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range transientHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	return err != nil && Classify(err) == ErrorFatal
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	return err != nil && Classify(err) == ErrorInvalid
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return &ClassifiedError{
		Class:     class,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}

// Invalid builds an invalid-class error from a message when there is no
// underlying cause to wrap.
func Invalid(component, method, message string) error {
	return WrapInvalid(errors.New(message), component, method, "validation")
}

// New mirrors the standard library so callers importing this package under
// the name errors do not need a second import.
func New(text string) error {
	return errors.New(text)
}

// Is mirrors errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As mirrors errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}
