package resource

import (
	"context"
	"fmt"
	"net/http"

	"github.com/c360/concur/errors"
)

// VersionedResource reads and writes a single kind of entity keyed by id.
// Implementations do no caching. Update must send version exactly as given;
// the server decides whether it is current.
type VersionedResource interface {
	Fetch(ctx context.Context, id string) (Entity, error)
	Update(ctx context.Context, id string, version int64, payload Payload) (Entity, error)
}

// Creator is implemented by resources that can create new entities. Creation
// sends no version and never takes part in conflict handling.
type Creator interface {
	Create(ctx context.Context, payload Payload) (Entity, error)
}

// StatusError is the failure shape every resource reports: a transport status,
// an optional machine-readable code, the server-side exception type when the
// backend names one, and a human message.
type StatusError struct {
	Status    int
	Code      string
	Exception string
	Message   string
	Err       error
}

// Error implements the error interface
func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("status %d (%s): %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("status %d: %s", e.Status, msg)
}

// Unwrap returns the underlying error
func (e *StatusError) Unwrap() error {
	return e.Err
}

// StatusCode returns the transport status.
func (e *StatusError) StatusCode() int {
	return e.Status
}

// ErrorCode returns the machine-readable error code, if any.
func (e *StatusError) ErrorCode() string {
	return e.Code
}

// TypeName returns the server-side exception type, if any.
func (e *StatusError) TypeName() string {
	return e.Exception
}

// Standard error codes carried in StatusError.Code and in HTTP error bodies.
const (
	CodeVersionConflict  = "VERSION_CONFLICT"
	CodeNotFound         = "NOT_FOUND"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeUnavailable      = "UNAVAILABLE"
	CodeInternal         = "INTERNAL"
)

// FromStoreError maps a store error onto a StatusError using the errors
// taxonomy. Errors that already are StatusErrors pass through.
func FromStoreError(err error) error {
	if err == nil {
		return nil
	}
	var se *StatusError
	if errors.As(err, &se) {
		return err
	}

	switch {
	case errors.Is(err, errors.ErrNotFound):
		return &StatusError{Status: http.StatusNotFound, Code: CodeNotFound, Message: err.Error(), Err: err}
	case errors.Is(err, errors.ErrVersionConflict):
		return &StatusError{Status: http.StatusConflict, Code: CodeVersionConflict, Message: err.Error(), Err: err}
	case errors.Is(err, errors.ErrValidation):
		return &StatusError{Status: http.StatusUnprocessableEntity, Code: CodeValidationFailed, Message: err.Error(), Err: err}
	case errors.Is(err, errors.ErrStorageUnavailable):
		return &StatusError{Status: http.StatusServiceUnavailable, Code: CodeUnavailable, Message: err.Error(), Err: err}
	default:
		return &StatusError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: err.Error(), Err: err}
	}
}
