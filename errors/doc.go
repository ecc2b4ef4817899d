// Package errors provides standardized error handling patterns for concur.
//
// # Overview
//
// Two layers live here. The first is the three-class classification used by
// infrastructure code: Transient (retry may help), Invalid (bad input, do not
// retry) and Fatal (stop processing). The second is the versioned-update
// taxonomy shared by stores, resources and the updater:
//
//   - ErrVersionConflict: the caller's version is stale (transient, retried)
//   - ErrNotFound: the entity is gone (terminal)
//   - ErrValidation: the payload was rejected (terminal)
//   - ErrMaxRetriesExceeded: conflicts outlasted the retry bound (terminal)
//   - ErrUnknown: anything else (terminal)
//
// Both layers work with errors.Is and errors.As through wrapping chains.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the format:
//
//	"component.method: action failed: %w"
//
// Classification-aware wrappers set the class while keeping the sentinel reachable:
//
//	return errors.WrapInvalid(errors.ErrVersionConflict, "Store", "Update", "compare version")
//
//	// later
//	if errors.Is(err, errors.ErrVersionConflict) { ... }
//
// Wrap(nil, ...) and the Wrap* variants return nil, so use Invalid() when there
// is no underlying cause:
//
//	return errors.Invalid("Config", "Validate", "http.port out of range")
//
// # Thread Safety
//
// All functions are stateless and safe for concurrent use.
package errors
