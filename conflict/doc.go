// Package conflict classifies failed versioned-update attempts into a closed set
// of outcomes so the updater can decide between retry and abort.
//
// Classification looks at, in order: the transport status (409, 404, 400/422),
// a structured error code table, localized conflict phrases in the message, and
// known optimistic-lock exception type names. Structured codes are preferred;
// phrase and type-name matching exist for backends that only return text.
//
// Errors expose their signals through small interfaces (StatusCoder,
// ErrorCoder, TypeNamer) found anywhere in the wrap chain, so any transport can
// participate without this package importing it.
//
//	c := conflict.Default()
//	switch c.Classify(err) {
//	case conflict.VersionConflict:
//	    // refresh and retry
//	case conflict.NotFound:
//	    // drop the entity
//	}
package conflict
