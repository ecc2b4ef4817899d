package updater

import (
	"maps"

	"github.com/c360/concur/resource"
)

// BuildFunc produces the update payload from the entity fields currently known
// to the session. On the first attempt those are the caller's fields; after a
// conflict they are the freshly fetched server fields.
type BuildFunc func(current map[string]any) (resource.Payload, error)

// Intent describes one update the caller wants applied.
type Intent struct {
	// TargetID identifies the entity. It must be assigned; new entities go
	// through resource.Creator instead.
	TargetID string
	// BaseVersion is the version the caller last observed.
	BaseVersion int64
	// Fields are the caller's current view of the entity, used for the first attempt.
	Fields map[string]any
	// Build is re-invoked on every attempt. Nil means Overlay(Fields).
	Build BuildFunc
}

// IntentFor starts an intent from an entity snapshot, reapplying edits on every attempt.
func IntentFor(snapshot resource.Entity, edits map[string]any) Intent {
	fields := snapshot.Clone().Fields
	if fields == nil {
		fields = make(map[string]any, len(edits))
	}
	for k, v := range edits {
		fields[k] = v
	}
	return Intent{
		TargetID:    snapshot.ID,
		BaseVersion: snapshot.Version,
		Fields:      fields,
		Build:       Overlay(edits),
	}
}

// Overlay returns a BuildFunc that copies the current fields and writes edits
// on top. The caller's edits win; every other field comes from the server.
func Overlay(edits map[string]any) BuildFunc {
	frozen := maps.Clone(edits)
	return func(current map[string]any) (resource.Payload, error) {
		out := make(resource.Payload, len(current)+len(frozen))
		for k, v := range current {
			out[k] = v
		}
		for k, v := range frozen {
			out[k] = v
		}
		delete(out, resource.FieldID)
		delete(out, resource.FieldVersion)
		return out, nil
	}
}

// Replace returns a BuildFunc that always sends fields as given, ignoring the
// server's current fields. Only the version moves forward between attempts.
func Replace(fields map[string]any) BuildFunc {
	frozen := maps.Clone(fields)
	return func(map[string]any) (resource.Payload, error) {
		out := make(resource.Payload, len(frozen))
		for k, v := range frozen {
			out[k] = v
		}
		delete(out, resource.FieldID)
		delete(out, resource.FieldVersion)
		return out, nil
	}
}
