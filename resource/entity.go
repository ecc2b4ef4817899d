// Package resource defines versioned entities and the client-side contract for
// fetching and updating them.
package resource

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
)

// Reserved keys in the wire representation of an Entity.
const (
	FieldID      = "id"
	FieldVersion = "version"
)

// Payload is the set of fields sent with a create or update.
type Payload map[string]any

// Entity is a server-owned record guarded by an integer version.
// An empty ID means the entity has not been persisted yet.
type Entity struct {
	ID      string
	Version int64
	Fields  map[string]any
}

// Clone returns a copy whose Fields map can be modified independently.
// Nested values are shared.
func (e Entity) Clone() Entity {
	out := Entity{ID: e.ID, Version: e.Version}
	if e.Fields != nil {
		out.Fields = maps.Clone(e.Fields)
	}
	return out
}

// Field returns a field value and whether it was present.
func (e Entity) Field(name string) (any, bool) {
	v, ok := e.Fields[name]
	return v, ok
}

// MarshalJSON flattens the entity: id and version sit next to the fields.
func (e Entity) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		if k == FieldID || k == FieldVersion {
			continue
		}
		out[k] = v
	}
	if e.ID != "" {
		out[FieldID] = e.ID
	}
	out[FieldVersion] = e.Version
	return json.Marshal(out)
}

// UnmarshalJSON accepts the flattened form. Numeric ids are kept as their
// decimal string so backends that use integer keys round-trip.
func (e *Entity) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	id, err := decodeID(raw[FieldID])
	if err != nil {
		return err
	}
	version, err := decodeVersion(raw[FieldVersion])
	if err != nil {
		return err
	}

	delete(raw, FieldID)
	delete(raw, FieldVersion)
	for k, v := range raw {
		raw[k] = normalizeNumbers(v)
	}

	e.ID = id
	e.Version = version
	e.Fields = raw
	return nil
}

func decodeID(v any) (string, error) {
	switch id := v.(type) {
	case nil:
		return "", nil
	case string:
		return id, nil
	case json.Number:
		return id.String(), nil
	default:
		return "", fmt.Errorf("entity id must be a string or number, got %T", v)
	}
}

func decodeVersion(v any) (int64, error) {
	switch version := v.(type) {
	case nil:
		return 0, nil
	case json.Number:
		n, err := version.Int64()
		if err != nil {
			return 0, fmt.Errorf("entity version must be an integer: %w", err)
		}
		return n, nil
	case string:
		n, err := strconv.ParseInt(version, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("entity version must be an integer: %w", err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("entity version must be an integer, got %T", v)
	}
}

// normalizeNumbers turns json.Number back into float64 so decoded fields look
// the same as fields decoded without UseNumber.
func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return val.String()
		}
		return f
	case map[string]any:
		for k, inner := range val {
			val[k] = normalizeNumbers(inner)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = normalizeNumbers(inner)
		}
		return val
	default:
		return v
	}
}
