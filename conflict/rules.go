package conflict

import "fmt"

// Rules configures the non-status parts of classification.
type Rules struct {
	// Codes maps structured error codes sent by the server to outcomes.
	// Consulted after transport status and before any text matching.
	Codes map[string]Outcome `json:"codes,omitempty" yaml:"codes,omitempty"`
	// Phrases are message fragments that indicate a version conflict.
	Phrases []string `json:"phrases,omitempty" yaml:"phrases,omitempty"`
	// TypeNames are optimistic-lock exception or Go error type names.
	TypeNames []string `json:"type_names,omitempty" yaml:"type_names,omitempty"`
}

// DefaultRules returns the built-in code table plus English and Portuguese
// conflict phrases and the usual optimistic-lock exception names.
func DefaultRules() Rules {
	return Rules{
		Codes: map[string]Outcome{
			"VERSION_CONFLICT":  VersionConflict,
			"OPTIMISTIC_LOCK":   VersionConflict,
			"STALE_VERSION":     VersionConflict,
			"NOT_FOUND":         NotFound,
			"VALIDATION_FAILED": ValidationError,
		},
		Phrases: []string{
			"updated or deleted by another transaction",
			"version conflict",
			"stale object state",
			"row was updated or deleted",
			"optimistic lock",
			"atualizado ou excluído por outra transação",
			"atualizado ou removido por outra transação",
			"conflito de versão",
			"estado de objeto obsoleto",
			"bloqueio otimista",
		},
		TypeNames: []string{
			"OptimisticLockException",
			"OptimisticLockingFailureException",
			"ObjectOptimisticLockingFailureException",
			"StaleObjectStateException",
			"StaleStateException",
			"DbUpdateConcurrencyException",
		},
	}
}

// Merge returns r with other's entries added. Codes in other override r.
func (r Rules) Merge(other Rules) Rules {
	out := Rules{
		Codes:     make(map[string]Outcome, len(r.Codes)+len(other.Codes)),
		Phrases:   append(append([]string{}, r.Phrases...), other.Phrases...),
		TypeNames: append(append([]string{}, r.TypeNames...), other.TypeNames...),
	}
	for k, v := range r.Codes {
		out.Codes[k] = v
	}
	for k, v := range other.Codes {
		out.Codes[k] = v
	}
	return out
}

// ParseOutcome converts a configured outcome name. Unrecognized names return false.
func ParseOutcome(name string) (Outcome, bool) {
	switch name {
	case "version_conflict", "conflict":
		return VersionConflict, true
	case "not_found":
		return NotFound, true
	case "validation_error", "validation":
		return ValidationError, true
	case "unknown":
		return Unknown, true
	default:
		return Unknown, false
	}
}

// MarshalText encodes the outcome by name.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText decodes an outcome name as accepted by ParseOutcome.
func (o *Outcome) UnmarshalText(text []byte) error {
	parsed, ok := ParseOutcome(string(text))
	if !ok {
		return fmt.Errorf("unknown outcome %q", string(text))
	}
	*o = parsed
	return nil
}
