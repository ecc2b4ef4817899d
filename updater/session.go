package updater

import (
	"time"

	"github.com/c360/concur/conflict"
	"github.com/c360/concur/resource"
)

// State is a step of the update state machine.
type State int

// Session states. Succeeded and Failed are terminal.
const (
	StateIdle State = iota
	StateAttempting
	StateRefreshing
	StateSucceeded
	StateFailed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttempting:
		return "attempting"
	case StateRefreshing:
		return "refreshing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session has ended.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Session is the per-run state. The orchestrator owns it for the duration of
// one Run; observers receive copies.
type Session struct {
	TargetID   string
	State      State
	Attempt    int
	MaxRetries int
	// Version is the version the next (or last) update sends.
	Version     int64
	LastOutcome conflict.Outcome
	LastError   error
	// Refreshed is the most recent entity fetched after a conflict.
	Refreshed *resource.Entity
	Updates   int
	Fetches   int
	StartedAt time.Time
	EndedAt   time.Time
}

// Duration returns how long the session ran, or has run so far.
func (s Session) Duration() time.Duration {
	if s.EndedAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.EndedAt.Sub(s.StartedAt)
}

func (s *Session) snapshot() Session {
	out := *s
	if s.Refreshed != nil {
		refreshed := s.Refreshed.Clone()
		out.Refreshed = &refreshed
	}
	return out
}
