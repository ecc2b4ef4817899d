package health

import (
	"regexp"
	"slices"
	"strings"
	"time"
)

// Pre-compiled regexes for error message sanitization
var (
	httpURLRegex     = regexp.MustCompile(`https?://[^\s]+`)
	natsURLRegex     = regexp.MustCompile(`nats://[^\s]+`)
	wsURLRegex       = regexp.MustCompile(`wss?://[^\s]+`)
	unixPathRegex    = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	windowsPathRegex = regexp.MustCompile(`[A-Z]:\\[^:\s]+`)
	ipAddrRegex      = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex        = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex  = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// State is the health of one component. Ordered from best to worst.
type State string

// Health states.
const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

func (s State) severity() int {
	switch s {
	case StateHealthy:
		return 0
	case StateDegraded:
		return 1
	default:
		return 2
	}
}

// Status is the health of a component, or of the system with the components
// in SubStatuses.
type Status struct {
	Component string    `json:"component"`
	Healthy   bool      `json:"healthy"`
	Status    State     `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	// Since is when the component entered its current state.
	Since time.Time `json:"since"`
	// Failures counts consecutive non-healthy reports.
	Failures    int      `json:"failures,omitempty"`
	SubStatuses []Status `json:"sub_statuses,omitempty"`
}

func newStatus(component string, state State, message string) Status {
	now := time.Now()
	return Status{
		Component: component,
		Healthy:   state == StateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: now,
		Since:     now,
	}
}

// NewHealthy creates a healthy status.
func NewHealthy(component, message string) Status {
	return newStatus(component, StateHealthy, message)
}

// NewDegraded creates a degraded status.
func NewDegraded(component, message string) Status {
	return newStatus(component, StateDegraded, message)
}

// NewUnhealthy creates an unhealthy status.
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StateUnhealthy, message)
}

// IsHealthy reports whether the state is healthy.
func (s Status) IsHealthy() bool {
	return s.Status == StateHealthy
}

// IsDegraded reports whether the state is degraded.
func (s Status) IsDegraded() bool {
	return s.Status == StateDegraded
}

// IsUnhealthy reports whether the state is unhealthy.
func (s Status) IsUnhealthy() bool {
	return s.Status == StateUnhealthy
}

// Aggregate takes the worst state of subs and names the components in it.
func Aggregate(component string, subs []Status) Status {
	worst := StateHealthy
	for _, sub := range subs {
		if sub.Status.severity() > worst.severity() {
			worst = sub.Status
		}
	}

	var message string
	if worst == StateHealthy {
		message = "all components healthy"
	} else {
		var names []string
		for _, sub := range subs {
			if sub.Status == worst {
				names = append(names, sub.Component)
			}
		}
		message = string(worst) + ": " + strings.Join(names, ", ")
	}

	status := newStatus(component, worst, message)
	status.SubStatuses = slices.Clone(subs)
	return status
}

// sanitizeErrorMessage strips URLs, paths, addresses and credentials from an
// error before it is published on the health endpoint.
func sanitizeErrorMessage(err string) string {
	if err == "" {
		return ""
	}

	// URLs before paths, since URLs contain paths
	sanitized := httpURLRegex.ReplaceAllString(err, "[URL]")
	sanitized = natsURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = wsURLRegex.ReplaceAllString(sanitized, "[URL]")

	sanitized = unixPathRegex.ReplaceAllString(sanitized, "[PATH]")
	sanitized = windowsPathRegex.ReplaceAllString(sanitized, "[PATH]")
	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")
	sanitized = portRegex.ReplaceAllString(sanitized, "[PORT]")
	return credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
}

// FromError builds a status from the outcome of a check. A nil err is
// healthy; otherwise the sanitized error becomes the message.
func FromError(name string, err error, healthyMessage string) Status {
	if err == nil {
		return NewHealthy(name, healthyMessage)
	}
	return NewUnhealthy(name, sanitizeErrorMessage(err.Error()))
}
