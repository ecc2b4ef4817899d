package health

import (
	"context"
	"slices"
	"sync"
	"time"
)

// CheckFunc checks one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// Recorder receives every status change, typically to export it as a gauge.
type Recorder interface {
	RecordHealthStatus(component string, healthy bool)
}

type check struct {
	fn      CheckFunc
	message string
}

// Monitor tracks health of multiple components in a thread-safe manner
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	checks   map[string]check
	recorder Recorder
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		checks:   make(map[string]check),
	}
}

// SetRecorder forwards subsequent updates to r.
func (m *Monitor) SetRecorder(r Recorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorder = r
}

// AddCheck registers a check that RunChecks evaluates. healthyMessage is
// reported while the check succeeds.
func (m *Monitor) AddCheck(name, healthyMessage string, fn CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check{fn: fn, message: healthyMessage}
}

// RunChecks evaluates every registered check and records the results.
func (m *Monitor) RunChecks(ctx context.Context) {
	m.mu.RLock()
	checks := make(map[string]check, len(m.checks))
	for name, c := range m.checks {
		checks[name] = c
	}
	m.mu.RUnlock()

	for name, c := range checks {
		m.Update(name, FromError(name, c.fn(ctx), c.message))
	}
}

// Start runs the checks immediately and then every interval until ctx ends.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	m.RunChecks(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.RunChecks(ctx)
			}
		}
	}()
}

// Update records status for name. Since and Failures carry over from the
// previous report while the state is unchanged.
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	status.Healthy = status.IsHealthy()
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	status.Since = status.Timestamp
	status.Failures = 0

	if prev, ok := m.statuses[name]; ok && prev.Status == status.Status {
		status.Since = prev.Since
		status.Failures = prev.Failures
	}
	if !status.Healthy {
		status.Failures++
	}

	m.statuses[name] = status
	if m.recorder != nil {
		m.recorder.RecordHealthStatus(name, status.Healthy)
	}
}

// UpdateHealthy is a convenience method to update a component as healthy
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy is a convenience method to update a component as unhealthy
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateDegraded is a convenience method to update a component as degraded
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Get retrieves the health status for a named component
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, exists := m.statuses[name]
	return status, exists
}

// GetAll returns a copy of all current health statuses
func (m *Monitor) GetAll() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]Status, len(m.statuses))
	for name, status := range m.statuses {
		result[name] = status
	}
	return result
}

// Remove removes a component from monitoring
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.statuses, name)
	delete(m.checks, name)
}

// AggregateHealth returns an aggregated health status for the entire system.
// Sub-statuses are ordered by component name.
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subStatuses := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subStatuses = append(subStatuses, status)
	}
	slices.SortFunc(subStatuses, func(a, b Status) int {
		if a.Component < b.Component {
			return -1
		}
		if a.Component > b.Component {
			return 1
		}
		return 0
	})

	return Aggregate(systemName, subStatuses)
}

// ListComponents returns the sorted names of all monitored components
func (m *Monitor) ListComponents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.statuses))
	for name := range m.statuses {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Count returns the number of components being monitored
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.statuses)
}
