package updater

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/concur/errors"
	"github.com/c360/concur/metric"
)

// Metrics holds the Prometheus collectors an Orchestrator reports to.
// Every series is labelled with the orchestrator name.
type Metrics struct {
	updates         *prometheus.CounterVec
	fetches         *prometheus.CounterVec
	conflicts       *prometheus.CounterVec
	staleRefreshes  *prometheus.CounterVec
	sessions        *prometheus.CounterVec
	backoff         *prometheus.HistogramVec
	sessionDuration *prometheus.HistogramVec
}

// NewMetrics creates the updater metrics and registers them with registry.
func NewMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	m := &Metrics{
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "updater",
			Name:      "update_calls_total",
			Help:      "Versioned update calls issued",
		}, []string{"name"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "updater",
			Name:      "fetch_calls_total",
			Help:      "Refresh fetches issued after a version conflict",
		}, []string{"name"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "updater",
			Name:      "conflicts_total",
			Help:      "Update attempts rejected with a version conflict",
		}, []string{"name"}),
		staleRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "updater",
			Name:      "stale_refreshes_total",
			Help:      "Refreshes that returned a version no newer than the one just rejected",
		}, []string{"name"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "updater",
			Name:      "sessions_total",
			Help:      "Finished update sessions by result",
		}, []string{"name", "result"}),
		backoff: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "updater",
			Name:      "backoff_seconds",
			Help:      "Wait applied before each refresh",
			Buckets:   []float64{0.05, 0.1, 0.3, 0.45, 0.675, 1, 1.5, 2, 5},
		}, []string{"name"}),
		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "updater",
			Name:      "session_duration_seconds",
			Help:      "Wall-clock duration of update sessions",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name", "result"}),
	}

	regs := []struct {
		name string
		c    any
	}{
		{"update_calls_total", m.updates},
		{"fetch_calls_total", m.fetches},
		{"conflicts_total", m.conflicts},
		{"stale_refreshes_total", m.staleRefreshes},
		{"sessions_total", m.sessions},
		{"backoff_seconds", m.backoff},
		{"session_duration_seconds", m.sessionDuration},
	}
	for _, r := range regs {
		var err error
		switch c := r.c.(type) {
		case *prometheus.CounterVec:
			err = registry.RegisterCounterVec("updater", r.name, c)
		case *prometheus.HistogramVec:
			err = registry.RegisterHistogramVec("updater", r.name, c)
		}
		if err != nil {
			return nil, err
		}
	}

	return m, nil
}

func resultLabel(err error) string {
	if err == nil {
		return "succeeded"
	}
	var ue *UpdateError
	if errors.As(err, &ue) {
		return ue.Kind.String()
	}
	return "unknown"
}

func (m *Metrics) observeSession(name string, s *Session, err error) {
	if m == nil {
		return
	}
	result := resultLabel(err)
	m.sessions.WithLabelValues(name, result).Inc()
	m.sessionDuration.WithLabelValues(name, result).Observe(s.Duration().Seconds())
}
