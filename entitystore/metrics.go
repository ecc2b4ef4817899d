package entitystore

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/concur/metric"
)

// Metrics counts store operations by resource.
type Metrics struct {
	operations *prometheus.CounterVec
	conflicts  *prometheus.CounterVec
	entities   *prometheus.GaugeVec
}

// NewMetrics creates and registers the store metrics.
func NewMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Store operations by resource, operation and result",
		}, []string{"resource", "operation", "result"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "store",
			Name:      "version_conflicts_total",
			Help:      "Updates rejected because the sent version was not current",
		}, []string{"resource"}),
		entities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "store",
			Name:      "entities",
			Help:      "Entities seen by the last List call",
		}, []string{"resource"}),
	}

	if err := registry.RegisterCounterVec("entitystore", "operations_total", m.operations); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("entitystore", "version_conflicts_total", m.conflicts); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec("entitystore", "entities", m.entities); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) record(resource, operation string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(resource, operation, resultOf(err)).Inc()
}
