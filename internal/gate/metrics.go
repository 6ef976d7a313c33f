package gate

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the enforcement gate.
type Metrics struct {
	Decisions *prometheus.CounterVec
}

// NewMetrics returns the process-wide gate metrics, registering them on
// first use:
//
//   - forge_gate_decisions_total{category,decision}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			Decisions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "forge_gate_decisions_total",
					Help: "Gate decisions by action category and outcome",
				},
				[]string{"category", "decision"},
			),
		}
	})
	return globalMetrics
}

// NewMetricsWith registers gate metrics on reg. Tests use it with a fresh
// registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Decisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_gate_decisions_total",
				Help: "Gate decisions by action category and outcome",
			},
			[]string{"category", "decision"},
		),
	}
}
