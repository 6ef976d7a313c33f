package router

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the completion router.
type Metrics struct {
	Outcomes *prometheus.CounterVec
}

var outcomeOpts = prometheus.CounterOpts{
	Name: "forge_router_outcomes_total",
	Help: "Observed delegate results by router outcome",
}

// NewMetrics returns the process-wide router metrics:
//
//   - forge_router_outcomes_total{outcome}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			Outcomes: promauto.NewCounterVec(outcomeOpts, []string{"outcome"}),
		}
	})
	return globalMetrics
}

// NewMetricsWith registers router metrics on reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Outcomes: promauto.With(reg).NewCounterVec(outcomeOpts, []string{"outcome"}),
	}
}
