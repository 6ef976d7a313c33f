package workflow

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

type storeMetrics struct {
	mutations metric.Int64Counter
	lockWait  metric.Float64Histogram
}

func newStoreMetrics(meter metric.Meter) (*storeMetrics, error) {
	mutations, err := meter.Int64Counter(
		"forge.workflow.mutations",
		metric.WithDescription("Workflow state mutations by operation and outcome"),
		metric.WithUnit("{mutation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create mutations counter: %w", err)
	}

	lockWait, err := meter.Float64Histogram(
		"forge.workflow.lock.wait",
		metric.WithDescription("Time spent acquiring the workflow state lock"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create lock wait histogram: %w", err)
	}

	return &storeMetrics{mutations: mutations, lockWait: lockWait}, nil
}
