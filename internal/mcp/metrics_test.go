package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/chkim-su/forge2/internal/schema"
	"github.com/chkim-su/forge2/internal/workflow"
)

func collect(t *testing.T, reader *metric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sum(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	data, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range data.DataPoints {
		total += dp.Value
	}
	return total
}

func sumWhere(t *testing.T, m metricdata.Metrics, key, value string) int64 {
	t.Helper()
	data, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range data.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestToolMetrics(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := newToolMetrics(mp.Meter(instrumentationName), nil)

	ctx := context.Background()
	m.start(ctx, "workflow_status")(nil)
	m.start(ctx, "workflow_init")(fmt.Errorf("%w: kind", errInvalidArgument))
	m.start(ctx, "workflow_status")(nil)

	got := collect(t, reader)
	require.Contains(t, got, "forge.mcp.tool.calls")
	require.Contains(t, got, "forge.mcp.tool.latency")
	calls := got["forge.mcp.tool.calls"]
	assert.Equal(t, int64(3), sum(t, calls))
	assert.Equal(t, int64(2), sumWhere(t, calls, "tool", "workflow_status"))
	assert.Equal(t, int64(1), sumWhere(t, calls, "outcome", "invalid_argument"))

	hist, ok := got["forge.mcp.tool.latency"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var n uint64
	for _, dp := range hist.DataPoints {
		n += dp.Count
	}
	assert.Equal(t, uint64(3), n)
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"success", nil, "ok"},
		{"invalid argument", fmt.Errorf("%w: session_id is required", errInvalidArgument), "invalid_argument"},
		{"unknown type", fmt.Errorf("%w: %q", schema.ErrUnknownType, "widget"), "invalid_argument"},
		{"deadline", context.DeadlineExceeded, "timeout"},
		{"no workflow", &workflow.Error{Op: "get", Kind: workflow.KindNoWorkflow, Err: workflow.ErrNoWorkflow}, "workflow_no_workflow"},
		{"duplicate", &workflow.Error{Op: "append_file", Kind: workflow.KindDuplicateArtifact, Err: workflow.ErrDuplicateArtifact}, "workflow_duplicate_artifact"},
		{"io", &workflow.Error{Op: "init", Kind: workflow.KindIOFailure, Err: workflow.ErrIOFailure}, "workflow_io_failure"},
		{"generic error", errors.New("something went wrong"), "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, outcome(tt.err))
		})
	}
}
