package http

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/chkim-su/forge2/internal/logging"
	"github.com/chkim-su/forge2/internal/schema"
	"github.com/chkim-su/forge2/internal/validate"
	"github.com/chkim-su/forge2/internal/workflow"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumWhere(t *testing.T, data metricdata.Aggregation, kv attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected an int64 sum, got %T", data)
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(kv.Key); ok && v == kv.Value {
			total += dp.Value
		}
	}
	return total
}

func TestRouteMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	v, err := validate.New(schema.Default())
	require.NoError(t, err)
	stateDir := t.TempDir()
	server, err := NewServer(Deps{
		Open: func(id string) (StateReader, error) {
			return workflow.NewStore(workflow.DefaultConfig(stateDir, id))
		},
		Validator: v,
	}, logging.NewNop(), &Config{Addr: "127.0.0.1:0", Meter: mp.Meter(meterName)})
	require.NoError(t, err)
	env := &testEnv{server: server, stateDir: stateDir}

	path := filepath.Join(t.TempDir(), "skills", "login-form", "SKILL.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("---\nname: login-form\n---\nBody.\n"), 0o644))

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/validate", ValidateRequest{Paths: []string{path}}).Code)
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/v1/validate", ValidateRequest{}).Code)

	got := collect(t, reader)

	require.Contains(t, got, "forge.http.requests")
	requests := got["forge.http.requests"]
	assert.EqualValues(t, 1, sumWhere(t, requests, attribute.String("route", "/health")))
	assert.EqualValues(t, 2, sumWhere(t, requests, attribute.String("route", "/api/v1/validate")))
	assert.EqualValues(t, 1, sumWhere(t, requests, attribute.Int("status", http.StatusBadRequest)))

	require.Contains(t, got, "forge.http.latency")
	hist, ok := got["forge.http.latency"].(metricdata.Histogram[float64])
	require.True(t, ok)
	var observed uint64
	for _, dp := range hist.DataPoints {
		observed += dp.Count
	}
	assert.EqualValues(t, 3, observed)

	require.Contains(t, got, "forge.http.validations")
	validations := got["forge.http.validations"]
	assert.EqualValues(t, 1, sumWhere(t, validations, attribute.String("verdict", "invalid")))
	assert.Zero(t, sumWhere(t, validations, attribute.String("verdict", "valid")))
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "unmatched", routeLabel(""))
	assert.Equal(t, "/api/v1/status", routeLabel("/api/v1/status"))
}
