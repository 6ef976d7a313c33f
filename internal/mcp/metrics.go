package mcp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/chkim-su/forge2/internal/logging"
	"github.com/chkim-su/forge2/internal/schema"
	"github.com/chkim-su/forge2/internal/workflow"
)

const instrumentationName = "github.com/chkim-su/forge2/internal/mcp"

// toolMetrics counts tool calls by tool and outcome and records their
// latency. A nil instrument is skipped.
type toolMetrics struct {
	calls   metric.Int64Counter
	latency metric.Float64Histogram
}

func newToolMetrics(meter metric.Meter, logger *logging.Logger) *toolMetrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &toolMetrics{}
	var err error
	if m.calls, err = meter.Int64Counter("forge.mcp.tool.calls",
		metric.WithDescription("MCP tool calls by tool and outcome"),
		metric.WithUnit("{call}")); err != nil {
		logger.Warn(context.Background(), "register metric", zap.String("metric", "forge.mcp.tool.calls"), zap.Error(err))
	}
	if m.latency, err = meter.Float64Histogram("forge.mcp.tool.latency",
		metric.WithDescription("MCP tool latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.25, 1, 5)); err != nil {
		logger.Warn(context.Background(), "register metric", zap.String("metric", "forge.mcp.tool.latency"), zap.Error(err))
	}
	return m
}

// start begins timing a call to tool; the returned func records it.
func (m *toolMetrics) start(ctx context.Context, tool string) func(error) {
	began := time.Now()
	return func(err error) {
		name := attribute.String("tool", tool)
		if m.calls != nil {
			m.calls.Add(ctx, 1, metric.WithAttributes(name, attribute.String("outcome", outcome(err))))
		}
		if m.latency != nil {
			m.latency.Record(ctx, time.Since(began).Seconds(), metric.WithAttributes(name))
		}
	}
}

// outcome maps err to a low-cardinality label.
func outcome(err error) string {
	var we *workflow.Error
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	case errors.Is(err, errInvalidArgument), errors.Is(err, schema.ErrUnknownType):
		return "invalid_argument"
	case errors.As(err, &we):
		return "workflow_" + toSnake(string(we.Kind))
	default:
		return "internal_error"
	}
}

// toSnake converts a CamelCase kind name to snake_case, keeping
// initialisms together ("IOFailure" becomes "io_failure").
func toSnake(s string) string {
	isUpper := func(c byte) bool { return c >= 'A' && c <= 'Z' }
	out := make([]byte, 0, len(s)+4)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUpper(c) {
			if i > 0 && (!isUpper(s[i-1]) || (i+1 < len(s) && !isUpper(s[i+1]))) {
				out = append(out, '_')
			}
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}
