package http

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/chkim-su/forge2/internal/logging"
	"github.com/chkim-su/forge2/internal/validate"
)

const meterName = "github.com/chkim-su/forge2/internal/http"

// routeMetrics records per-route request counts and latency, plus the
// verdicts returned by POST /api/v1/validate. Instruments that fail to
// register are left nil and skipped.
type routeMetrics struct {
	requests    metric.Int64Counter
	latency     metric.Float64Histogram
	validations metric.Int64Counter
}

func newRouteMetrics(meter metric.Meter, logger *logging.Logger) *routeMetrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &routeMetrics{}
	var err error

	m.requests, err = meter.Int64Counter("forge.http.requests",
		metric.WithDescription("HTTP requests by route and status"),
		metric.WithUnit("{request}"))
	if err != nil {
		logger.Warn(context.Background(), "register metric", zap.String("metric", "forge.http.requests"), zap.Error(err))
	}

	m.latency, err = meter.Float64Histogram("forge.http.latency",
		metric.WithDescription("HTTP handler latency by route"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.025, 0.1, 0.5, 2.5))
	if err != nil {
		logger.Warn(context.Background(), "register metric", zap.String("metric", "forge.http.latency"), zap.Error(err))
	}

	m.validations, err = meter.Int64Counter("forge.http.validations",
		metric.WithDescription("Validation requests by verdict"),
		metric.WithUnit("{report}"))
	if err != nil {
		logger.Warn(context.Background(), "register metric", zap.String("metric", "forge.http.validations"), zap.Error(err))
	}
	return m
}

func (m *routeMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			attrs := metric.WithAttributes(
				attribute.String("route", routeLabel(c.Path())),
				attribute.Int("status", status),
			)
			ctx := c.Request().Context()
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			return err
		}
	}
}

func (m *routeMetrics) recordReport(ctx context.Context, r *validate.Report) {
	if m.validations == nil || r == nil {
		return
	}
	verdict := "valid"
	if !r.Result.Valid {
		verdict = "invalid"
	}
	m.validations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("verdict", verdict),
		attribute.Bool("strict", r.Result.Strict),
	))
}

// routeLabel keeps the label set bounded: requests that matched no route
// share one label instead of carrying their raw path.
func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
