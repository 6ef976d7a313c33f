// Package http serves forge status, history and validation over HTTP.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/chkim-su/forge2/internal/archive"
	"github.com/chkim-su/forge2/internal/logging"
	"github.com/chkim-su/forge2/internal/validate"
	"github.com/chkim-su/forge2/internal/workflow"
)

// StateReader reads the live workflow of one session.
type StateReader interface {
	Get(ctx context.Context) (*workflow.State, error)
}

// HistorySource lists archived workflows.
type HistorySource interface {
	List(ctx context.Context, f archive.Filter) ([]*archive.Record, error)
	Stats(ctx context.Context) (*archive.Stats, error)
}

// Validator validates artifact paths.
type Validator interface {
	ValidateFiles(ctx context.Context, paths []string, strict bool, opts ...validate.CallOption) (*validate.Report, error)
}

// ReportSource exposes the latest watch-mode validation report.
type ReportSource interface {
	Latest() *validate.Report
}

// Deps are the components behind the endpoints. Open is required; the
// rest disable their endpoints when nil.
type Deps struct {
	Open      func(sessionID string) (StateReader, error)
	History   HistorySource
	Validator Validator
	Reports   ReportSource
	Gatherer  prometheus.Gatherer
	// DefaultSession is used when a request names no session.
	DefaultSession string
	Version        string
}

// Server provides HTTP endpoints for forge.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	logger  *logging.Logger
	config  *Config
	metrics *routeMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Addr string
	// Meter overrides the global OpenTelemetry meter.
	Meter metric.Meter
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *logging.Logger, cfg *Config) (*Server, error) {
	if deps.Open == nil {
		return nil, fmt.Errorf("state opener cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Addr: "127.0.0.1:9797"}
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.DefaultSession == "" {
		deps.DefaultSession = "default"
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	metrics := newRouteMetrics(cfg.Meter, logger)
	e.Use(metrics.middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:    e,
		deps:    deps,
		logger:  logger,
		config:  cfg,
		metrics: metrics,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/history", s.handleHistory)
	v1.POST("/validate", s.handleValidate)
	v1.GET("/watch", s.handleWatch)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) session(c echo.Context) (string, error) {
	id := c.QueryParam("session")
	if id == "" {
		id = s.deps.DefaultSession
	}
	if err := logging.ValidateID(id, "session"); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return id, nil
}

func (s *Server) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := s.session(c)
	if err != nil {
		return err
	}
	store, err := s.deps.Open(id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	resp := StatusResponse{
		Status:  "ok",
		Version: s.deps.Version,
		Session: id,
		Counts:  CountFromArchive(ctx, s.deps.History),
	}
	st, err := store.Get(ctx)
	switch {
	case errors.Is(err, workflow.ErrNoWorkflow):
	case err != nil:
		s.logger.Warn(ctx, "status read failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	default:
		resp.Workflow = st
		resp.Outstanding = st.Outstanding()
		resp.Complete = st.Complete()
		if p, ok := st.CurrentPhase(); ok {
			resp.Phase = p.Name
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHistory(c echo.Context) error {
	if s.deps.History == nil {
		return echo.NewHTTPError(http.StatusNotFound, "history archive is disabled")
	}
	f := archive.Filter{
		SessionID: c.QueryParam("session"),
		Kind:      workflow.Kind(c.QueryParam("kind")),
		Outcome:   c.QueryParam("outcome"),
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		f.Limit = n
	}
	records, err := s.deps.History.List(c.Request().Context(), f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if records == nil {
		records = []*archive.Record{}
	}
	return c.JSON(http.StatusOK, HistoryResponse{Workflows: records})
}

func (s *Server) handleValidate(c echo.Context) error {
	if s.deps.Validator == nil {
		return echo.NewHTTPError(http.StatusNotFound, "validation is disabled")
	}
	var req ValidateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Paths) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "paths field is required")
	}
	var opts []validate.CallOption
	if req.Type != "" {
		opts = append(opts, validate.WithDefaultType(req.Type))
	}
	report, err := s.deps.Validator.ValidateFiles(c.Request().Context(), req.Paths, req.Strict, opts...)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	s.metrics.recordReport(c.Request().Context(), report)
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleWatch(c echo.Context) error {
	if s.deps.Reports == nil {
		return echo.NewHTTPError(http.StatusNotFound, "watch mode is not running")
	}
	report := s.deps.Reports.Latest()
	if report == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, report)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", s.config.Addr))
	return s.echo.Start(s.config.Addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
