package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/chkim-su/forge2/internal/archive"
	"github.com/chkim-su/forge2/internal/gate"
	"github.com/chkim-su/forge2/internal/logging"
	"github.com/chkim-su/forge2/internal/validate"
	"github.com/chkim-su/forge2/internal/workflow"
)

var errInvalidArgument = errors.New("invalid argument")

// Store is the workflow store surface the tools drive.
type Store interface {
	Get(ctx context.Context) (*workflow.State, error)
	Init(ctx context.Context, kind workflow.Kind, initial map[string]string) (*workflow.State, error)
	SetContext(ctx context.Context, key, value string) (*workflow.State, error)
	AppendFile(ctx context.Context, path string) (*workflow.State, error)
}

// StoreOpener opens the store of a session.
type StoreOpener func(sessionID string) (Store, error)

// HistorySource lists archived workflows.
type HistorySource interface {
	List(ctx context.Context, f archive.Filter) ([]*archive.Record, error)
}

// Redactor removes secrets from text.
type Redactor interface {
	Redact(content string) (string, int)
}

// Deps are the components the tools call. History and Redactor are
// optional.
type Deps struct {
	Open      StoreOpener
	Validator *validate.Validator
	Gate      *gate.Gate
	History   HistorySource
	Redactor  Redactor
	// DefaultSession is used when a call names no session.
	DefaultSession string
	// BaseDir resolves relative artifact paths.
	BaseDir string
}

// Server exposes workflow and validation tools over MCP.
type Server struct {
	mcp      *mcp.Server
	deps     Deps
	metrics  *toolMetrics
	registry *ToolRegistry
	logger   *logging.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "forge")
	Name string

	// Version is the server version (default: "dev")
	Version string

	Logger *logging.Logger

	// Meter overrides the global OpenTelemetry meter for tool metrics.
	Meter metric.Meter
}

// DefaultConfig returns the defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "forge",
		Version: "dev",
		Logger:  logging.NewNop(),
	}
}

// NewServer creates the server and registers every tool.
func NewServer(cfg *Config, deps Deps) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if deps.Open == nil {
		return nil, fmt.Errorf("store opener is required")
	}
	if deps.Validator == nil {
		return nil, fmt.Errorf("validator is required")
	}
	if deps.Gate == nil {
		return nil, fmt.Errorf("gate is required")
	}

	logger := cfg.Logger.Named("mcp")
	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		deps:     deps,
		metrics:  newToolMetrics(cfg.Meter, logger),
		registry: NewToolRegistry(),
		logger:   logger,
	}

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	return s, nil
}

// Registry returns the tool registry.
func (s *Server) Registry() *ToolRegistry { return s.registry }

// Connect serves one session over t. Tests use it with in-memory
// transports.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, t, nil)
}

// Run serves on stdio until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info(ctx, "starting MCP server on stdio transport", zap.Int("tools", s.registry.Count()))
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// open resolves the session and opens its store.
func (s *Server) open(sessionID string) (Store, string, error) {
	if sessionID == "" {
		sessionID = s.deps.DefaultSession
	}
	if sessionID == "" {
		return nil, "", fmt.Errorf("%w: session_id is required", errInvalidArgument)
	}
	st, err := s.deps.Open(sessionID)
	if err != nil {
		return nil, "", err
	}
	return st, sessionID, nil
}

// text builds a text result, redacted when a redactor is configured.
func (s *Server) text(msg string) *mcp.CallToolResult {
	if s.deps.Redactor != nil {
		msg, _ = s.deps.Redactor.Redact(msg)
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: msg}}}
}
