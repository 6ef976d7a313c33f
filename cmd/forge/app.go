package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/chkim-su/forge2/internal/archive"
	"github.com/chkim-su/forge2/internal/config"
	"github.com/chkim-su/forge2/internal/events"
	"github.com/chkim-su/forge2/internal/exitgate"
	"github.com/chkim-su/forge2/internal/gate"
	"github.com/chkim-su/forge2/internal/logging"
	projectpkg "github.com/chkim-su/forge2/internal/project"
	"github.com/chkim-su/forge2/internal/schema"
	"github.com/chkim-su/forge2/internal/secrets"
	"github.com/chkim-su/forge2/internal/telemetry"
	"github.com/chkim-su/forge2/internal/validate"
	"github.com/chkim-su/forge2/internal/workflow"
)

const (
	sessionEnv         = "FORGE_SESSION"
	defaultSession     = "default"
	currentSessionFile = ".current-session"
)

// app holds the dependencies of one CLI invocation. Expensive components
// (the archive database, the NATS connection, the secret scanner) are
// created on first use so a hook that only consults the gate stays cheap.
type app struct {
	opts      *globalOptions
	project   *projectpkg.Project
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	stateDir  string

	history   *archive.SQLiteArchive
	publisher *events.Publisher
	natsDown  bool
	scanner   *secrets.Scanner
	validator *validate.Validator
}

var (
	_ workflow.Archiver  = (*app)(nil)
	_ workflow.Publisher = (*app)(nil)
)

func newApp(ctx context.Context, opts *globalOptions) (*app, error) {
	dir := opts.dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		dir = wd
	}
	proj, err := projectpkg.Detect(dir)
	if err != nil {
		return nil, err
	}

	cfg, err := config.LoadWithFile(opts.configPath, proj.Root)
	if err != nil {
		return nil, err
	}

	logCfg, err := logging.ConfigFromStrings(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OTEL)
	if err != nil {
		return nil, err
	}
	var provider otellog.LoggerProvider
	if cfg.Logging.OTEL {
		provider = global.GetLoggerProvider()
	}
	logger, err := logging.NewLogger(logCfg, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	telCfg := telemetry.NewDefaultConfig()
	telCfg.Enabled = cfg.Telemetry.Enabled
	telCfg.Endpoint = cfg.Telemetry.Endpoint
	telCfg.Protocol = cfg.Telemetry.Protocol
	telCfg.Insecure = cfg.Telemetry.Insecure
	if cfg.Telemetry.CAFile != "" {
		telCfg.CAFile = proj.Resolve(cfg.Telemetry.CAFile)
	}
	telCfg.ServiceVersion = version
	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return nil, err
	}
	if err := tel.Degraded(); err != nil {
		logger.Warn(ctx, "telemetry degraded", zap.Error(err))
	}

	return &app{
		opts:      opts,
		project:   proj,
		cfg:       cfg,
		logger:    logger,
		telemetry: tel,
		stateDir:  proj.Resolve(cfg.State.Dir),
	}, nil
}

// close releases everything the invocation opened.
func (a *app) close(ctx context.Context) {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn(ctx, "failed to close event publisher", zap.Error(err))
		}
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.logger.Warn(ctx, "failed to close archive", zap.Error(err))
		}
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// withApp builds the app for a command and closes it afterwards.
func withApp(cmd interface{ Context() context.Context }, opts *globalOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))
	return fn(ctx, a)
}

// session resolves the session a control command acts on: the --session
// flag, then $FORGE_SESSION, then the last session a host hook reported.
func (a *app) session() string {
	if a.opts.session != "" {
		return a.opts.session
	}
	if s := os.Getenv(sessionEnv); s != "" {
		return s
	}
	data, err := os.ReadFile(filepath.Join(a.stateDir, currentSessionFile))
	if err == nil {
		if s := strings.TrimSpace(string(data)); logging.ValidateID(s, "session id") == nil {
			return s
		}
	}
	return defaultSession
}

// rememberSession records the host's session so later control commands
// without --session act on it.
func (a *app) rememberSession(id string) error {
	if err := logging.ValidateID(id, "session id"); err != nil {
		return err
	}
	if err := os.MkdirAll(a.stateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	path := filepath.Join(a.stateDir, currentSessionFile)
	tmp, err := os.CreateTemp(a.stateDir, currentSessionFile+".*")
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.WriteString(id + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to record session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// openStore opens the workflow store of sessionID.
func (a *app) openStore(sessionID string) (*workflow.Store, error) {
	opts := []workflow.Option{workflow.WithLogger(a.logger)}
	if a.cfg.State.Archive {
		opts = append(opts, workflow.WithArchiver(a))
	}
	if a.cfg.Events.NATSURL.IsSet() {
		opts = append(opts, workflow.WithPublisher(a))
	}
	return workflow.NewStore(workflow.Config{
		Dir:            a.stateDir,
		SessionID:      sessionID,
		LockAttempts:   a.cfg.State.LockAttempts,
		LockBackoff:    a.cfg.State.LockBackoff.Duration(),
		LockMaxBackoff: a.cfg.State.LockMaxBackoff.Duration(),
	}, opts...)
}

// archive opens the history database on first use.
func (a *app) archive() (*archive.SQLiteArchive, error) {
	if a.history == nil {
		if !a.cfg.State.Archive {
			return nil, errors.New("history archive is disabled (state.archive)")
		}
		db, err := archive.Open(a.project.Resolve(a.cfg.State.ArchivePath))
		if err != nil {
			return nil, err
		}
		a.history = db
	}
	return a.history, nil
}

// Archive implements workflow.Archiver over the lazily opened database.
func (a *app) Archive(ctx context.Context, sessionID string, st *workflow.State, outcome string) error {
	db, err := a.archive()
	if err != nil {
		return err
	}
	return db.Archive(ctx, sessionID, st, outcome)
}

// Publish implements workflow.Publisher, dialing NATS on first use. A
// server that cannot be reached is logged once and then skipped.
func (a *app) Publish(ctx context.Context, ev workflow.Event) error {
	if a.natsDown {
		return nil
	}
	if a.publisher == nil {
		p, err := events.Connect(events.Config{
			URL:           a.cfg.Events.NATSURL.Value(),
			SubjectPrefix: a.cfg.Events.SubjectPrefix,
		}, a.logger)
		if err != nil {
			a.natsDown = true
			return err
		}
		a.publisher = p
	}
	return a.publisher.Publish(ctx, ev)
}

// validate builds the validator on first use.
func (a *app) validate() (*validate.Validator, error) {
	if a.validator != nil {
		return a.validator, nil
	}
	registry, err := schema.Load(a.project.Resolve(a.cfg.Validation.Registry))
	if err != nil {
		return nil, err
	}

	opts := []validate.Option{validate.WithLogger(a.logger)}
	scanner, err := a.secretScanner()
	if err != nil {
		return nil, err
	}
	if scanner != nil {
		opts = append(opts, validate.WithSecretScanner(scanner))
	}
	if a.cfg.Validation.PluginRoot != "" {
		opts = append(opts, validate.WithPluginRoot(a.project.Resolve(a.cfg.Validation.PluginRoot)))
	}

	v, err := validate.New(registry, opts...)
	if err != nil {
		return nil, err
	}
	a.validator = v
	return v, nil
}

// secretScanner compiles the Gitleaks rules on first use. It returns nil
// when validation.secret_scan is off.
func (a *app) secretScanner() (*secrets.Scanner, error) {
	if a.scanner != nil || !a.cfg.Validation.SecretScan {
		return a.scanner, nil
	}
	allow, err := secrets.LoadAllowlist(a.project.Resolve(a.cfg.Validation.Allowlist))
	if err != nil {
		return nil, err
	}
	scanner, err := secrets.NewScanner(allow)
	if err != nil {
		return nil, err
	}
	a.scanner = scanner
	return scanner, nil
}

func (a *app) gate() *gate.Gate {
	return gate.New(gate.WithLogger(a.logger))
}

func (a *app) exitGate() (*exitgate.Gate, error) {
	v, err := a.validate()
	if err != nil {
		return nil, err
	}
	return exitgate.New(v, exitgate.WithLogger(a.logger), exitgate.WithBaseDir(a.project.Root)), nil
}

// artifactPath maps a path given on the command line (relative to the
// working directory) to the form recorded in workflow state: relative to
// the project root when inside it.
func (a *app) artifactPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return a.project.Rel(abs), nil
}
