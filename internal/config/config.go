// Package config provides configuration loading for forge.
//
// Configuration is layered: hardcoded defaults, then an optional YAML file,
// then FORGE_-prefixed environment variables. Sections that belong to other
// packages (logging, telemetry) are kept as plain values here and translated
// by the caller so this package stays a leaf.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Config holds the complete forge configuration.
type Config struct {
	State      StateConfig      `koanf:"state"`
	Validation ValidationConfig `koanf:"validation"`
	Gate       GateConfig       `koanf:"gate"`
	Events     EventsConfig     `koanf:"events"`
	Watch      WatchConfig      `koanf:"watch"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// StateConfig controls where workflow records live and how writers contend
// for them.
type StateConfig struct {
	// Dir holds one subdirectory per session. Relative paths resolve
	// against the project root.
	Dir            string   `koanf:"dir"`
	LockAttempts   int      `koanf:"lock_attempts"`
	LockBackoff    Duration `koanf:"lock_backoff"`
	LockMaxBackoff Duration `koanf:"lock_max_backoff"`
	Archive        bool     `koanf:"archive"`
	ArchivePath    string   `koanf:"archive_path"`
}

// ValidationConfig controls the schema validator.
type ValidationConfig struct {
	Strict bool `koanf:"strict"`
	// Registry is an optional YAML or TOML file that overrides or extends
	// the built-in schema registry.
	Registry   string `koanf:"registry"`
	SecretScan bool   `koanf:"secret_scan"`
	Allowlist  string `koanf:"allowlist"`
	PluginRoot string `koanf:"plugin_root"`
}

// GateConfig bounds each unit of work triggered by a host event.
type GateConfig struct {
	Timeout Duration `koanf:"timeout"`
}

// EventsConfig configures the optional transition event publisher.
type EventsConfig struct {
	NATSURL       Secret `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// WatchConfig configures the long-running watch mode.
type WatchConfig struct {
	Addr     string   `koanf:"addr"`
	Debounce Duration `koanf:"debounce"`
	Burst    int      `koanf:"burst"`
}

// LoggingConfig is translated into logging.Config by the CLI.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig is translated into telemetry.Config by the CLI.
type TelemetryConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Endpoint string `koanf:"endpoint"`
	Protocol string `koanf:"protocol"`
	Insecure bool   `koanf:"insecure"`
	CAFile   string `koanf:"ca_file"`
}

// Configuration errors.
var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

var subjectPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+(\.[a-zA-Z0-9_-]+)*$`)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.State.Archive = true
	cfg.Validation.SecretScan = true
	cfg.Telemetry.Insecure = true
	return cfg
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.State.Dir == "" {
		return fmt.Errorf("%w: state.dir is required", ErrInvalidConfig)
	}
	if c.State.LockAttempts < 1 || c.State.LockAttempts > 100 {
		return fmt.Errorf("%w: state.lock_attempts must be between 1 and 100, got %d", ErrInvalidConfig, c.State.LockAttempts)
	}
	if c.State.LockBackoff.Duration() <= 0 {
		return fmt.Errorf("%w: state.lock_backoff must be positive", ErrInvalidConfig)
	}
	if c.State.LockMaxBackoff.Duration() < c.State.LockBackoff.Duration() {
		return fmt.Errorf("%w: state.lock_max_backoff must be >= state.lock_backoff", ErrInvalidConfig)
	}
	if c.State.Archive && c.State.ArchivePath == "" {
		return fmt.Errorf("%w: state.archive_path is required when archiving is enabled", ErrInvalidConfig)
	}
	if c.Gate.Timeout.Duration() <= 0 {
		return fmt.Errorf("%w: gate.timeout must be positive", ErrInvalidConfig)
	}
	if c.Gate.Timeout.Duration() > time.Minute {
		return fmt.Errorf("%w: gate.timeout must not exceed 1m, got %s", ErrInvalidConfig, c.Gate.Timeout.Duration())
	}
	if !subjectPattern.MatchString(c.Events.SubjectPrefix) {
		return fmt.Errorf("%w: events.subject_prefix %q is not a valid subject", ErrInvalidConfig, c.Events.SubjectPrefix)
	}
	if c.Watch.Debounce.Duration() <= 0 {
		return fmt.Errorf("%w: watch.debounce must be positive", ErrInvalidConfig)
	}
	if c.Watch.Burst < 1 {
		return fmt.Errorf("%w: watch.burst must be >= 1", ErrInvalidConfig)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("%w: logging.format must be 'json' or 'console', got %q", ErrInvalidConfig, c.Logging.Format)
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("%w: telemetry.endpoint is required when telemetry is enabled", ErrInvalidConfig)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.State.Dir == "" {
		cfg.State.Dir = ".forge/state"
	}
	if cfg.State.LockAttempts == 0 {
		cfg.State.LockAttempts = 8
	}
	if cfg.State.LockBackoff == 0 {
		cfg.State.LockBackoff = Duration(25 * time.Millisecond)
	}
	if cfg.State.LockMaxBackoff == 0 {
		cfg.State.LockMaxBackoff = Duration(400 * time.Millisecond)
	}
	if cfg.State.ArchivePath == "" {
		cfg.State.ArchivePath = ".forge/history.db"
	}

	if cfg.Gate.Timeout == 0 {
		cfg.Gate.Timeout = Duration(10 * time.Second)
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "forge"
	}

	if cfg.Watch.Addr == "" {
		cfg.Watch.Addr = "127.0.0.1:9797"
	}
	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = Duration(250 * time.Millisecond)
	}
	if cfg.Watch.Burst == 0 {
		cfg.Watch.Burst = 4
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
}
