package hooks

import (
	"fmt"
	"time"
)

// Config holds dispatcher configuration.
type Config struct {
	// Timeout bounds each event. Overruns are faults.
	Timeout time.Duration `json:"timeout"`

	// Guidance enables phase guidance on session-start and user-input.
	Guidance bool `json:"guidance"`

	// FinishOnAllow archives and removes a completed workflow once the
	// exit gate allows the session to end.
	FinishOnAllow bool `json:"finish_on_allow"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Timeout:       10 * time.Second,
		Guidance:      true,
		FinishOnAllow: true,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	// The host kills hooks that run past its own limit; stay well inside it.
	if c.Timeout <= 0 || c.Timeout > time.Minute {
		return fmt.Errorf("hook timeout must be between 0 and 1m, got %s", c.Timeout)
	}
	return nil
}
