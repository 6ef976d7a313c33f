package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chkim-su/forge2/internal/logging"
)

// Category is a host lifecycle event class.
type Category string

const (
	// SessionStart fires when the host opens a session.
	SessionStart Category = "session-start"

	// PreAction fires before the host runs a tool and can deny it.
	PreAction Category = "pre-action"

	// PostAction fires after a tool has run with its output.
	PostAction Category = "post-action"

	// UserInput fires when the user submits a prompt.
	UserInput Category = "user-input"

	// SessionEnd fires when the host wants to stop and can deny it.
	SessionEnd Category = "session-end"
)

var hostEvents = map[Category]string{
	SessionStart: "SessionStart",
	PreAction:    "PreToolUse",
	PostAction:   "PostToolUse",
	UserInput:    "UserPromptSubmit",
	SessionEnd:   "Stop",
}

// Categories returns every category in lifecycle order.
func Categories() []Category {
	return []Category{SessionStart, UserInput, PreAction, PostAction, SessionEnd}
}

// HostEvent returns the host's name for c.
func (c Category) HostEvent() string {
	return hostEvents[c]
}

// Blocking reports whether a denial in c stops the host.
func (c Category) Blocking() bool {
	return c == PreAction || c == SessionEnd
}

// ErrUnknownCategory is returned for event names that map to no category.
var ErrUnknownCategory = errors.New("unknown hook category")

// ErrTimeout is returned when handlers overrun the per-event budget.
var ErrTimeout = errors.New("hook timed out")

// ParseCategory accepts either a category name or the host event name.
func ParseCategory(s string) (Category, error) {
	for c, host := range hostEvents {
		if s == string(c) || strings.EqualFold(s, host) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

// Payload is the JSON document the host writes to stdin.
type Payload struct {
	SessionID     string          `json:"session_id"`
	HookEventName string          `json:"hook_event_name,omitempty"`
	ToolName      string          `json:"tool_name,omitempty"`
	ToolInput     map[string]any  `json:"tool_input,omitempty"`
	ToolResponse  json.RawMessage `json:"tool_response,omitempty"`
	Prompt        string          `json:"prompt,omitempty"`
	Cwd           string          `json:"cwd,omitempty"`
}

// ParsePayload decodes a payload. An empty stream is an empty payload.
func ParsePayload(r io.Reader) (*Payload, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read hook payload: %w", err)
	}
	p := &Payload{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse hook payload: %w", err)
	}
	return p, nil
}

// ResponseText flattens the tool response into text. Hosts report it as a
// string, as an object with a text field, or as a list of content blocks.
func (p *Payload) ResponseText() string {
	if len(p.ToolResponse) == 0 {
		return ""
	}
	return flatten(p.ToolResponse)
}

func flatten(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}

	var blocks []json.RawMessage
	if json.Unmarshal(raw, &blocks) == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if t := flatten(b); t != "" {
				parts = append(parts, t)
			}
		}
		return strings.Join(parts, "\n")
	}

	var obj map[string]json.RawMessage
	if json.Unmarshal(raw, &obj) == nil {
		for _, key := range []string{"text", "content", "output", "result", "stdout"} {
			if v, ok := obj[key]; ok {
				if t := flatten(v); t != "" {
					return t
				}
			}
		}
	}
	return ""
}

// Response is the combined outcome of one event.
type Response struct {
	Deny   bool   `json:"deny"`
	Reason string `json:"reason,omitempty"`
	// Notice is written to stderr without denying.
	Notice string `json:"notice,omitempty"`
	// AdditionalContext is injected into the host conversation.
	AdditionalContext string `json:"additional_context,omitempty"`
	// Detail carries the component result for --json callers.
	Detail any `json:"detail,omitempty"`
}

// ExitCode maps the response onto the host contract.
func (r *Response) ExitCode() int {
	if r.Deny {
		return 2
	}
	return 0
}

type hostOutput struct {
	HookSpecificOutput struct {
		HookEventName     string `json:"hookEventName"`
		AdditionalContext string `json:"additionalContext"`
	} `json:"hookSpecificOutput"`
}

// Write renders r for the host: injected context as JSON on stdout, denial
// reasons and notices on stderr.
func (r *Response) Write(c Category, stdout, stderr io.Writer) error {
	if r.AdditionalContext != "" {
		var out hostOutput
		out.HookSpecificOutput.HookEventName = c.HostEvent()
		out.HookSpecificOutput.AdditionalContext = r.AdditionalContext
		if err := json.NewEncoder(stdout).Encode(out); err != nil {
			return fmt.Errorf("write hook output: %w", err)
		}
	}
	msg := r.Notice
	if r.Deny {
		msg = r.Reason
	}
	if msg != "" {
		if _, err := fmt.Fprintln(stderr, msg); err != nil {
			return fmt.Errorf("write hook output: %w", err)
		}
	}
	return nil
}

// Fault converts a failed event into a response. Blocking categories deny
// so that a fault is never mistaken for permission.
func Fault(c Category, err error) *Response {
	reason := fmt.Sprintf("forge %s failed: %v", c, err)
	if c.Blocking() {
		return &Response{Deny: true, Reason: reason}
	}
	return &Response{Notice: reason}
}

// Handler processes one event. Returning a denying response stops the
// remaining handlers.
type Handler func(ctx context.Context, p *Payload) (*Response, error)

// Manager routes events to registered handlers.
type Manager struct {
	config   *Config
	handlers map[Category][]Handler
	logger   *logging.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a manager. A nil config uses DefaultConfig.
func NewManager(config *Config, opts ...ManagerOption) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	m := &Manager{
		config:   config,
		handlers: make(map[Category][]Handler),
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("hooks")
	return m
}

// RegisterHandler appends a handler for c.
func (m *Manager) RegisterHandler(c Category, h Handler) {
	m.handlers[c] = append(m.handlers[c], h)
}

// Config returns the manager configuration.
func (m *Manager) Config() *Config {
	return m.config
}

// Execute runs the handlers for c in registration order under the configured
// timeout. Context from every handler is concatenated; the first denial
// wins. Handlers that overrun the timeout yield ErrTimeout even if they are
// still running.
func (m *Manager) Execute(ctx context.Context, c Category, p *Payload) (*Response, error) {
	if _, ok := hostEvents[c]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, c)
	}
	if p == nil {
		p = &Payload{}
	}
	ctx = logging.WithEvent(logging.WithSessionID(ctx, p.SessionID), string(c))

	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	type result struct {
		resp *Response
		err  error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		resp, err := m.run(ctx, c, p)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			m.logger.Warn(ctx, "hook failed", zap.Error(r.err))
			return nil, fmt.Errorf("hook %s failed: %w", c, r.err)
		}
		m.logger.Debug(ctx, "hook handled",
			zap.Bool("deny", r.resp.Deny),
			zap.Duration("elapsed", time.Since(start)),
		)
		return r.resp, nil
	case <-ctx.Done():
		m.logger.Warn(ctx, "hook timed out", zap.Duration("timeout", m.config.Timeout))
		return nil, fmt.Errorf("hook %s: %w after %s", c, ErrTimeout, m.config.Timeout)
	}
}

func (m *Manager) run(ctx context.Context, c Category, p *Payload) (*Response, error) {
	combined := &Response{}
	var contexts, notices []string
	for _, h := range m.handlers[c] {
		resp, err := h(ctx, p)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			continue
		}
		if resp.AdditionalContext != "" {
			contexts = append(contexts, resp.AdditionalContext)
		}
		if resp.Notice != "" {
			notices = append(notices, resp.Notice)
		}
		if resp.Detail != nil {
			combined.Detail = resp.Detail
		}
		if resp.Deny {
			combined.Deny = true
			combined.Reason = resp.Reason
			break
		}
	}
	combined.AdditionalContext = strings.Join(contexts, "\n\n")
	combined.Notice = strings.Join(notices, "\n")
	return combined, nil
}
