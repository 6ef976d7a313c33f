// Package gate decides whether an action may proceed given the current
// workflow phase. It only reads state.
package gate

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/chkim-su/forge2/internal/logging"
	"github.com/chkim-su/forge2/internal/workflow"
)

// Tool names by category.
var categories = map[string]workflow.Category{
	"Read":         workflow.CategoryRead,
	"Glob":         workflow.CategoryRead,
	"Grep":         workflow.CategoryRead,
	"LS":           workflow.CategoryRead,
	"WebFetch":     workflow.CategoryRead,
	"WebSearch":    workflow.CategoryRead,
	"TodoWrite":    workflow.CategoryRead,
	"Write":        workflow.CategoryWrite,
	"Edit":         workflow.CategoryWrite,
	"MultiEdit":    workflow.CategoryWrite,
	"NotebookEdit": workflow.CategoryWrite,
	"Bash":         workflow.CategoryExecute,
	"Task":         workflow.CategoryDelegate,
	"Agent":        workflow.CategoryDelegate,
}

// Categorize maps a tool name to its action category.
func Categorize(tool string) workflow.Category {
	if c, ok := categories[tool]; ok {
		return c
	}
	return workflow.CategoryOther
}

// Action is a proposed action as reported by the host.
type Action struct {
	Tool  string
	Input map[string]any
}

// Category returns the action's category.
func (a Action) Category() workflow.Category {
	return Categorize(a.Tool)
}

// Agent returns the delegated agent of a delegate action, without any
// "plugin:" qualifier.
func (a Action) Agent() string {
	if a.Category() != workflow.CategoryDelegate {
		return ""
	}
	agent, _ := a.Input["subagent_type"].(string)
	return AgentName(agent)
}

// AgentName strips a "plugin:" qualifier from an agent reference.
func AgentName(agent string) string {
	agent = strings.TrimSpace(agent)
	if i := strings.LastIndex(agent, ":"); i >= 0 {
		agent = agent[i+1:]
	}
	return agent
}

// Decision is the gate's verdict.
type Decision struct {
	Allow         bool              `json:"allow"`
	Reason        string            `json:"reason,omitempty"`
	Category      workflow.Category `json:"category"`
	Phase         string            `json:"phase,omitempty"`
	RequiredAgent string            `json:"required_agent,omitempty"`
}

// Gate evaluates actions against workflow state.
type Gate struct {
	metrics *Metrics
	logger  *logging.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithMetrics overrides the process-wide metrics.
func WithMetrics(m *Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// New creates a gate.
func New(opts ...Option) *Gate {
	g := &Gate{logger: logging.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = NewMetrics()
	}
	g.logger = g.logger.Named("gate")
	return g
}

// Check decides whether action may proceed. With no state or no current
// phase everything is allowed. Delegating to the current phase's required
// agent is always allowed; otherwise a category the phase gates is denied.
func (g *Gate) Check(ctx context.Context, action Action, st *workflow.State) Decision {
	d := g.decide(action, st)

	decision := "allow"
	if !d.Allow {
		decision = "deny"
	}
	g.metrics.Decisions.WithLabelValues(string(d.Category), decision).Inc()
	g.logger.Debug(ctx, "gate decision",
		zap.String("tool", action.Tool),
		zap.String("category", string(d.Category)),
		zap.String("decision", decision),
		zap.String("phase", d.Phase),
	)
	return d
}

func (g *Gate) decide(action Action, st *workflow.State) Decision {
	d := Decision{Allow: true, Category: action.Category()}
	if st == nil {
		return d
	}
	current, ok := st.CurrentPhase()
	if !ok {
		return d
	}
	def, ok := st.Definition()
	if !ok {
		return d
	}
	phase, ok := def.Phase(current.Name)
	if !ok {
		return d
	}
	d.Phase = phase.Name
	d.RequiredAgent = phase.Agent

	if d.Category == workflow.CategoryDelegate && action.Agent() == phase.Agent {
		return d
	}
	if !phase.GatesCategory(d.Category) {
		return d
	}

	d.Allow = false
	if current.Status == workflow.StatusFailed {
		reason := current.Reason
		if reason == "" {
			reason = "no reason recorded"
		}
		d.Reason = fmt.Sprintf("phase %q failed: %s. Fix the cause, then run `forge retry` before %s actions.",
			phase.Name, reason, d.Category)
		return d
	}
	d.Reason = fmt.Sprintf("%s actions are blocked during the %q phase of the %s workflow. Delegate to %s and wait for it to report PHASE_COMPLETE: %s.",
		d.Category, phase.Name, st.Kind, phase.Agent, phase.Name)
	return d
}
