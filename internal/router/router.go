// Package router turns completion signals in delegated agent output into
// phase transitions.
//
// A signal is a line of the form
//
//	PHASE_COMPLETE: <phase> <verdict>
//
// emitted by the phase's required agent. Anything else leaves state alone.
package router

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/chkim-su/forge2/internal/gate"
	"github.com/chkim-su/forge2/internal/logging"
	"github.com/chkim-su/forge2/internal/workflow"
)

// Outcome classifies what an observed action did to the workflow.
type Outcome string

const (
	Ignored   Outcome = "ignored"
	Malformed Outcome = "malformed"
	Advanced  Outcome = "advanced"
	Completed Outcome = "completed"
	Failed    Outcome = "failed"
	Duplicate Outcome = "duplicate"
)

var passVerdicts = map[string]bool{
	"pass": true, "passed": true, "success": true, "successful": true,
	"complete": true, "completed": true, "valid": true, "validated": true, "ok": true,
}

var failVerdicts = map[string]bool{"fail": true, "failed": true}

// claimLine matches a completion marker, tolerating markdown emphasis
// around it.
var claimLine = regexp.MustCompile("(?i)^[\\s>*_`#-]*PHASE_COMPLETE[*_`]*\\s*:?(.*)$")

// Store is the subset of the workflow store the router uses.
type Store interface {
	Get(ctx context.Context) (*workflow.State, error)
	AdvanceFrom(ctx context.Context, phase string) (*workflow.State, error)
	FailPhase(ctx context.Context, reason string) (*workflow.State, error)
}

// ActionResult is a completed action as reported by the host.
type ActionResult struct {
	Tool   string
	Input  map[string]any
	Output string
}

// Observation describes what the router did with one action result.
type Observation struct {
	Outcome Outcome         `json:"outcome"`
	Phase   string          `json:"phase,omitempty"`
	Verdict string          `json:"verdict,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	State   *workflow.State `json:"-"`
}

// Claim is a parsed completion signal.
type Claim struct {
	Phase   string
	Verdict string
	Detail  string
}

// Router applies completion signals to the store.
type Router struct {
	store   Store
	metrics *Metrics
	logger  *logging.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithMetrics overrides the process-wide metrics.
func WithMetrics(m *Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// New creates a router over store.
func New(store Store, opts ...Option) *Router {
	r := &Router{store: store, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = NewMetrics()
	}
	r.logger = r.logger.Named("router")
	return r
}

// Observe inspects a completed action. Only delegate actions carrying a
// claim line can change state; a claim that cannot be applied is reported
// as Malformed and changes nothing. Store faults are returned as errors.
func (r *Router) Observe(ctx context.Context, res ActionResult) (Observation, error) {
	obs, err := r.observe(ctx, res)
	if err != nil {
		return obs, err
	}
	r.metrics.Outcomes.WithLabelValues(string(obs.Outcome)).Inc()

	fields := []zap.Field{zap.String("outcome", string(obs.Outcome))}
	if obs.Phase != "" {
		fields = append(fields, zap.String("claimed_phase", obs.Phase))
	}
	if obs.Outcome == Malformed {
		r.logger.Warn(ctx, "completion signal rejected", append(fields, zap.String("reason", obs.Reason))...)
	} else if obs.Outcome != Ignored {
		r.logger.Info(ctx, "completion signal applied", fields...)
	}
	return obs, nil
}

func (r *Router) observe(ctx context.Context, res ActionResult) (Observation, error) {
	action := gate.Action{Tool: res.Tool, Input: res.Input}
	if action.Category() != workflow.CategoryDelegate {
		return Observation{Outcome: Ignored}, nil
	}

	st, err := r.store.Get(ctx)
	if err != nil {
		if errors.Is(err, workflow.ErrNoWorkflow) {
			return Observation{Outcome: Ignored}, nil
		}
		return Observation{}, err
	}

	claim, found, perr := ParseClaim(res.Output)
	if !found {
		return Observation{Outcome: Ignored, State: st}, nil
	}
	if perr != nil {
		return malformed(st, claim, perr.Error()), nil
	}

	def, ok := st.Definition()
	if !ok {
		return malformed(st, claim, fmt.Sprintf("unknown workflow kind %q", st.Kind)), nil
	}
	phaseDef, ok := def.Phase(claim.Phase)
	if !ok {
		return malformed(st, claim, fmt.Sprintf("phase %q is not part of the %s workflow", claim.Phase, st.Kind)), nil
	}
	if status, _ := st.PhaseStatus(claim.Phase); status == workflow.StatusCompleted {
		return Observation{Outcome: Duplicate, Phase: claim.Phase, Verdict: claim.Verdict, State: st}, nil
	}

	current, ok := st.CurrentPhase()
	if !ok {
		return Observation{Outcome: Duplicate, Phase: claim.Phase, Verdict: claim.Verdict, State: st}, nil
	}
	if current.Name != claim.Phase {
		return malformed(st, claim, fmt.Sprintf("claim for %q but the current phase is %q", claim.Phase, current.Name)), nil
	}
	if agent := action.Agent(); agent != phaseDef.Agent {
		return malformed(st, claim, fmt.Sprintf("phase %q must be completed by %s, not %s", claim.Phase, phaseDef.Agent, agent)), nil
	}

	switch {
	case passVerdicts[claim.Verdict]:
		if current.Status == workflow.StatusFailed {
			return malformed(st, claim, fmt.Sprintf("phase %q is failed; run `forge retry` before completing it", claim.Phase)), nil
		}
		next, err := r.store.AdvanceFrom(ctx, claim.Phase)
		if err != nil {
			if errors.Is(err, workflow.ErrStalePhase) || errors.Is(err, workflow.ErrNoActivePhase) {
				return Observation{Outcome: Duplicate, Phase: claim.Phase, Verdict: claim.Verdict, State: st}, nil
			}
			return Observation{}, err
		}
		outcome := Advanced
		if next.Complete() {
			outcome = Completed
		}
		return Observation{Outcome: outcome, Phase: claim.Phase, Verdict: claim.Verdict, State: next}, nil

	case failVerdicts[claim.Verdict]:
		reason := claim.Detail
		if reason == "" {
			reason = fmt.Sprintf("%s reported failure", phaseDef.Agent)
		}
		next, err := r.store.FailPhase(ctx, reason)
		if err != nil {
			if errors.Is(err, workflow.ErrNoActivePhase) {
				return Observation{Outcome: Duplicate, Phase: claim.Phase, Verdict: claim.Verdict, State: st}, nil
			}
			return Observation{}, err
		}
		return Observation{Outcome: Failed, Phase: claim.Phase, Verdict: claim.Verdict, Reason: reason, State: next}, nil
	}

	return malformed(st, claim, fmt.Sprintf("unknown verdict %q", claim.Verdict)), nil
}

func malformed(st *workflow.State, c Claim, reason string) Observation {
	return Observation{Outcome: Malformed, Phase: c.Phase, Verdict: c.Verdict, Reason: reason, State: st}
}

// ParseClaim finds the last completion marker in output. found reports
// whether a marker was present at all; err is set when it was present
// but did not name both a phase and a verdict.
func ParseClaim(output string) (claim Claim, found bool, err error) {
	var rest string
	for _, line := range strings.Split(output, "\n") {
		if m := claimLine.FindStringSubmatch(strings.TrimRight(line, "\r")); m != nil {
			found = true
			rest = m[1]
		}
	}
	if !found {
		return Claim{}, false, nil
	}

	fields := strings.Fields(strings.Trim(rest, " \t*_`"))
	if len(fields) < 2 {
		return Claim{}, true, errors.New("completion signal must name a phase and a verdict")
	}
	claim = Claim{
		Phase:   strings.Trim(fields[0], "*_`\"'"),
		Verdict: strings.ToLower(strings.Trim(fields[1], "*_`\"'.,;:!()[]")),
	}
	if len(fields) > 2 {
		claim.Detail = strings.Trim(strings.Join(fields[2:], " "), " -:")
	}
	if claim.Phase == "" || claim.Verdict == "" {
		return claim, true, errors.New("completion signal must name a phase and a verdict")
	}
	return claim, true, nil
}
