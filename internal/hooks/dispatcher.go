package hooks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/chkim-su/forge2/internal/exitgate"
	"github.com/chkim-su/forge2/internal/gate"
	"github.com/chkim-su/forge2/internal/router"
	"github.com/chkim-su/forge2/internal/workflow"
)

// Store is the workflow store surface the dispatcher needs.
type Store interface {
	router.Store
	Finish(ctx context.Context) (*workflow.State, error)
}

// StoreOpener opens the store of a host session.
type StoreOpener func(sessionID string) (Store, error)

// Deps are the components the built-in handlers drive.
type Deps struct {
	Open          StoreOpener
	Gate          *gate.Gate
	ExitGate      *exitgate.Gate
	RouterOptions []router.Option
}

// Register installs the built-in handlers for every category on m.
func Register(m *Manager, d Deps) {
	h := &handlers{deps: d, manager: m}
	if m.config.Guidance {
		m.RegisterHandler(SessionStart, h.guidance)
		m.RegisterHandler(UserInput, h.guidance)
	}
	m.RegisterHandler(PreAction, h.preAction)
	m.RegisterHandler(PostAction, h.postAction)
	m.RegisterHandler(SessionEnd, h.sessionEnd)
}

type handlers struct {
	deps    Deps
	manager *Manager
}

// load opens the session store and reads its state. A session with no
// workflow yields a nil state.
func (h *handlers) load(ctx context.Context, p *Payload) (Store, *workflow.State, error) {
	s, err := h.deps.Open(p.SessionID)
	if err != nil {
		return nil, nil, err
	}
	st, err := s.Get(ctx)
	if errors.Is(err, workflow.ErrNoWorkflow) {
		return s, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return s, st, nil
}

func (h *handlers) guidance(ctx context.Context, p *Payload) (*Response, error) {
	_, st, err := h.load(ctx, p)
	if err != nil || st == nil {
		return nil, err
	}
	return &Response{AdditionalContext: Guidance(st)}, nil
}

func (h *handlers) preAction(ctx context.Context, p *Payload) (*Response, error) {
	_, st, err := h.load(ctx, p)
	if err != nil {
		return nil, err
	}
	dec := h.deps.Gate.Check(ctx, gate.Action{Tool: p.ToolName, Input: p.ToolInput}, st)
	return &Response{Deny: !dec.Allow, Reason: dec.Reason, Detail: dec}, nil
}

func (h *handlers) postAction(ctx context.Context, p *Payload) (*Response, error) {
	s, err := h.deps.Open(p.SessionID)
	if err != nil {
		return nil, err
	}
	obs, err := router.New(s, h.deps.RouterOptions...).Observe(ctx, router.ActionResult{
		Tool:   p.ToolName,
		Input:  p.ToolInput,
		Output: p.ResponseText(),
	})
	if err != nil {
		return nil, err
	}
	resp := &Response{Detail: obs}
	if obs.Outcome == router.Malformed {
		resp.Notice = "forge: completion signal ignored: " + obs.Reason
	}
	return resp, nil
}

func (h *handlers) sessionEnd(ctx context.Context, p *Payload) (*Response, error) {
	s, st, err := h.load(ctx, p)
	if err != nil {
		return nil, err
	}
	dec, err := h.deps.ExitGate.OnTerminate(ctx, st)
	if err != nil {
		return nil, err
	}
	if !dec.Allow {
		return &Response{Deny: true, Reason: exitReason(dec), Detail: dec}, nil
	}

	resp := &Response{Detail: dec}
	if st != nil && st.Complete() && h.manager.config.FinishOnAllow {
		if _, err := s.Finish(ctx); err != nil {
			// The session may still end; the record stays for the next run.
			h.manager.logger.Warn(ctx, "finish failed", zap.Error(err))
			resp.Notice = fmt.Sprintf("forge: workflow could not be archived: %v", err)
		}
	}
	return resp, nil
}

func exitReason(d exitgate.Decision) string {
	var b strings.Builder
	b.WriteString("forge exit gate: ")
	b.WriteString(d.Reason)
	for _, diag := range d.Diagnostics {
		fmt.Fprintf(&b, "\n  [%s] %s: %s", diag.Code, diag.Target, diag.Message)
	}
	if len(d.Diagnostics) > 0 {
		b.WriteString("\nFix the diagnostics above (`forge validate --fix` applies safe fixes), then try again.")
	} else if len(d.Outstanding) > 0 {
		b.WriteString("\nComplete the outstanding phases or run `forge reset` to abandon the workflow.")
	}
	return b.String()
}
