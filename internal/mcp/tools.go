package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/chkim-su/forge2/internal/archive"
	"github.com/chkim-su/forge2/internal/gate"
	"github.com/chkim-su/forge2/internal/validate"
	"github.com/chkim-su/forge2/internal/workflow"
)

// No tool moves a phase. Phases advance on completion signals seen by the
// router, or on the user's own CLI commands.

// ===== OUTPUT TYPES =====

type stateOutput struct {
	Active         bool              `json:"active" jsonschema:"Whether the session has a live workflow"`
	SessionID      string            `json:"session_id" jsonschema:"Session the state belongs to"`
	WorkflowID     string            `json:"workflow_id,omitempty" jsonschema:"Workflow identifier"`
	Kind           string            `json:"workflow_kind,omitempty" jsonschema:"Workflow kind"`
	CurrentPhase   string            `json:"current_phase,omitempty" jsonschema:"First phase that is not completed"`
	RequiredAgent  string            `json:"required_agent,omitempty" jsonschema:"Agent that must complete the current phase"`
	Phases         []workflow.Phase  `json:"phases,omitempty" jsonschema:"Ordered phases with status"`
	Context        map[string]string `json:"context,omitempty" jsonschema:"Recorded decisions"`
	GeneratedFiles []string          `json:"generated_files,omitempty" jsonschema:"Recorded artifact paths"`
	Complete       bool              `json:"complete" jsonschema:"Whether every phase is completed"`
	Revision       int64             `json:"revision,omitempty" jsonschema:"Record revision"`
}

func newStateOutput(sessionID string, st *workflow.State) stateOutput {
	out := stateOutput{SessionID: sessionID}
	if st == nil {
		return out
	}
	out.Active = true
	out.WorkflowID = st.ID
	out.Kind = string(st.Kind)
	out.Phases = st.Phases
	out.Context = st.Context
	out.GeneratedFiles = st.GeneratedFiles
	out.Complete = st.Complete()
	out.Revision = st.Revision
	if cur, ok := st.CurrentPhase(); ok {
		out.CurrentPhase = cur.Name
		if def, ok := st.Definition(); ok {
			if pd, ok := def.Phase(cur.Name); ok {
				out.RequiredAgent = pd.Agent
			}
		}
	}
	return out
}

func (o stateOutput) summary() string {
	if !o.Active {
		return fmt.Sprintf("No active workflow in session %s", o.SessionID)
	}
	if o.Complete {
		return fmt.Sprintf("%s workflow %s complete (%d file(s) recorded)", o.Kind, o.WorkflowID, len(o.GeneratedFiles))
	}
	return fmt.Sprintf("%s workflow %s: phase %s, required agent %s", o.Kind, o.WorkflowID, o.CurrentPhase, o.RequiredAgent)
}

// ===== WORKFLOW TOOLS =====

type workflowInitInput struct {
	SessionID string            `json:"session_id,omitempty" jsonschema:"Host session id (defaults to the server session)"`
	Kind      string            `json:"kind" jsonschema:"required,Workflow kind: creation, verification or refactor"`
	Request   string            `json:"request,omitempty" jsonschema:"Original user request, stored as context key request"`
	Context   map[string]string `json:"context,omitempty" jsonschema:"Initial context decisions"`
}

type workflowStatusInput struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"Host session id (defaults to the server session)"`
}

type workflowSetContextInput struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"Host session id (defaults to the server session)"`
	Key       string `json:"key" jsonschema:"required,Context key, e.g. component_type"`
	Value     string `json:"value" jsonschema:"required,Context value"`
}

type workflowAddFileInput struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"Host session id (defaults to the server session)"`
	Path      string `json:"path" jsonschema:"required,Generated artifact path"`
}

type historyInput struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"Only workflows of this session"`
	Kind      string `json:"kind,omitempty" jsonschema:"Only workflows of this kind"`
	Outcome   string `json:"outcome,omitempty" jsonschema:"Only workflows archived with this outcome (finish or reset)"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Maximum records (default: 20)"`
}

type historyEntry struct {
	WorkflowID     string   `json:"workflow_id"`
	SessionID      string   `json:"session_id"`
	Kind           string   `json:"workflow_kind"`
	Outcome        string   `json:"outcome"`
	Complete       bool     `json:"complete"`
	GeneratedFiles []string `json:"generated_files,omitempty"`
	CreatedAt      string   `json:"created_at"`
	ArchivedAt     string   `json:"archived_at"`
}

type historyOutput struct {
	Records []historyEntry `json:"records,omitempty" jsonschema:"Archived workflows, newest first"`
	Count   int            `json:"count" jsonschema:"Number of records returned"`
}

// ===== VALIDATION TOOLS =====

type validateInput struct {
	Paths  []string `json:"paths" jsonschema:"required,Artifact paths to validate"`
	Strict bool     `json:"strict,omitempty" jsonschema:"Treat advisories as blocking"`
	Type   string   `json:"type,omitempty" jsonschema:"Component type for paths no schema glob matches"`
	Fix    bool     `json:"fix,omitempty" jsonschema:"Apply mechanical fixes, then validate again"`
}

type validateOutput struct {
	Valid       bool                  `json:"valid" jsonschema:"Verdict over all diagnostics"`
	Strict      bool                  `json:"strict" jsonschema:"Whether advisories counted as blocking"`
	Errors      int                   `json:"errors" jsonschema:"Error-class diagnostics"`
	Warnings    int                   `json:"warnings" jsonschema:"Advisory diagnostics"`
	Diagnostics []validate.Diagnostic `json:"diagnostics,omitempty" jsonschema:"Findings in file order"`
	Skipped     []string              `json:"skipped,omitempty" jsonschema:"Paths whose type could not be resolved"`
	Fixed       []string              `json:"fixed,omitempty" jsonschema:"Fixes applied when fix was requested"`
}

// ===== GATE TOOLS =====

type actionCheckInput struct {
	SessionID    string `json:"session_id,omitempty" jsonschema:"Host session id (defaults to the server session)"`
	Tool         string `json:"tool" jsonschema:"required,Host tool name, e.g. Write or Task"`
	SubagentType string `json:"subagent_type,omitempty" jsonschema:"Delegated agent for Task actions"`
}

// ===== DISCOVERY TOOLS =====

type toolSearchInput struct {
	Query    string `json:"query" jsonschema:"required,Search query or regular expression over tool names, descriptions and keywords"`
	Category string `json:"category,omitempty" jsonschema:"Filter to one category (workflow, validation, gate, history, search)"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum results (default: 5)"`
}

type toolSearchOutput struct {
	Query   string          `json:"query"`
	Results []*SearchResult `json:"results,omitempty"`
	Count   int             `json:"count"`
	Total   int             `json:"total_tools"`
}

var toolCatalog = []*ToolMetadata{
	{Name: "workflow_init", Category: CategoryWorkflow, Description: "Start a phase-gated workflow for the session.", Keywords: []string{"start", "begin", "create"}},
	{Name: "workflow_status", Category: CategoryWorkflow, Description: "Show the session's workflow phases, context and recorded files.", Keywords: []string{"state", "phase", "progress"}},
	{Name: "workflow_set_context", Category: CategoryWorkflow, Description: "Record a decision in the workflow context.", Keywords: []string{"decision", "component_type", "component_name"}},
	{Name: "workflow_add_file", Category: CategoryWorkflow, Description: "Record a generated artifact path.", Keywords: []string{"artifact", "generated", "file"}},
	{Name: "workflow_history", Category: CategoryHistory, Description: "List archived workflows.", Keywords: []string{"archive", "finished", "past"}},
	{Name: "artifact_validate", Category: CategoryValidation, Description: "Validate plugin artifacts against the schema registry, optionally fixing what can be fixed.", Keywords: []string{"lint", "schema", "fix", "diagnostics"}},
	{Name: "action_check", Category: CategoryGate, Description: "Preview whether the gate would allow an action in the current phase.", Keywords: []string{"gate", "allowed", "blocked"}},
	{Name: "tool_search", Category: CategorySearch, Description: "Search the forge tools by name, description or keyword.", Keywords: []string{"discover", "find"}},
}

func (s *Server) registerTools() error {
	for _, t := range toolCatalog {
		if err := s.registry.Register(t); err != nil {
			return err
		}
	}

	addTool(s, "workflow_init", s.workflowInit)
	addTool(s, "workflow_status", s.workflowStatus)
	addTool(s, "workflow_set_context", s.workflowSetContext)
	addTool(s, "workflow_add_file", s.workflowAddFile)
	addTool(s, "workflow_history", s.workflowHistory)
	addTool(s, "artifact_validate", s.artifactValidate)
	addTool(s, "action_check", s.actionCheck)
	addTool(s, "tool_search", s.toolSearch)
	return nil
}

// addTool registers handler under the catalog entry for name and wraps it
// with metrics and logging.
func addTool[In, Out any](s *Server, name string, handler func(ctx context.Context, args In) (*mcp.CallToolResult, Out, error)) {
	meta, _ := s.registry.Get(name)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        meta.Name,
		Description: meta.Description,
	}, func(ctx context.Context, req *mcp.CallToolRequest, args In) (*mcp.CallToolResult, Out, error) {
		done := s.metrics.start(ctx, name)
		res, out, err := handler(ctx, args)
		done(err)
		if err != nil {
			s.logger.Warn(ctx, "tool failed", zap.String("tool", name), zap.Error(err))
			var zero Out
			return nil, zero, err
		}
		return res, out, nil
	})
}

func (s *Server) workflowInit(ctx context.Context, args workflowInitInput) (*mcp.CallToolResult, stateOutput, error) {
	kind, ok := workflow.ParseKind(args.Kind)
	if !ok {
		return nil, stateOutput{}, fmt.Errorf("%w: unknown workflow kind %q", errInvalidArgument, args.Kind)
	}
	store, session, err := s.open(args.SessionID)
	if err != nil {
		return nil, stateOutput{}, err
	}

	initial := make(map[string]string, len(args.Context)+1)
	for k, v := range args.Context {
		initial[k] = v
	}
	if args.Request != "" {
		initial["request"] = args.Request
	}
	st, err := store.Init(ctx, kind, initial)
	if err != nil {
		return nil, stateOutput{}, err
	}
	out := newStateOutput(session, st)
	return s.text("Started " + out.summary()), out, nil
}

func (s *Server) workflowStatus(ctx context.Context, args workflowStatusInput) (*mcp.CallToolResult, stateOutput, error) {
	store, session, err := s.open(args.SessionID)
	if err != nil {
		return nil, stateOutput{}, err
	}
	st, err := store.Get(ctx)
	if err != nil && !errors.Is(err, workflow.ErrNoWorkflow) {
		return nil, stateOutput{}, err
	}
	out := newStateOutput(session, st)
	return s.text(out.summary()), out, nil
}

func (s *Server) workflowSetContext(ctx context.Context, args workflowSetContextInput) (*mcp.CallToolResult, stateOutput, error) {
	store, session, err := s.open(args.SessionID)
	if err != nil {
		return nil, stateOutput{}, err
	}
	st, err := store.SetContext(ctx, args.Key, args.Value)
	if err != nil {
		return nil, stateOutput{}, err
	}
	return s.text(fmt.Sprintf("Recorded %s=%s", args.Key, args.Value)), newStateOutput(session, st), nil
}

func (s *Server) workflowAddFile(ctx context.Context, args workflowAddFileInput) (*mcp.CallToolResult, stateOutput, error) {
	store, session, err := s.open(args.SessionID)
	if err != nil {
		return nil, stateOutput{}, err
	}
	st, err := store.AppendFile(ctx, args.Path)
	if err != nil {
		return nil, stateOutput{}, err
	}
	return s.text(fmt.Sprintf("Recorded %s (%d file(s))", args.Path, len(st.GeneratedFiles))), newStateOutput(session, st), nil
}

func (s *Server) workflowHistory(ctx context.Context, args historyInput) (*mcp.CallToolResult, historyOutput, error) {
	if s.deps.History == nil {
		return nil, historyOutput{}, fmt.Errorf("%w: history archive is not configured", errInvalidArgument)
	}
	f := archive.Filter{SessionID: args.SessionID, Outcome: args.Outcome, Limit: args.Limit}
	if args.Kind != "" {
		kind, ok := workflow.ParseKind(args.Kind)
		if !ok {
			return nil, historyOutput{}, fmt.Errorf("%w: unknown workflow kind %q", errInvalidArgument, args.Kind)
		}
		f.Kind = kind
	}
	if f.Limit <= 0 {
		f.Limit = 20
	}

	records, err := s.deps.History.List(ctx, f)
	if err != nil {
		return nil, historyOutput{}, err
	}
	out := historyOutput{Count: len(records)}
	for _, r := range records {
		out.Records = append(out.Records, historyEntry{
			WorkflowID:     r.WorkflowID,
			SessionID:      r.SessionID,
			Kind:           string(r.Kind),
			Outcome:        r.Outcome,
			Complete:       r.Complete,
			GeneratedFiles: r.GeneratedFiles,
			CreatedAt:      r.CreatedAt.Format(time.RFC3339),
			ArchivedAt:     r.ArchivedAt.Format(time.RFC3339),
		})
	}
	return s.text(fmt.Sprintf("Found %d archived workflow(s)", out.Count)), out, nil
}

func (s *Server) artifactValidate(ctx context.Context, args validateInput) (*mcp.CallToolResult, validateOutput, error) {
	if len(args.Paths) == 0 {
		return nil, validateOutput{}, fmt.Errorf("%w: at least one path is required", errInvalidArgument)
	}
	var opts []validate.CallOption
	if args.Type != "" {
		if _, err := s.deps.Validator.Registry().Get(args.Type); err != nil {
			return nil, validateOutput{}, err
		}
		opts = append(opts, validate.WithDefaultType(args.Type))
	}
	if s.deps.BaseDir != "" {
		opts = append(opts, validate.WithBaseDir(s.deps.BaseDir))
	}

	report, err := s.deps.Validator.ValidateFiles(ctx, args.Paths, args.Strict, opts...)
	if err != nil {
		return nil, validateOutput{}, err
	}

	var fixed []string
	if args.Fix {
		res, err := s.deps.Validator.Fix(ctx, report.Diagnostics(), opts...)
		if err != nil {
			return nil, validateOutput{}, err
		}
		fixed = res.Applied
		if len(fixed) > 0 {
			if report, err = s.deps.Validator.ValidateFiles(ctx, args.Paths, args.Strict, opts...); err != nil {
				return nil, validateOutput{}, err
			}
		}
	}

	diags := report.Diagnostics()
	errs, warnings := validate.Count(diags)
	out := validateOutput{
		Valid:       report.Result.Valid,
		Strict:      args.Strict,
		Errors:      errs,
		Warnings:    warnings,
		Diagnostics: diags,
		Skipped:     report.Skipped,
		Fixed:       fixed,
	}

	var b strings.Builder
	verdict := "valid"
	if !out.Valid {
		verdict = "invalid"
	}
	fmt.Fprintf(&b, "%d file(s) %s: %d error(s), %d warning(s)", len(report.Files), verdict, errs, warnings)
	if len(fixed) > 0 {
		fmt.Fprintf(&b, ", %d fix(es) applied", len(fixed))
	}
	for _, d := range diags {
		fmt.Fprintf(&b, "\n%s %s: %s", d.Code, d.Target, d.Message)
	}
	return s.text(b.String()), out, nil
}

func (s *Server) actionCheck(ctx context.Context, args actionCheckInput) (*mcp.CallToolResult, gate.Decision, error) {
	if args.Tool == "" {
		return nil, gate.Decision{}, fmt.Errorf("%w: tool is required", errInvalidArgument)
	}
	store, _, err := s.open(args.SessionID)
	if err != nil {
		return nil, gate.Decision{}, err
	}
	st, err := store.Get(ctx)
	if err != nil && !errors.Is(err, workflow.ErrNoWorkflow) {
		return nil, gate.Decision{}, err
	}

	action := gate.Action{Tool: args.Tool}
	if args.SubagentType != "" {
		action.Input = map[string]any{"subagent_type": args.SubagentType}
	}
	d := s.deps.Gate.Check(ctx, action, st)
	msg := fmt.Sprintf("%s allowed", args.Tool)
	if !d.Allow {
		msg = fmt.Sprintf("%s denied: %s", args.Tool, d.Reason)
	}
	return s.text(msg), d, nil
}

func (s *Server) toolSearch(ctx context.Context, args toolSearchInput) (*mcp.CallToolResult, toolSearchOutput, error) {
	if args.Query == "" {
		return nil, toolSearchOutput{}, fmt.Errorf("%w: query is required", errInvalidArgument)
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 5
	}

	var results []*SearchResult
	if args.Category != "" {
		results = s.registry.SearchByCategory(args.Query, ToolCategory(args.Category))
	} else {
		results = s.registry.Search(args.Query)
	}
	if len(results) > limit {
		results = results[:limit]
	}

	names := make([]string, 0, len(results))
	for _, r := range results {
		names = append(names, r.Tool.Name)
	}
	msg := fmt.Sprintf("No tools found matching: %s", args.Query)
	if len(names) > 0 {
		msg = fmt.Sprintf("Found %d tool(s) for query '%s': %s", len(names), args.Query, strings.Join(names, ", "))
	}
	return s.text(msg), toolSearchOutput{
		Query:   args.Query,
		Results: results,
		Count:   len(results),
		Total:   s.registry.Count(),
	}, nil
}
