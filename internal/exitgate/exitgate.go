// Package exitgate decides whether a session may terminate.
//
// A session with no live workflow always may. Otherwise every phase must be
// completed, and when the kind ends in a verification phase every recorded
// artifact must pass a strict validation run. A recorded file whose type
// resolves neither from its path nor from the workflow's artifact_type
// context blocks the exit.
package exitgate

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/chkim-su/forge2/internal/logging"
	"github.com/chkim-su/forge2/internal/validate"
	"github.com/chkim-su/forge2/internal/workflow"
)

// ArtifactTypeKey is the workflow context key naming the artifact type of
// recorded files that no schema path glob matches.
const ArtifactTypeKey = "artifact_type"

// Validator is the subset of the schema validator the exit gate uses.
type Validator interface {
	ValidateFiles(ctx context.Context, paths []string, strict bool, opts ...validate.CallOption) (*validate.Report, error)
}

// Decision is the exit gate's verdict.
type Decision struct {
	Allow       bool                  `json:"allow"`
	Reason      string                `json:"reason,omitempty"`
	Outstanding []string              `json:"outstanding,omitempty"`
	Diagnostics []validate.Diagnostic `json:"diagnostics,omitempty"`
	// Skipped lists recorded files whose type could not be resolved. Any
	// entry denies the exit.
	Skipped []string `json:"skipped,omitempty"`
}

// Gate evaluates termination requests.
type Gate struct {
	validator Validator
	baseDir   string
	logger    *logging.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithBaseDir resolves relative generated file paths against dir.
func WithBaseDir(dir string) Option {
	return func(g *Gate) { g.baseDir = dir }
}

// New creates an exit gate backed by v.
func New(v Validator, opts ...Option) *Gate {
	g := &Gate{validator: v, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.Named("exitgate")
	return g
}

// OnTerminate evaluates st, which is nil when no workflow is live. It never
// changes state and never regresses a phase; a denied session stays where
// it is until the blocking diagnostics are fixed. Validation faults are
// returned as errors and must be treated as a denial by the caller.
func (g *Gate) OnTerminate(ctx context.Context, st *workflow.State) (Decision, error) {
	if st == nil {
		return Decision{Allow: true}, nil
	}
	ctx = logging.WithWorkflow(ctx, st.ID, "")

	if outstanding := st.Outstanding(); len(outstanding) > 0 {
		d := Decision{
			Outstanding: outstanding,
			Reason: fmt.Sprintf("%s workflow is not complete; outstanding phases: %s",
				st.Kind, strings.Join(outstanding, ", ")),
		}
		g.logger.Info(ctx, "exit denied", zap.Strings("outstanding", outstanding))
		return d, nil
	}

	def, ok := st.Definition()
	if !ok {
		return Decision{}, fmt.Errorf("exit gate: %w: %q", workflow.ErrUnknownKind, st.Kind)
	}
	if !def.Last().Verification || len(st.GeneratedFiles) == 0 {
		return Decision{Allow: true}, nil
	}

	var opts []validate.CallOption
	if g.baseDir != "" {
		opts = append(opts, validate.WithBaseDir(g.baseDir))
	}
	if typ := st.Context[ArtifactTypeKey]; typ != "" {
		opts = append(opts, validate.WithDefaultType(typ))
	}
	report, err := g.validator.ValidateFiles(ctx, st.GeneratedFiles, true, opts...)
	if err != nil {
		return Decision{}, fmt.Errorf("exit gate: validate generated files: %w", err)
	}

	d := Decision{Allow: report.Result.Valid && len(report.Skipped) == 0, Skipped: report.Skipped}
	if !d.Allow {
		d.Diagnostics = report.Result.Blocking
		errs, warnings := validate.Count(d.Diagnostics)
		var reasons []string
		if !report.Result.Valid {
			reasons = append(reasons, fmt.Sprintf("strict validation of %d generated file(s) failed: %d error(s), %d warning(s)",
				len(st.GeneratedFiles), errs, warnings))
		}
		if len(report.Skipped) > 0 {
			reasons = append(reasons, fmt.Sprintf("cannot resolve artifact type for: %s (set context %s)",
				strings.Join(report.Skipped, ", "), ArtifactTypeKey))
		}
		d.Reason = strings.Join(reasons, "; ")
		g.logger.Info(ctx, "exit denied",
			zap.Int("errors", errs),
			zap.Int("warnings", warnings),
			zap.Int("unresolved", len(report.Skipped)),
		)
		return d, nil
	}
	g.logger.Debug(ctx, "exit allowed", zap.Int("files", len(st.GeneratedFiles)))
	return d, nil
}
