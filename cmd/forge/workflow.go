package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chkim-su/forge2/internal/archive"
	"github.com/chkim-su/forge2/internal/workflow"
)

// stateView is the --json rendering of a workflow record.
type stateView struct {
	SessionID string          `json:"session_id"`
	Current   string          `json:"current_phase,omitempty"`
	Complete  bool            `json:"complete"`
	State     *workflow.State `json:"state"`
}

func printState(opts *globalOptions, sessionID string, st *workflow.State) error {
	if opts.json {
		v := stateView{SessionID: sessionID, Complete: st.Complete(), State: st}
		if p, ok := st.CurrentPhase(); ok {
			v.Current = p.Name
		}
		return writeJSON(opts.stdout, v)
	}
	renderState(opts.stdout, sessionID, st)
	return nil
}

// mutateCommand runs fn against the resolved session's store and prints the
// resulting record.
func mutateCommand(opts *globalOptions, fn func(ctx context.Context, a *app, s *workflow.Store, args []string) (*workflow.State, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, opts, func(ctx context.Context, a *app) error {
			id := a.session()
			store, err := a.openStore(id)
			if err != nil {
				return err
			}
			st, err := fn(ctx, a, store, args)
			if err != nil {
				return err
			}
			return printState(opts, id, st)
		})
	}
}

func newInitCmd(opts *globalOptions) *cobra.Command {
	var pairs []string
	cmd := &cobra.Command{
		Use:   "init <kind> [request...]",
		Short: "Start a workflow",
		Long: `Start a workflow of the given kind for the session.

Kinds: creation (alias create), verification (aliases verify,
verification-only), refactor. The remaining arguments are stored as the
"request" context entry. Fails if the session already has a workflow; run
"forge reset" first to discard it.

Examples:
  forge init creation "create a login-form skill"
  forge init refactor --context target=skills/login-form`,
		Args: cobra.MinimumNArgs(1),
		RunE: mutateCommand(opts, func(ctx context.Context, a *app, s *workflow.Store, args []string) (*workflow.State, error) {
			kind, ok := workflow.ParseKind(args[0])
			if !ok {
				return nil, fmt.Errorf("%w: unknown workflow kind %q", workflow.ErrInvalidInput, args[0])
			}
			initial, err := parsePairs(pairs)
			if err != nil {
				return nil, err
			}
			if request := strings.TrimSpace(strings.Join(args[1:], " ")); request != "" {
				initial["request"] = request
			}
			return s.Init(ctx, kind, initial)
		}),
	}
	cmd.Flags().StringArrayVar(&pairs, "context", nil, "initial context entry as key=value (repeatable)")
	return cmd
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session's workflow",
		Args:  cobra.NoArgs,
		RunE: mutateCommand(opts, func(ctx context.Context, _ *app, s *workflow.Store, args []string) (*workflow.State, error) {
			return s.Get(ctx)
		}),
	}
}

func newSetContextCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set-context <key> <value...>",
		Short: "Set a workflow context entry",
		Args:  cobra.MinimumNArgs(2),
		RunE: mutateCommand(opts, func(ctx context.Context, _ *app, s *workflow.Store, args []string) (*workflow.State, error) {
			return s.SetContext(ctx, args[0], strings.Join(args[1:], " "))
		}),
	}
}

func newAdvanceCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "advance",
		Short: "Complete the current phase and start the next",
		Long: `Complete the current phase and start the next one.

Phases normally advance when the required agent reports completion. Use
this to move on by hand.`,
		Args: cobra.NoArgs,
		RunE: mutateCommand(opts, func(ctx context.Context, _ *app, s *workflow.Store, args []string) (*workflow.State, error) {
			return s.AdvancePhase(ctx)
		}),
	}
}

func newFailCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fail <reason...>",
		Short: "Mark the current phase failed",
		Args:  cobra.MinimumNArgs(1),
		RunE: mutateCommand(opts, func(ctx context.Context, _ *app, s *workflow.Store, args []string) (*workflow.State, error) {
			return s.FailPhase(ctx, strings.Join(args, " "))
		}),
	}
}

func newRetryCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Put a failed phase back in progress",
		Args:  cobra.NoArgs,
		RunE: mutateCommand(opts, func(ctx context.Context, _ *app, s *workflow.Store, args []string) (*workflow.State, error) {
			return s.RetryPhase(ctx)
		}),
	}
}

func newAddFileCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add-file <path>",
		Short: "Record a generated artifact",
		Long: `Record a generated artifact so the exit gate validates it.

Paths inside the project are stored relative to the project root.`,
		Args: cobra.ExactArgs(1),
		RunE: mutateCommand(opts, func(ctx context.Context, a *app, s *workflow.Store, args []string) (*workflow.State, error) {
			path, err := a.artifactPath(args[0])
			if err != nil {
				return nil, err
			}
			return s.AppendFile(ctx, path)
		}),
	}
}

func newResetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Discard the session's workflow",
		Long: `Discard the session's workflow. The record is archived first when
state.archive is enabled. Resetting a session without a workflow is not an
error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				id := a.session()
				store, err := a.openStore(id)
				if err != nil {
					return err
				}
				removed, err := store.Reset(ctx)
				if err != nil {
					return err
				}
				if opts.json {
					return writeJSON(opts.stdout, map[string]any{"session_id": id, "removed": removed})
				}
				if removed {
					fmt.Fprintf(opts.stdout, "workflow for session %s discarded\n", id)
				} else {
					fmt.Fprintf(opts.stdout, "no workflow for session %s\n", id)
				}
				return nil
			})
		},
	}
}

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	var (
		kind    string
		outcome string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived workflows",
		Long: `List archived workflows, newest first.

Without --session every session is listed.

Examples:
  forge history --kind creation --limit 5
  forge history --outcome finish --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				f := archive.Filter{SessionID: opts.session, Outcome: outcome, Limit: limit}
				if kind != "" {
					k, ok := workflow.ParseKind(kind)
					if !ok {
						return fmt.Errorf("%w: unknown workflow kind %q", workflow.ErrInvalidInput, kind)
					}
					f.Kind = k
				}
				db, err := a.archive()
				if err != nil {
					return err
				}
				records, err := db.List(ctx, f)
				if err != nil {
					return err
				}
				if opts.json {
					if records == nil {
						records = []*archive.Record{}
					}
					return writeJSON(opts.stdout, map[string]any{"workflows": records})
				}
				renderHistory(opts.stdout, records)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "only workflows of this kind")
	cmd.Flags().StringVar(&outcome, "outcome", "", "only workflows archived by this operation (finish or reset)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of records")
	return cmd
}

func parsePairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs)+1)
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("%w: context entry %q is not key=value", workflow.ErrInvalidInput, p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}
