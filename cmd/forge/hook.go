package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chkim-su/forge2/internal/hooks"
	"github.com/chkim-su/forge2/internal/router"
)

func newHookCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hook <category>",
		Short: "Handle a host lifecycle event",
		Long: `Handle one host lifecycle event. The host writes the event payload as
JSON on stdin.

Categories: session-start, user-input, pre-action, post-action,
session-end. Host event names (PreToolUse, Stop, ...) are accepted too.

Exit status is 0 to allow and 2 to deny, with the reason on stderr. A
failure while handling a pre-action or session-end event denies.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := hooks.ParseCategory(args[0])
			if err != nil {
				return err
			}
			resp := runHook(cmd.Context(), opts, c)
			if opts.json {
				if err := writeJSON(opts.stdout, resp); err != nil {
					return err
				}
				if resp.Deny {
					fmt.Fprintln(opts.stderr, resp.Reason)
				}
			} else if err := resp.Write(c, opts.stdout, opts.stderr); err != nil {
				return err
			}
			if code := resp.ExitCode(); code != exitOK {
				return &exitError{code: code}
			}
			return nil
		},
	}
	cmd.AddCommand(newHookInstallCmd(opts))
	return cmd
}

// runHook handles one event. Every failure is folded into the response so
// the host always receives a verdict.
func runHook(ctx context.Context, opts *globalOptions, c hooks.Category) *hooks.Response {
	if ctx == nil {
		ctx = context.Background()
	}
	p, err := hooks.ParsePayload(opts.stdin)
	if err != nil {
		return hooks.Fault(c, err)
	}
	if opts.dir == "" && p.Cwd != "" {
		opts.dir = p.Cwd
	}

	var resp *hooks.Response
	err = withApp(ctxCommand{ctx}, opts, func(ctx context.Context, a *app) error {
		if p.SessionID == "" {
			p.SessionID = a.session()
		} else if c == hooks.SessionStart {
			if err := a.rememberSession(p.SessionID); err != nil {
				a.logger.Warn(ctx, "failed to record host session", zap.Error(err))
			}
		}

		m := hooks.NewManager(&hooks.Config{
			Timeout:       a.cfg.Gate.Timeout.Duration(),
			Guidance:      true,
			FinishOnAllow: true,
		}, hooks.WithLogger(a.logger))

		deps := hooks.Deps{
			Open: func(id string) (hooks.Store, error) {
				return a.openStore(id)
			},
			Gate:          a.gate(),
			RouterOptions: []router.Option{router.WithLogger(a.logger)},
		}
		// Only the exit gate needs the validator and its secret rules.
		if c == hooks.SessionEnd {
			eg, err := a.exitGate()
			if err != nil {
				return err
			}
			deps.ExitGate = eg
		}
		hooks.Register(m, deps)

		resp, err = m.Execute(ctx, c, p)
		return err
	})
	if err != nil {
		return hooks.Fault(c, err)
	}
	return resp
}

// ctxCommand adapts a bare context to withApp.
type ctxCommand struct{ ctx context.Context }

func (c ctxCommand) Context() context.Context { return c.ctx }

func newHookInstallCmd(opts *globalOptions) *cobra.Command {
	var (
		file    string
		command string
	)
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Register forge in a host hooks file",
		Long: `Register "forge hook <category>" for every host event in a hooks file,
replacing earlier forge entries and keeping everything else.

Examples:
  forge hook install
  forge hook install --file .claude/settings.json --command /usr/local/bin/forge`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				path := a.project.Resolve(file)
				if command == "" {
					exe, err := os.Executable()
					if err != nil || filepath.Base(exe) != "forge" {
						exe = "forge"
					}
					command = exe
				}
				s, err := hooks.LoadSettings(path)
				if err != nil {
					return err
				}
				changed := s.Install(command, a.cfg.Gate.Timeout.Duration())
				if changed {
					if err := s.Save(path); err != nil {
						return err
					}
				}
				if opts.json {
					return writeJSON(opts.stdout, map[string]any{"file": path, "changed": changed})
				}
				if changed {
					fmt.Fprintf(opts.stdout, "installed forge hooks in %s\n", path)
				} else {
					fmt.Fprintf(opts.stdout, "forge hooks already installed in %s\n", path)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "hooks/hooks.json", "hooks file, relative to the project root")
	cmd.Flags().StringVar(&command, "command", "", "forge command to register (default: this executable)")
	return cmd
}
