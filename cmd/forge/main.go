// Package main implements the forge CLI: workflow control commands, the
// host hook entry point, artifact validation, and the long-running watch and
// MCP modes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chkim-su/forge2/internal/schema"
	"github.com/chkim-su/forge2/internal/workflow"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Exit codes.
const (
	exitOK    = 0
	exitFault = 1
	exitDeny  = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// exitError carries a non-zero exit status that is not a fault, such as a
// hook deny or a failed validation.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	session    string
	configPath string
	dir        string
	json       bool

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// execute runs the CLI and returns the process exit status.
func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts := &globalOptions{stdin: stdin, stdout: stdout, stderr: stderr}
	root := newRootCmd(opts)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	reportError(opts, err)
	return exitFault
}

func newRootCmd(opts *globalOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "forge",
		Short: "Phase-gated workflow orchestrator for agent plugin development",
		Long: `forge keeps a coding agent on an ordered sequence of phases.

Host hooks call "forge hook <category>" on every session event. Each action
is checked against the current phase, completion signals from delegated
agents advance the workflow, and the session cannot end until every phase is
complete and generated artifacts pass strict validation.

Examples:
  # Start a creation workflow
  forge init creation "create a login-form skill"

  # Show where the workflow stands
  forge status

  # Register forge in a plugin's hooks file
  forge hook install --file hooks/hooks.json`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.session, "session", "", "workflow session id (default: $FORGE_SESSION, then the last host session)")
	flags.StringVar(&opts.configPath, "config", "", "config file (default: .forge/config.yaml, then ~/.config/forge/config.yaml)")
	flags.StringVar(&opts.dir, "dir", "", "project directory (default: current directory)")
	flags.BoolVar(&opts.json, "json", false, "print structured JSON instead of text")

	root.AddCommand(
		newInitCmd(opts),
		newStatusCmd(opts),
		newSetContextCmd(opts),
		newAdvanceCmd(opts),
		newFailCmd(opts),
		newRetryCmd(opts),
		newAddFileCmd(opts),
		newResetCmd(opts),
		newHistoryCmd(opts),
		newValidateCmd(opts),
		newHookCmd(opts),
		newWatchCmd(opts),
		newMCPCmd(opts),
		newVersionCmd(opts),
	)
	return root
}

func newVersionCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.json {
				return writeJSON(opts.stdout, map[string]string{
					"version":    version,
					"commit":     gitCommit,
					"build_date": buildDate,
				})
			}
			fmt.Fprintf(opts.stdout, "forge %s\n", version)
			fmt.Fprintf(opts.stdout, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(opts.stdout, "Build Date: %s\n", buildDate)
			return nil
		},
	}
}

// errorBody is the --json rendering of a fault.
type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Op      string `json:"op,omitempty"`
		Message string `json:"message"`
	} `json:"error"`
}

func errorKind(err error) string {
	var we *workflow.Error
	switch {
	case errors.As(err, &we):
		return string(we.Kind)
	case errors.Is(err, schema.ErrUnknownType):
		return string(workflow.KindUnknownType)
	case errors.Is(err, workflow.ErrInvalidInput):
		return string(workflow.KindInvalidInput)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return string(workflow.KindCanceled)
	default:
		return "Internal"
	}
}

func reportError(opts *globalOptions, err error) {
	if opts.json {
		var body errorBody
		body.Error.Kind = errorKind(err)
		body.Error.Message = err.Error()
		var we *workflow.Error
		if errors.As(err, &we) {
			body.Error.Op = we.Op
		}
		_ = writeJSON(opts.stdout, body)
		return
	}
	fmt.Fprintf(opts.stderr, "forge: %v\n", err)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
