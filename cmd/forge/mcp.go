package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/chkim-su/forge2/internal/mcp"
)

func newMCPCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve workflow and validation tools over MCP (stdio)",
		Long: `Serve forge tools to an MCP client over stdin/stdout.

Tools read and record workflow state, validate artifacts, preview gate
decisions, and list archived workflows. No tool moves a phase: phases
advance on completion signals or through the control commands.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				v, err := a.validate()
				if err != nil {
					return err
				}

				deps := mcp.Deps{
					Open: func(id string) (mcp.Store, error) {
						return a.openStore(id)
					},
					Validator:      v,
					Gate:           a.gate(),
					DefaultSession: a.session(),
					BaseDir:        a.project.Root,
				}
				// A nil *Scanner must not become a non-nil Redactor.
				if a.scanner != nil {
					deps.Redactor = a.scanner
				}
				if a.cfg.State.Archive {
					db, err := a.archive()
					if err != nil {
						return err
					}
					deps.History = db
				}

				srv, err := mcp.NewServer(&mcp.Config{
					Name:    "forge",
					Version: version,
					Logger:  a.logger,
				}, deps)
				if err != nil {
					return err
				}
				return srv.Run(ctx)
			})
		},
	}
}
