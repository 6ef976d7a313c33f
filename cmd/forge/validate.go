package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chkim-su/forge2/internal/validate"
	"github.com/chkim-su/forge2/internal/workflow"
)

// validateView is the --json rendering of a validation run.
type validateView struct {
	*validate.Report
	Fixed []string `json:"fixed,omitempty"`
}

func newValidateCmd(opts *globalOptions) *cobra.Command {
	var (
		typ    string
		strict bool
		fix    bool
	)
	cmd := &cobra.Command{
		Use:   "validate <path...>",
		Short: "Validate plugin artifacts",
		Long: `Validate plugin artifacts against the schema registry.

The artifact type is resolved from the path; --type applies to paths no
schema matches. Error-class diagnostics (E codes) make the run invalid, and
--strict treats advisories (W codes) as blocking too. --fix applies the
fixable diagnostics and validates again.

Exit status is 0 when valid and 2 when invalid.

Examples:
  forge validate skills/login-form/SKILL.md
  forge validate --strict --fix agents/*.md`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if !cmd.Flags().Changed("strict") {
					strict = a.cfg.Validation.Strict
				}
				v, err := a.validate()
				if err != nil {
					return err
				}

				paths := make([]string, 0, len(args))
				for _, arg := range args {
					p, err := a.artifactPath(arg)
					if err != nil {
						return err
					}
					paths = append(paths, p)
				}
				callOpts := []validate.CallOption{validate.WithBaseDir(a.project.Root)}
				if typ != "" {
					if _, err := v.Registry().Get(typ); err != nil {
						return fmt.Errorf("%w: %w", workflow.ErrInvalidInput, err)
					}
					callOpts = append(callOpts, validate.WithDefaultType(typ))
				}

				report, err := v.ValidateFiles(ctx, paths, strict, callOpts...)
				if err != nil {
					return err
				}
				var fixed []string
				if fix && len(report.Diagnostics()) > 0 {
					res, err := v.Fix(ctx, report.Diagnostics(), callOpts...)
					if err != nil {
						return err
					}
					fixed = res.Applied
					if len(fixed) > 0 {
						report, err = v.ValidateFiles(ctx, paths, strict, callOpts...)
						if err != nil {
							return err
						}
					}
				}

				if opts.json {
					if err := writeJSON(opts.stdout, validateView{Report: report, Fixed: fixed}); err != nil {
						return err
					}
				} else {
					for _, f := range fixed {
						fmt.Fprintf(opts.stdout, "fixed: %s\n", f)
					}
					renderReport(opts.stdout, report)
				}
				if !report.Result.Valid {
					return &exitError{code: exitDeny}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "artifact type for paths no schema glob matches")
	cmd.Flags().BoolVar(&strict, "strict", false, "treat advisories as blocking (default: validation.strict)")
	cmd.Flags().BoolVar(&fix, "fix", false, "apply fixable diagnostics, then validate again")
	return cmd
}
