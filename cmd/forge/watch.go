package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	forgehttp "github.com/chkim-su/forge2/internal/http"
	"github.com/chkim-su/forge2/internal/validate"
	"github.com/chkim-su/forge2/internal/watch"
)

func newWatchCmd(opts *globalOptions) *cobra.Command {
	var (
		addr   string
		once   bool
		noHTTP bool
		strict bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-validate artifacts as they change",
		Long: `Validate every artifact under the project root, then re-validate the
ones that change until interrupted.

Unless --no-http is given, a local HTTP server exposes the latest report,
workflow status, history and Prometheus metrics:

  GET  /health
  GET  /metrics
  GET  /api/v1/status?session=<id>
  GET  /api/v1/history
  POST /api/v1/validate
  GET  /api/v1/watch

Examples:
  forge watch
  forge watch --once --strict`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if !cmd.Flags().Changed("strict") {
					strict = a.cfg.Validation.Strict
				}
				if addr == "" {
					addr = a.cfg.Watch.Addr
				}
				v, err := a.validate()
				if err != nil {
					return err
				}

				w, err := watch.New(v, a.project.Root,
					watch.WithDebounce(a.cfg.Watch.Debounce.Duration()),
					watch.WithRateLimit(a.cfg.Watch.Burst),
					watch.WithStrict(strict),
					watch.WithLogger(a.logger),
					watch.WithReportHandler(func(r *validate.Report) {
						if !opts.json {
							renderReport(opts.stdout, r)
						}
					}),
				)
				if err != nil {
					return err
				}

				if once {
					report, err := w.Scan(ctx)
					if err != nil {
						return err
					}
					if opts.json {
						if err := writeJSON(opts.stdout, report); err != nil {
							return err
						}
					}
					if !report.Result.Valid {
						return &exitError{code: exitDeny}
					}
					return nil
				}

				if noHTTP {
					return w.Run(ctx)
				}
				srv, err := a.httpServer(addr, v, w)
				if err != nil {
					return err
				}
				return serve(ctx, a, srv, w)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default: watch.addr)")
	cmd.Flags().BoolVar(&once, "once", false, "validate once and exit")
	cmd.Flags().BoolVar(&noHTTP, "no-http", false, "do not start the HTTP server")
	cmd.Flags().BoolVar(&strict, "strict", false, "treat advisories as blocking (default: validation.strict)")
	return cmd
}

func (a *app) httpServer(addr string, v *validate.Validator, w *watch.Watcher) (*forgehttp.Server, error) {
	deps := forgehttp.Deps{
		Open: func(id string) (forgehttp.StateReader, error) {
			return a.openStore(id)
		},
		Validator:      v,
		Reports:        w,
		Gatherer:       prometheus.DefaultGatherer,
		DefaultSession: a.session(),
		Version:        version,
	}
	if a.cfg.State.Archive {
		db, err := a.archive()
		if err != nil {
			return nil, err
		}
		deps.History = db
	}
	return forgehttp.NewServer(deps, a.logger, &forgehttp.Config{Addr: addr})
}

// serve runs the watcher and the HTTP server until ctx ends or either one
// fails, then stops both.
func serve(ctx context.Context, a *app, srv *forgehttp.Server, w *watch.Watcher) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	go func() {
		err := srv.Start()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			err = fmt.Errorf("http server: %w", err)
		}
		errs <- err
	}()
	go func() {
		errs <- w.Run(ctx)
	}()

	var first error
	select {
	case <-ctx.Done():
	case first = <-errs:
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn(shutdownCtx, "http shutdown failed", zap.Error(err))
	}
	return first
}
