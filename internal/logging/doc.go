// Package logging provides structured logging with OpenTelemetry integration.
//
// The package wraps Zap with:
//   - a custom Trace level (-2, below Debug)
//   - stderr output, optionally teed into the OpenTelemetry log bridge
//   - automatic context fields (trace_id, session.id, workflow.id, workflow.phase)
//   - key and pattern based redaction
//   - level-aware sampling (errors are never sampled)
//
// Stdout is never written: host runtimes read hook responses from it.
//
// Usage:
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, nil)
//	if err != nil {
//	    return err
//	}
//	defer func() { _ = logger.Sync() }()
//
//	ctx = logging.WithSessionID(ctx, "sess_123")
//	ctx = logging.WithWorkflow(ctx, state.ID, "semantic")
//	logger.Info(ctx, "phase advanced", zap.Int64("revision", rev))
package logging
