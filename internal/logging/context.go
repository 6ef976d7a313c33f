package logging

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if sessionID := SessionIDFromContext(ctx); sessionID != "" {
		fields = append(fields, zap.String("session.id", sessionID))
	}

	if wf := WorkflowFromContext(ctx); wf != nil {
		fields = append(fields, zap.String("workflow.id", wf.ID))
		if wf.Phase != "" {
			fields = append(fields, zap.String("workflow.phase", wf.Phase))
		}
	}

	if event := EventFromContext(ctx); event != "" {
		fields = append(fields, zap.String("event", event))
	}

	return fields
}

type sessionCtxKey struct{}
type workflowCtxKey struct{}
type eventCtxKey struct{}
type loggerCtxKey struct{}

// WorkflowRef identifies the workflow and phase a unit of work acts on.
type WorkflowRef struct {
	ID    string
	Phase string
}

const maxIDLen = 128

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateID checks a session or workflow identifier.
func ValidateID(id, name string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%s contains invalid UTF-8", name)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (must be alphanumeric, hyphen, underscore)", name)
	}
	return nil
}

// SessionIDFromContext extracts session ID from context.
func SessionIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(sessionCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithSessionID adds session ID to context.
// Invalid identifiers are dropped rather than logged.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if ValidateID(sessionID, "sessionID") != nil {
		return ctx
	}
	return context.WithValue(ctx, sessionCtxKey{}, sessionID)
}

// WorkflowFromContext extracts the workflow reference from context.
func WorkflowFromContext(ctx context.Context) *WorkflowRef {
	if w, ok := ctx.Value(workflowCtxKey{}).(*WorkflowRef); ok {
		return w
	}
	return nil
}

// WithWorkflow adds the workflow id and current phase to context.
func WithWorkflow(ctx context.Context, id, phase string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, workflowCtxKey{}, &WorkflowRef{ID: id, Phase: phase})
}

// EventFromContext extracts the host event category from context.
func EventFromContext(ctx context.Context) string {
	if e, ok := ctx.Value(eventCtxKey{}).(string); ok {
		return e
	}
	return ""
}

// WithEvent adds the host event category to context.
func WithEvent(ctx context.Context, event string) context.Context {
	return context.WithValue(ctx, eventCtxKey{}, event)
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
