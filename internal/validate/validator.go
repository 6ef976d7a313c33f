// Package validate checks generated plugin components against the schema
// registry and repairs the mechanically fixable findings.
package validate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/chkim-su/forge2/internal/logging"
	"github.com/chkim-su/forge2/internal/schema"
	"github.com/chkim-su/forge2/internal/secrets"
)

const instrumentationName = "github.com/chkim-su/forge2/internal/validate"

// ErrIOFailure wraps read faults other than a missing artifact.
var ErrIOFailure = errors.New("artifact read failure")

// SecretScanner finds credentials in artifact content.
type SecretScanner interface {
	Scan(content string) []secrets.Leak
}

// Validator evaluates artifacts against a schema registry. It is safe for
// concurrent use.
type Validator struct {
	registry   *schema.Registry
	scanner    SecretScanner
	pluginRoot string
	logger     *logging.Logger
	tracer     trace.Tracer
	meter      metric.Meter
	emitted    metric.Int64Counter
}

// Option configures a Validator.
type Option func(*Validator)

// WithSecretScanner enables the secret scan for schemas that declare a
// secrets code.
func WithSecretScanner(s SecretScanner) Option {
	return func(v *Validator) { v.scanner = s }
}

// WithPluginRoot fixes the plugin root instead of deriving it from each
// artifact's location.
func WithPluginRoot(root string) Option {
	return func(v *Validator) { v.pluginRoot = root }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(v *Validator) { v.tracer = t }
}

// WithMeter overrides the global meter.
func WithMeter(m metric.Meter) Option {
	return func(v *Validator) { v.meter = m }
}

// New creates a validator over registry.
func New(registry *schema.Registry, opts ...Option) (*Validator, error) {
	if registry == nil {
		registry = schema.Default()
	}
	v := &Validator{registry: registry, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(v)
	}
	if v.tracer == nil {
		v.tracer = otel.Tracer(instrumentationName)
	}
	if v.meter == nil {
		v.meter = otel.Meter(instrumentationName)
	}
	emitted, err := v.meter.Int64Counter(
		"forge.validate.diagnostics",
		metric.WithDescription("Diagnostics emitted by code"),
		metric.WithUnit("{diagnostic}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create diagnostics counter: %w", err)
	}
	v.emitted = emitted
	v.logger = v.logger.Named("validate")
	return v, nil
}

// Registry returns the schema registry in use.
func (v *Validator) Registry() *schema.Registry { return v.registry }

// CallOption adjusts a single validation call.
type CallOption func(*callOptions)

type callOptions struct {
	artifacts   []string
	baseDir     string
	defaultType string
}

// WithArtifacts supplies the generated_files snapshot that cross-references
// resolve against.
func WithArtifacts(files []string) CallOption {
	return func(o *callOptions) { o.artifacts = files }
}

// WithBaseDir resolves relative artifact paths against dir.
func WithBaseDir(dir string) CallOption {
	return func(o *callOptions) { o.baseDir = dir }
}

// WithDefaultType is used by ValidateFiles for paths no schema glob
// matches.
func WithDefaultType(typ string) CallOption {
	return func(o *callOptions) { o.defaultType = typ }
}

func applyCallOptions(opts []CallOption) callOptions {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o callOptions) abs(path string) string {
	if o.baseDir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(o.baseDir, path)
}

// Validate checks one artifact of declared type typ. When content is nil
// the artifact is read from disk and a missing file yields the schema's
// existence code. Supplied content is checked as-is and the existence step
// is skipped, so a write can be judged before the file exists. An unknown
// type is an error, not a diagnostic.
//
// Checks run in order: existence, header parse, required fields, shape,
// naming, soft thresholds, secret scan, then cross-references and registry
// entries. The header through secret-scan checks depend only on the inputs.
// Cross-references also read the artifact set, and registry entries read
// the plugin's marketplace.json from disk at call time, so both see the
// tree as it is when Validate runs.
func (v *Validator) Validate(ctx context.Context, path, typ string, content []byte, opts ...CallOption) ([]Diagnostic, error) {
	s, err := v.registry.Get(typ)
	if err != nil {
		return nil, err
	}
	o := applyCallOptions(opts)

	ctx, span := v.tracer.Start(ctx, "validate.artifact", trace.WithAttributes(
		attribute.String("artifact.path", path),
		attribute.String("artifact.type", typ),
	))
	defer span.End()

	if content == nil {
		data, err := os.ReadFile(o.abs(path))
		switch {
		case err == nil:
			content = data
		case errors.Is(err, os.ErrNotExist):
			diags := []Diagnostic{{
				Code:    s.Existence,
				Message: fmt.Sprintf("%s not found: %s", typ, path),
				Target:  path,
				Type:    typ,
			}}
			v.record(ctx, diags)
			return diags, nil
		default:
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, "read failed")
			return nil, fmt.Errorf("%w: %s: %v", ErrIOFailure, path, err)
		}
	}

	c := &checker{
		ctx:    ctx,
		v:      v,
		schema: s,
		path:   path,
		abs:    o.abs(path),
		typ:    typ,
		opts:   o,
	}
	diags := c.run(content)

	span.SetAttributes(attribute.Int("diagnostics", len(diags)))
	v.record(ctx, diags)
	v.logger.Debug(ctx, "artifact validated",
		zap.String("path", path),
		zap.String("type", typ),
		zap.Int("diagnostics", len(diags)),
	)
	return diags, nil
}

// FileReport is the validation outcome of one path.
type FileReport struct {
	Path        string       `json:"path"`
	Type        string       `json:"type,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// Report aggregates ValidateFiles.
type Report struct {
	Files []FileReport `json:"files"`
	// Skipped lists paths whose type could not be resolved.
	Skipped []string `json:"skipped,omitempty"`
	Result  Result   `json:"result"`
}

// Diagnostics returns every diagnostic in file order.
func (r *Report) Diagnostics() []Diagnostic {
	var all []Diagnostic
	for _, f := range r.Files {
		all = append(all, f.Diagnostics...)
	}
	return all
}

// ValidateFiles resolves each path's type through the registry globs and
// validates it. The artifact list itself is passed as the cross-reference
// snapshot unless WithArtifacts overrides it.
func (v *Validator) ValidateFiles(ctx context.Context, paths []string, strict bool, opts ...CallOption) (*Report, error) {
	o := applyCallOptions(opts)
	if o.artifacts == nil {
		opts = append(opts, WithArtifacts(paths))
	}

	report := &Report{Files: make([]FileReport, 0, len(paths))}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		typ, ok := v.registry.Resolve(p)
		if !ok {
			typ = o.defaultType
		}
		if typ == "" {
			report.Skipped = append(report.Skipped, p)
			continue
		}
		diags, err := v.Validate(ctx, p, typ, nil, opts...)
		if err != nil {
			return nil, err
		}
		report.Files = append(report.Files, FileReport{Path: p, Type: typ, Diagnostics: diags})
	}
	report.Result = Verdict(report.Diagnostics(), strict)
	return report, nil
}

func (v *Validator) record(ctx context.Context, diags []Diagnostic) {
	for _, d := range diags {
		v.emitted.Add(ctx, 1, metric.WithAttributes(attribute.String("code", d.Code)))
	}
}
