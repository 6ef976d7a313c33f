package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc/credentials"
)

// exporters builds the span and metric exporters for cfg.Protocol. Either
// may be nil when its construction failed; the error joins both failures.
func exporters(ctx context.Context, cfg *Config) (sdktrace.SpanExporter, sdkmetric.Exporter, error) {
	endpoint := hostPort(cfg.Endpoint)
	tlsCfg, err := clientTLS(cfg)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Protocol == ProtocolHTTP {
		topts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		mopts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
		switch {
		case cfg.Insecure:
			topts = append(topts, otlptracehttp.WithInsecure())
			mopts = append(mopts, otlpmetrichttp.WithInsecure())
		case tlsCfg != nil:
			topts = append(topts, otlptracehttp.WithTLSClientConfig(tlsCfg))
			mopts = append(mopts, otlpmetrichttp.WithTLSClientConfig(tlsCfg))
		}
		te, terr := otlptracehttp.New(ctx, topts...)
		me, merr := otlpmetrichttp.New(ctx, mopts...)
		return spanExporter(te, terr), metricExporter(me, merr), joinExportErrors(terr, merr)
	}

	topts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	mopts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(endpoint)}
	switch {
	case cfg.Insecure:
		topts = append(topts, otlptracegrpc.WithInsecure())
		mopts = append(mopts, otlpmetricgrpc.WithInsecure())
	case tlsCfg != nil:
		creds := credentials.NewTLS(tlsCfg)
		topts = append(topts, otlptracegrpc.WithTLSCredentials(creds))
		mopts = append(mopts, otlpmetricgrpc.WithTLSCredentials(creds))
	}
	te, terr := otlptracegrpc.New(ctx, topts...)
	me, merr := otlpmetricgrpc.New(ctx, mopts...)
	return spanExporter(te, terr), metricExporter(me, merr), joinExportErrors(terr, merr)
}

// The typed-nil guards keep a failed *Exporter from becoming a non-nil
// interface value.
func spanExporter[E sdktrace.SpanExporter](e E, err error) sdktrace.SpanExporter {
	if err != nil {
		return nil
	}
	return e
}

func metricExporter[E sdkmetric.Exporter](e E, err error) sdkmetric.Exporter {
	if err != nil {
		return nil
	}
	return e
}

func joinExportErrors(traceErr, metricErr error) error {
	switch {
	case traceErr != nil && metricErr != nil:
		return fmt.Errorf("trace exporter: %w; metric exporter: %w", traceErr, metricErr)
	case traceErr != nil:
		return fmt.Errorf("trace exporter: %w", traceErr)
	case metricErr != nil:
		return fmt.Errorf("metric exporter: %w", metricErr)
	}
	return nil
}

// clientTLS returns a TLS config trusting cfg.CAFile, or nil when no CA
// file is configured and the exporter defaults apply.
func clientTLS(cfg *Config) (*tls.Config, error) {
	if cfg.CAFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read telemetry ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("telemetry ca file %s holds no PEM certificates", cfg.CAFile)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func newResource(cfg *Config) *resource.Resource {
	return resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	)
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}
