// Package telemetry wires OpenTelemetry tracing and metrics for forge.
//
// Telemetry is off unless configured. A disabled or degraded Telemetry hands
// out the global providers, which are no-ops until something installs real
// ones, so instrumented packages never branch on it.
package telemetry

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Supported OTLP protocols.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http/protobuf"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	Endpoint       string
	Protocol       string
	ServiceName    string
	ServiceVersion string
	// Insecure disables TLS. Only loopback collectors may be reached this way.
	Insecure bool
	// CAFile is a PEM bundle that replaces the system roots when verifying
	// a TLS collector.
	CAFile     string
	SampleRate float64
	// ExportInterval is the metric push period for long-running commands
	// (watch, mcp). Hook invocations flush on Shutdown instead.
	ExportInterval time.Duration
	ShutdownWait   time.Duration
}

// NewDefaultConfig returns a disabled config pointing at a local collector.
func NewDefaultConfig() *Config {
	return &Config{
		Endpoint:       "localhost:4317",
		Protocol:       ProtocolGRPC,
		ServiceName:    "forge",
		ServiceVersion: "dev",
		Insecure:       true,
		SampleRate:     1,
		ExportInterval: 15 * time.Second,
		ShutdownWait:   2 * time.Second,
	}
}

// Validate reports every problem with an enabled config at once.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required when telemetry is enabled"))
	} else if c.Insecure && !loopback(c.Endpoint) {
		errs = append(errs, fmt.Errorf("insecure export to non-loopback endpoint %q", c.Endpoint))
	}
	if c.Insecure && c.CAFile != "" {
		errs = append(errs, errors.New("ca file requires TLS; unset insecure"))
	}
	if c.ServiceName == "" {
		errs = append(errs, errors.New("service name is required"))
	}
	if c.Protocol != ProtocolGRPC && c.Protocol != ProtocolHTTP {
		errs = append(errs, fmt.Errorf("protocol must be %s or %s, got %q", ProtocolGRPC, ProtocolHTTP, c.Protocol))
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("sample rate must be within [0, 1], got %g", c.SampleRate))
	}
	if c.ExportInterval <= 0 || c.ShutdownWait <= 0 {
		errs = append(errs, errors.New("export interval and shutdown wait must be positive"))
	}
	return errors.Join(errs...)
}

// hostPort drops an http(s):// scheme; the HTTP exporters want a bare
// host:port and the gRPC exporter rejects schemes.
func hostPort(endpoint string) string {
	for _, scheme := range []string{"https://", "http://"} {
		if rest, ok := strings.CutPrefix(endpoint, scheme); ok {
			return rest
		}
	}
	return endpoint
}

func loopback(endpoint string) bool {
	host := hostPort(endpoint)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
