package telemetry

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const exportTimeout = 10 * time.Second

// OTLPTarget is a parsed trace collector address.
type OTLPTarget struct {
	// Protocol is "grpc" or "http".
	Protocol string
	// Endpoint is host:port.
	Endpoint string
	// Path is the HTTP URL path, if any.
	Path     string
	Insecure bool
}

// ResolveOTLPTarget parses an endpoint. A bare host[:port] means insecure
// gRPC on port 4317; http(s) URLs default to port 4318.
func ResolveOTLPTarget(raw string) (OTLPTarget, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return OTLPTarget{}, fmt.Errorf("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		endpoint := raw
		if _, _, err := net.SplitHostPort(endpoint); err != nil {
			endpoint = net.JoinHostPort(endpoint, "4317")
		}
		return OTLPTarget{Protocol: "grpc", Endpoint: endpoint, Insecure: true}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return OTLPTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	target := OTLPTarget{
		Endpoint: u.Host,
		Path:     strings.TrimSuffix(u.Path, "/"),
	}
	defaultPort := "4317"
	switch strings.ToLower(u.Scheme) {
	case "grpc":
		target.Protocol, target.Insecure = "grpc", true
	case "grpcs":
		target.Protocol = "grpc"
	case "http":
		target.Protocol, target.Insecure, defaultPort = "http", true, "4318"
	case "https":
		target.Protocol, defaultPort = "http", "4318"
	default:
		return OTLPTarget{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	if target.Endpoint == "" {
		return OTLPTarget{}, fmt.Errorf("telemetry: missing endpoint host")
	}
	if u.Port() == "" {
		target.Endpoint = net.JoinHostPort(u.Hostname(), defaultPort)
	}
	return target, nil
}

func newTracerProvider(ctx context.Context, target OTLPTarget, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch target.Protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(target.Endpoint),
			otlptracegrpc.WithTimeout(exportTimeout),
		}
		if target.Insecure {
			opts = append(opts,
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		} else {
			opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, ""))))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(target.Endpoint),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if target.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if target.Path != "" && target.Path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(target.Path))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", target.Protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: start trace exporter (%s): %w", target.Protocol, err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithBatcher(exporter),
	), nil
}
