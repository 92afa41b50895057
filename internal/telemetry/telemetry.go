// Package telemetry wires OpenTelemetry tracing, the Prometheus scrape
// endpoint and pprof for hactl processes.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"pkt.systems/pslog"

	"github.com/arachmani/ovirt-hosted-engine-ha/internal/loggingutil"
	"github.com/arachmani/ovirt-hosted-engine-ha/internal/version"
)

// Config selects which telemetry outputs to start. The zero value starts
// nothing.
type Config struct {
	// ServiceName is reported as service.name on spans.
	ServiceName string
	// OTLPEndpoint enables trace export: host[:port] (gRPC, insecure) or a
	// grpc://, grpcs://, http:// or https:// URL.
	OTLPEndpoint string
	// MetricsListen serves /metrics on this address.
	MetricsListen string
	// Registry receives the OpenTelemetry metric exporter and is served on
	// /metrics. A fresh registry is used when nil.
	Registry *prometheus.Registry
	// RuntimeMetrics adds Go runtime metrics; requires MetricsListen.
	RuntimeMetrics bool
	// PprofListen serves /debug/pprof on this address.
	PprofListen string
	Logger      pslog.Logger
}

// Bundle holds the running telemetry components.
type Bundle struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	metricsServer  *http.Server
	metricsLn      net.Listener
	pprofServer    *http.Server
	pprofLn        net.Listener
	logger         pslog.Logger
}

type otelErrorHandler struct {
	logger pslog.Logger
}

func (h otelErrorHandler) Handle(err error) {
	if err == nil {
		return
	}
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

var (
	runtimeMetricsOnce sync.Once
	runtimeMetricsErr  error
)

// Setup starts what cfg asks for and installs the global tracer provider and
// propagator. It returns nil, nil when cfg enables nothing.
func Setup(ctx context.Context, cfg Config) (*Bundle, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	metricsListen := strings.TrimSpace(cfg.MetricsListen)
	pprofListen := strings.TrimSpace(cfg.PprofListen)
	if endpoint == "" && metricsListen == "" && pprofListen == "" && !cfg.RuntimeMetrics {
		return nil, nil
	}
	if cfg.RuntimeMetrics && metricsListen == "" {
		return nil, fmt.Errorf("telemetry: runtime metrics require a metrics listen address")
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "telemetry")
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "hactl"
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version.Current()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	b := &Bundle{logger: logger}
	fail := func(err error) (*Bundle, error) {
		_ = b.Shutdown(context.Background())
		return nil, err
	}

	if endpoint != "" {
		target, err := ResolveOTLPTarget(endpoint)
		if err != nil {
			return nil, err
		}
		b.tracerProvider, err = newTracerProvider(ctx, target, res)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(b.tracerProvider)
		logger.Info("telemetry.tracing.enabled",
			"protocol", target.Protocol,
			"endpoint", target.Endpoint,
			"path", target.Path,
			"insecure", target.Insecure,
		)
	}

	if metricsListen != "" {
		registry := cfg.Registry
		if registry == nil {
			registry = prometheus.NewRegistry()
		}
		exporterOpts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
		if cfg.RuntimeMetrics {
			exporterOpts = append(exporterOpts, otelprometheus.WithProducer(otelruntime.NewProducer()))
		}
		exporter, err := otelprometheus.New(exporterOpts...)
		if err != nil {
			return fail(fmt.Errorf("telemetry: start prometheus exporter: %w", err))
		}
		b.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		otel.SetMeterProvider(b.meterProvider)
		if cfg.RuntimeMetrics {
			if err := startRuntimeMetrics(b.meterProvider); err != nil {
				return fail(err)
			}
			logger.Info("telemetry.runtime_metrics.enabled")
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		b.metricsServer, b.metricsLn, err = serve(metricsListen, mux, logger, "telemetry.metrics.serve_error")
		if err != nil {
			return fail(fmt.Errorf("telemetry: metrics listen: %w", err))
		}
		logger.Info("telemetry.metrics.enabled", "listen", b.metricsLn.Addr().String())
	}

	if pprofListen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		b.pprofServer, b.pprofLn, err = serve(pprofListen, mux, logger, "telemetry.pprof.serve_error")
		if err != nil {
			return fail(fmt.Errorf("telemetry: pprof listen: %w", err))
		}
		logger.Info("telemetry.pprof.enabled", "listen", b.pprofLn.Addr().String())
	}

	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)
	otel.SetErrorHandler(otelErrorHandler{logger: logger})
	return b, nil
}

// MetricsAddr returns the bound metrics address, or "" when not serving.
func (b *Bundle) MetricsAddr() string {
	if b == nil || b.metricsLn == nil {
		return ""
	}
	return b.metricsLn.Addr().String()
}

// Shutdown flushes exporters and stops the listeners. Safe on a nil Bundle.
func (b *Bundle) Shutdown(ctx context.Context) error {
	if b == nil {
		return nil
	}
	var errs []error
	if b.meterProvider != nil {
		if err := b.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric shutdown: %w", err))
		}
	}
	for _, srv := range []*http.Server{b.metricsServer, b.pprofServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	for _, ln := range []net.Listener{b.metricsLn, b.pprofLn} {
		if ln != nil {
			_ = ln.Close()
		}
	}
	if b.tracerProvider != nil {
		if err := b.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace shutdown: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		b.logger.Warn("telemetry.shutdown.error", "error", err)
		return err
	}
	b.logger.Debug("telemetry.shutdown.complete")
	return nil
}

func serve(addr string, handler http.Handler, logger pslog.Logger, event string) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn(event, "error", err)
		}
	}()
	return srv, ln, nil
}

func startRuntimeMetrics(provider metric.MeterProvider) error {
	runtimeMetricsOnce.Do(func() {
		runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(provider))
	})
	return runtimeMetricsErr
}
