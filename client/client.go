package client

import (
	"context"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"github.com/arachmani/ovirt-hosted-engine-ha/internal/correlation"
	"github.com/arachmani/ovirt-hosted-engine-ha/internal/haconf"
	"github.com/arachmani/ovirt-hosted-engine-ha/internal/loggingutil"
	"github.com/arachmani/ovirt-hosted-engine-ha/metadata"
)

// Configuration keys read and written by the client.
const (
	SectionEngine             = haconf.SectionEngine
	SectionHA                 = haconf.SectionHA
	KeyHostID                 = haconf.KeyHostID
	KeyConfigured             = haconf.KeyConfigured
	KeyLocalMaintenance       = haconf.KeyLocalMaintenance
	KeyLocalMaintenanceManual = haconf.KeyLocalMaintenanceManual
)

// DefaultSocketPath is the broker socket used unless WithSocketPath says otherwise.
const DefaultSocketPath = haconf.DefaultSocketPath

// DecodeFailureHook is told about every record dropped because its block
// could not be decoded.
type DecodeFailureHook func(id int, err error)

// HAClient runs the coordination operations of one host.
type HAClient struct {
	cfg      ConfigStore
	dial     BrokerDialer
	direct   StatsReader
	codec    metadata.Codec
	flags    metadata.FlagRegistry
	onDecode DecodeFailureHook
	strict   bool
	logger   pslog.Logger
	tracer   trace.Tracer
}

// Option customises client construction.
type Option func(*options)

type options struct {
	logger     pslog.Logger
	socketPath string
	dial       BrokerDialer
	direct     StatsReader
	codec      metadata.Codec
	flags      metadata.FlagRegistry
	onDecode   DecodeFailureHook
	strict     bool
	tracer     trace.TracerProvider
}

// WithLogger supplies the client logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithSocketPath overrides the broker socket. Ignored when WithBrokerDialer
// is given.
func WithSocketPath(path string) Option {
	return func(o *options) {
		o.socketPath = path
	}
}

// WithBrokerDialer replaces how broker connections are opened.
func WithBrokerDialer(d BrokerDialer) Option {
	return func(o *options) {
		o.dial = d
	}
}

// WithStatsReader enables the direct stats path.
func WithStatsReader(r StatsReader) Option {
	return func(o *options) {
		o.direct = r
	}
}

// WithCodec overrides the metadata codec (default metadata.TextCodec with the
// configured flag registry).
func WithCodec(c metadata.Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// WithGlobalFlags overrides the registry of settable global flags.
func WithGlobalFlags(r metadata.FlagRegistry) Option {
	return func(o *options) {
		o.flags = r
	}
}

// WithDecodeFailureHook registers fn to be called for every dropped record.
// Dropped records are logged either way.
func WithDecodeFailureHook(fn DecodeFailureHook) Option {
	return func(o *options) {
		o.onDecode = fn
	}
}

// WithStrictConfiguredCheck makes ResetLockspace treat a missing configured
// flag as "not configured". By default only a present, non-true flag blocks.
func WithStrictConfiguredCheck() Option {
	return func(o *options) {
		o.strict = true
	}
}

// WithTracerProvider overrides the global OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracer = tp
	}
}

// New returns a client reading local configuration from cfg.
func New(cfg ConfigStore, opts ...Option) (*HAClient, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	o := options{socketPath: DefaultSocketPath}
	for _, opt := range opts {
		opt(&o)
	}
	logger := loggingutil.WithSubsystem(o.logger, "client.ha")
	if o.flags == nil {
		o.flags = metadata.DefaultFlags()
	}
	if o.codec == nil {
		o.codec = &metadata.TextCodec{Flags: o.flags}
	}
	if o.dial == nil {
		o.dial = SocketDialer(o.socketPath, o.logger)
	}
	tp := o.tracer
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &HAClient{
		cfg:      cfg,
		dial:     o.dial,
		direct:   o.direct,
		codec:    o.codec,
		flags:    o.flags,
		onDecode: o.onDecode,
		strict:   o.strict,
		logger:   logger,
		tracer:   tp.Tracer("github.com/arachmani/ovirt-hosted-engine-ha/client"),
	}, nil
}

// begin opens the span of one operation and tags ctx with a correlation id
// shared by every broker call the operation makes.
func (c *HAClient) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, pslog.Logger) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cid := correlation.Ensure(ctx)
	ctx, span := c.tracer.Start(ctx, "hosted_engine.client."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("hosted_engine.correlation_id", cid))
	span.SetAttributes(attrs...)
	return ctx, span, c.logger.With("cid", cid)
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// LocalHostID returns this host's id from he_local.host_id.
func (c *HAClient) LocalHostID() (int, error) {
	raw, ok := c.cfg.Get(SectionEngine, KeyHostID)
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return 0, &ConfigurationError{Section: SectionEngine, Key: KeyHostID, Err: ErrHostNotConfigured}
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, &ConfigurationError{Section: SectionEngine, Key: KeyHostID, Err: ErrInvalidHostID}
	}
	return id, nil
}
