// Package logging decorates a storage.Backend with trace spans and debug
// logging.
package logging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"github.com/arachmani/ovirt-hosted-engine-ha/api"
	"github.com/arachmani/ovirt-hosted-engine-ha/internal/correlation"
	"github.com/arachmani/ovirt-hosted-engine-ha/internal/loggingutil"
	"github.com/arachmani/ovirt-hosted-engine-ha/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with tracing and trace/debug logging. sys names the
// backend kind in spans and log entries.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	return &backend{
		inner:  inner,
		logger: loggingutil.WithSubsystem(logger, loggingutil.Subsystem("storage", sys)),
		tracer: otel.Tracer("github.com/arachmani/ovirt-hosted-engine-ha/storage"),
		sys:    sys,
	}
}

// Unwrap returns the backend beneath a Wrap decoration, or b itself.
func Unwrap(b storage.Backend) storage.Backend {
	if w, ok := b.(*backend); ok {
		return w.inner
	}
	return b
}

func (b *backend) start(ctx context.Context, op string) (context.Context, trace.Span, pslog.Logger, func(string, error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "hosted_engine.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("hosted_engine.storage.operation", op),
		attribute.String("hosted_engine.sys", b.sys),
	)
	logger := b.logger
	if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("cid", corr)
		span.SetAttributes(attribute.String("hosted_engine.correlation_id", corr))
	}
	return ctx, span, logger, func(result string, err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.AddEvent("hosted_engine.storage.end", trace.WithAttributes(
			attribute.String("hosted_engine.storage.result", result),
			attribute.Int64("hosted_engine.storage.duration_ms", time.Since(begin).Milliseconds()),
		))
	}
}

func (b *backend) RawStats(ctx context.Context) (api.StatsSnapshot, error) {
	ctx, span, logger, finish := b.start(ctx, "raw_stats")
	defer span.End()
	begin := time.Now()
	logger.Trace("storage.raw_stats.begin")
	stats, err := b.inner.RawStats(ctx)
	if err != nil {
		finish("error", err)
		logger.Debug("storage.raw_stats.error", "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	span.SetAttributes(attribute.Int("hosted_engine.storage.blocks", len(stats)))
	finish("ok", nil)
	logger.Trace("storage.raw_stats.success", "blocks", len(stats), "elapsed", time.Since(begin))
	return stats, nil
}

func (b *backend) PutStats(ctx context.Context, id int, block string) error {
	ctx, span, logger, finish := b.start(ctx, "put_stats")
	defer span.End()
	begin := time.Now()
	span.SetAttributes(
		attribute.Int("hosted_engine.storage.id", id),
		attribute.Int("hosted_engine.storage.bytes", len(block)),
	)
	logger.Trace("storage.put_stats.begin", "id", id, "bytes", len(block))
	if err := b.inner.PutStats(ctx, id, block); err != nil {
		finish("error", err)
		logger.Debug("storage.put_stats.error", "id", id, "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish("ok", nil)
	logger.Debug("storage.put_stats.success", "id", id, "elapsed", time.Since(begin))
	return nil
}

func (b *backend) ResetLockspace(ctx context.Context) error {
	ctx, span, logger, finish := b.start(ctx, "reset_lockspace")
	defer span.End()
	begin := time.Now()
	if err := b.inner.ResetLockspace(ctx); err != nil {
		finish("error", err)
		logger.Warn("storage.reset_lockspace.error", "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish("ok", nil)
	logger.Info("storage.reset_lockspace.success", "elapsed", time.Since(begin))
	return nil
}

func (b *backend) Close() error {
	return b.inner.Close()
}
