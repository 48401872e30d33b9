// Package logging decorates a storage backend with trace spans and
// debug-level operation logs.
package logging

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/maintd/internal/correlation"
	"pkt.systems/maintd/internal/storage"
	"pkt.systems/maintd/internal/svcfields"
)

const tracerName = "pkt.systems/maintd/storage"

// Option customises the decorator.
type Option func(*backend)

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(b *backend) {
		if tp != nil {
			b.tracer = tp.Tracer(tracerName)
		}
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with spans and trace/debug logging.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string, opts ...Option) storage.Backend {
	b := &backend{
		inner:  inner,
		logger: svcfields.EnsureLogger(logger),
		tracer: otel.Tracer(tracerName),
		sys:    sys,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *backend) start(ctx context.Context, op, key string) (context.Context, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "maintd.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("maintd.storage.operation", op),
		attribute.String("maintd.storage.key", key),
		attribute.String("maintd.sys", b.sys),
	)
	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("cid", corr)
		span.SetAttributes(attribute.String("maintd.correlation_id", corr))
	}
	ctx = pslog.ContextWithLogger(ctx, logger)
	logger.Trace("storage."+op+".begin", "key", key)
	return ctx, logger, func(err error) {
		elapsed := time.Since(begin)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
			logger.Debug("storage."+op+".error", "key", key, "error", err, "elapsed", elapsed)
		} else {
			span.SetStatus(codes.Ok, "")
			logger.Debug("storage."+op+".success", "key", key, "elapsed", elapsed)
		}
		span.SetAttributes(attribute.Int64("maintd.storage.duration_ms", elapsed.Milliseconds()))
		span.End()
	}
}

func (b *backend) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	ctx, _, finish := b.start(ctx, "get_object", key)
	result, err := b.inner.GetObject(ctx, key)
	finish(err)
	return result, err
}

func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, logger, finish := b.start(ctx, "put_object", key)
	logger.Trace("storage.put_object.conditions", "key", key, "expected_etag", opts.ExpectedETag, "if_not_exists", opts.IfNotExists)
	info, err := b.inner.PutObject(ctx, key, body, opts)
	finish(err)
	return info, err
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	ctx, _, finish := b.start(ctx, "delete_object", key)
	err := b.inner.DeleteObject(ctx, key, opts)
	finish(err)
	return err
}

func (b *backend) Ping(ctx context.Context) error {
	ctx, _, finish := b.start(ctx, "ping", "")
	err := b.inner.Ping(ctx)
	finish(err)
	return err
}

func (b *backend) Close() error {
	return b.inner.Close()
}
