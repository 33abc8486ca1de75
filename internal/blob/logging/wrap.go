// Package logging decorates blob containers with OpenTelemetry spans and
// trace/debug logging around every backend call.
package logging

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/blobkv/internal/blob"
	"pkt.systems/blobkv/internal/correlation"
	"pkt.systems/blobkv/internal/loggingutil"
)

const tracerName = "pkt.systems/blobkv/blob"

type container struct {
	inner  blob.Container
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with spans and trace/debug logging.
func Wrap(inner blob.Container, logger pslog.Logger, sys string) blob.Container {
	if inner == nil {
		return nil
	}
	return &container{
		inner:  inner,
		logger: loggingutil.EnsureLogger(logger),
		tracer: otel.Tracer(tracerName),
		sys:    sys,
	}
}

// start opens a span for op and returns the logger to use along with a
// finish callback that records the outcome.
func (c *container) start(ctx context.Context, op, name string) (context.Context, trace.Span, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := c.tracer.Start(ctx, "blobkv.blob."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("blobkv.blob.operation", op),
		attribute.String("blobkv.blob.container", c.inner.Name()),
		attribute.String("blobkv.sys", c.sys),
	)
	if name != "" {
		span.SetAttributes(attribute.String("blobkv.blob.name", name))
	}

	logger := c.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("cid", corr)
		span.SetAttributes(attribute.String("blobkv.correlation_id", corr))
	}
	logger = logger.With("op", op, "container", c.inner.Name())
	if name != "" {
		logger = logger.With("name", name)
	}
	logger.Trace("blob.begin")
	return ctx, span, logger, func(err error) {
		elapsed := time.Since(begin)
		result := outcome(err)
		span.SetAttributes(attribute.String("blobkv.blob.result", result))
		if err != nil && result == "error" {
			span.RecordError(err)
			span.SetStatus(codes.Error, "blob_error")
			logger.Debug("blob.error", "error", err, "elapsed", elapsed)
			return
		}
		span.SetStatus(codes.Ok, "")
		logger.Trace("blob.end", "result", result, "elapsed", elapsed)
	}
}

// outcome classifies err. Conditional misses are expected results, not
// failures, and are reported without marking the span as errored.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, blob.ErrNotFound):
		return "not_found"
	case errors.Is(err, blob.ErrNotModified):
		return "not_modified"
	case errors.Is(err, blob.ErrPreconditionFailed):
		return "precondition_failed"
	case errors.Is(err, blob.ErrLeaseConflict):
		return "lease_conflict"
	case errors.Is(err, blob.ErrContainerExists):
		return "exists"
	default:
		return "error"
	}
}

func (c *container) Name() string { return c.inner.Name() }

func (c *container) Create(ctx context.Context) error {
	ctx, span, _, finish := c.start(ctx, "create_container", "")
	defer span.End()
	err := c.inner.Create(ctx)
	finish(err)
	return err
}

func (c *container) Object(namespace, key string) (blob.Object, error) {
	obj, err := c.inner.Object(namespace, key)
	if err != nil {
		return nil, err
	}
	return &object{c: c, inner: obj}, nil
}

func (c *container) List(ctx context.Context, opts blob.ListOptions) (blob.ListPage, error) {
	ctx, span, logger, finish := c.start(ctx, "list", "")
	defer span.End()
	span.SetAttributes(
		attribute.String("blobkv.blob.prefix", opts.Prefix),
		attribute.Bool("blobkv.blob.has_marker", opts.Marker != ""),
	)
	page, err := c.inner.List(ctx, opts)
	finish(err)
	if err == nil {
		span.SetAttributes(attribute.Int("blobkv.blob.items", len(page.Items)))
		logger.Trace("blob.list.page", "prefix", opts.Prefix, "items", len(page.Items), "more", page.NextMarker != "")
	}
	return page, err
}

type object struct {
	c     *container
	inner blob.Object
}

func (o *object) Name() string { return o.inner.Name() }

func (o *object) Properties(ctx context.Context, cond blob.Conditions) (blob.Properties, error) {
	ctx, span, _, finish := o.c.start(ctx, "properties", o.Name())
	defer span.End()
	props, err := o.inner.Properties(ctx, cond)
	finish(err)
	return props, err
}

func (o *object) Download(ctx context.Context, cond blob.Conditions) (io.ReadCloser, blob.Properties, error) {
	ctx, span, logger, finish := o.c.start(ctx, "download", o.Name())
	defer span.End()
	rc, props, err := o.inner.Download(ctx, cond)
	finish(err)
	if err == nil {
		span.SetAttributes(attribute.Int64("blobkv.blob.content_length", props.ContentLength))
		logger.Trace("blob.download.open", "etag", props.ETag, "size", props.ContentLength)
	}
	return rc, props, err
}

func (o *object) Upload(ctx context.Context, body io.Reader, opts blob.UploadOptions) (blob.Properties, error) {
	ctx, span, logger, finish := o.c.start(ctx, "upload", o.Name())
	defer span.End()
	span.SetAttributes(
		attribute.Bool("blobkv.blob.if_match", opts.Conditions.IfMatch != ""),
		attribute.Bool("blobkv.blob.if_none_match", opts.Conditions.IfNoneMatch != ""),
		attribute.Bool("blobkv.blob.leased", opts.Conditions.LeaseID != ""),
	)
	props, err := o.inner.Upload(ctx, body, opts)
	finish(err)
	if err == nil {
		logger.Debug("blob.upload.success", "etag", props.ETag, "size", props.ContentLength)
	}
	return props, err
}

func (o *object) SetHTTPHeaders(ctx context.Context, contentType, contentEncoding string, cond blob.Conditions) (blob.Properties, error) {
	ctx, span, _, finish := o.c.start(ctx, "set_http_headers", o.Name())
	defer span.End()
	props, err := o.inner.SetHTTPHeaders(ctx, contentType, contentEncoding, cond)
	finish(err)
	return props, err
}

func (o *object) SetMetadata(ctx context.Context, metadata map[string]string, cond blob.Conditions) (blob.Properties, error) {
	ctx, span, _, finish := o.c.start(ctx, "set_metadata", o.Name())
	defer span.End()
	props, err := o.inner.SetMetadata(ctx, metadata, cond)
	finish(err)
	return props, err
}

func (o *object) Snapshot(ctx context.Context, cond blob.Conditions) (string, error) {
	ctx, span, logger, finish := o.c.start(ctx, "snapshot", o.Name())
	defer span.End()
	id, err := o.inner.Snapshot(ctx, cond)
	finish(err)
	if err == nil {
		logger.Debug("blob.snapshot.created", "snapshot", id)
	}
	return id, err
}

func (o *object) Delete(ctx context.Context, opts blob.DeleteOptions) error {
	ctx, span, _, finish := o.c.start(ctx, "delete", o.Name())
	defer span.End()
	span.SetAttributes(attribute.Bool("blobkv.blob.include_snapshots", opts.IncludeSnapshots))
	err := o.inner.Delete(ctx, opts)
	finish(err)
	return err
}

func (o *object) AcquireLease(ctx context.Context, duration time.Duration) (string, error) {
	ctx, span, _, finish := o.c.start(ctx, "acquire_lease", o.Name())
	defer span.End()
	span.SetAttributes(attribute.Int64("blobkv.blob.lease_seconds", int64(duration/time.Second)))
	id, err := o.inner.AcquireLease(ctx, duration)
	finish(err)
	return id, err
}

func (o *object) ReleaseLease(ctx context.Context, leaseID string) error {
	ctx, span, _, finish := o.c.start(ctx, "release_lease", o.Name())
	defer span.End()
	err := o.inner.ReleaseLease(ctx, leaseID)
	finish(err)
	return err
}
