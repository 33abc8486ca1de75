package kv

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type storeMetrics struct {
	opCount       metric.Int64Counter
	opDuration    metric.Int64Histogram
	leaseAcquire  metric.Int64Counter
	leaseRelease  metric.Int64Counter
	sweepRuns     metric.Int64Counter
	sweepDeleted  metric.Int64Counter
	sweepSkipped  metric.Int64Counter
	sweepDuration metric.Int64Histogram
}

func newStoreMetrics(logger pslog.Logger) *storeMetrics {
	meter := otel.Meter("pkt.systems/blobkv/kv")
	m := &storeMetrics{}
	var err error

	m.opCount, err = meter.Int64Counter(
		"blobkv.kv.ops",
		metric.WithDescription("Store operations by outcome"),
	)
	logMetricInitError(logger, "blobkv.kv.ops", err)

	m.opDuration, err = meter.Int64Histogram(
		"blobkv.kv.op.duration_ms",
		metric.WithDescription("Store operation duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "blobkv.kv.op.duration_ms", err)

	m.leaseAcquire, err = meter.Int64Counter(
		"blobkv.kv.lease.acquire",
		metric.WithDescription("Write lease acquisitions by outcome"),
	)
	logMetricInitError(logger, "blobkv.kv.lease.acquire", err)

	m.leaseRelease, err = meter.Int64Counter(
		"blobkv.kv.lease.release",
		metric.WithDescription("Write lease releases by outcome"),
	)
	logMetricInitError(logger, "blobkv.kv.lease.release", err)

	m.sweepRuns, err = meter.Int64Counter(
		"blobkv.kv.sweep.run",
		metric.WithDescription("Expiration sweeps"),
	)
	logMetricInitError(logger, "blobkv.kv.sweep.run", err)

	m.sweepDeleted, err = meter.Int64Counter(
		"blobkv.kv.sweep.deleted",
		metric.WithDescription("Expired entries removed by sweeps"),
	)
	logMetricInitError(logger, "blobkv.kv.sweep.deleted", err)

	m.sweepSkipped, err = meter.Int64Counter(
		"blobkv.kv.sweep.skipped",
		metric.WithDescription("Expired entries skipped after concurrent change"),
	)
	logMetricInitError(logger, "blobkv.kv.sweep.skipped", err)

	m.sweepDuration, err = meter.Int64Histogram(
		"blobkv.kv.sweep.duration_ms",
		metric.WithDescription("Expiration sweep duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "blobkv.kv.sweep.duration_ms", err)

	return m
}

func (m *storeMetrics) recordOp(ctx context.Context, op, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(
		attribute.String("blobkv.kv.op", op),
		attribute.String("blobkv.kv.result", result),
	)
	if m.opCount != nil {
		m.opCount.Add(ctx, 1, attrs)
	}
	if m.opDuration != nil {
		m.opDuration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
}

func (m *storeMetrics) recordLease(ctx context.Context, counter metric.Int64Counter, op, result string) {
	if m == nil || counter == nil {
		return
	}
	counter.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("blobkv.kv.op", op),
		attribute.String("blobkv.kv.result", result),
	))
}

func (m *storeMetrics) recordSweep(ctx context.Context, namespace string, stats SweepStats, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	result := "ok"
	if err != nil {
		result = "error"
	}
	ns := metric.WithAttributes(attribute.String("blobkv.kv.namespace", namespace))
	if m.sweepRuns != nil {
		m.sweepRuns.Add(ctx, 1, metric.WithAttributes(
			attribute.String("blobkv.kv.namespace", namespace),
			attribute.String("blobkv.kv.result", result),
		))
	}
	if m.sweepDeleted != nil && stats.Deleted > 0 {
		m.sweepDeleted.Add(ctx, int64(stats.Deleted), ns)
	}
	if m.sweepSkipped != nil && stats.Skipped > 0 {
		m.sweepSkipped.Add(ctx, int64(stats.Skipped), ns)
	}
	if m.sweepDuration != nil {
		m.sweepDuration.Record(ctx, elapsed.Milliseconds(), ns)
	}
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
