package coordinator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/maintd/client"
)

type coordinatorMetrics struct {
	remoteCalls    metric.Int64Counter
	remoteDuration metric.Int64Histogram
	reconciles     metric.Int64Counter
	warnings       metric.Int64Counter
	reverts        metric.Int64Counter
}

func newCoordinatorMetrics(logger pslog.Logger) *coordinatorMetrics {
	meter := otel.Meter("pkt.systems/maintd/coordinator")
	m := &coordinatorMetrics{}
	var err error

	m.remoteCalls, err = meter.Int64Counter(
		"maintd.coordinator.remote.calls",
		metric.WithDescription("Remote store calls by operation and outcome"),
	)
	logMetricInitError(logger, "maintd.coordinator.remote.calls", err)

	m.remoteDuration, err = meter.Int64Histogram(
		"maintd.coordinator.remote.duration_ms",
		metric.WithDescription("Remote store call latency"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "maintd.coordinator.remote.duration_ms", err)

	m.reconciles, err = meter.Int64Counter(
		"maintd.coordinator.reconcile",
		metric.WithDescription("Poll reconciliation outcomes"),
	)
	logMetricInitError(logger, "maintd.coordinator.reconcile", err)

	m.warnings, err = meter.Int64Counter(
		"maintd.coordinator.lease.warning",
		metric.WithDescription("Pre-expiry warnings emitted"),
	)
	logMetricInitError(logger, "maintd.coordinator.lease.warning", err)

	m.reverts, err = meter.Int64Counter(
		"maintd.coordinator.lease.revert",
		metric.WithDescription("Expired leases reverted by an observer"),
	)
	logMetricInitError(logger, "maintd.coordinator.lease.revert", err)
	return m
}

func (m *coordinatorMetrics) recordRemote(ctx context.Context, op string, kind client.Kind, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", kind.String()),
	)
	if m.remoteCalls != nil {
		m.remoteCalls.Add(ctx, 1, attrs)
	}
	if m.remoteDuration != nil && elapsed >= 0 {
		m.remoteDuration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
}

func (m *coordinatorMetrics) recordReconcile(ctx context.Context, result string) {
	if m == nil || m.reconciles == nil {
		return
	}
	m.reconciles.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *coordinatorMetrics) recordWarning(ctx context.Context) {
	if m == nil || m.warnings == nil {
		return
	}
	m.warnings.Add(ctx, 1)
}

func (m *coordinatorMetrics) recordRevert(ctx context.Context) {
	if m == nil || m.reverts == nil {
		return
	}
	m.reverts.Add(ctx, 1)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
