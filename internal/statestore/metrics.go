package statestore

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/maintd/api"
)

type storeMetrics struct {
	writeCount    metric.Int64Counter
	writeDuration metric.Int64Histogram
	sweepReverts  metric.Int64Counter
	modeGauge     metric.Int64ObservableGauge
	maintenance   atomic.Int64
}

func newStoreMetrics(logger pslog.Logger) *storeMetrics {
	meter := otel.Meter("pkt.systems/maintd/store")
	m := &storeMetrics{}
	var err error

	m.writeCount, err = meter.Int64Counter(
		"maintd.store.write",
		metric.WithDescription("Maintenance state writes by result"),
	)
	logMetricInitError(logger, "maintd.store.write", err)

	m.writeDuration, err = meter.Int64Histogram(
		"maintd.store.write.duration_ms",
		metric.WithDescription("Maintenance state write duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "maintd.store.write.duration_ms", err)

	m.sweepReverts, err = meter.Int64Counter(
		"maintd.store.sweep.revert",
		metric.WithDescription("Expired leases reverted by the sweeper"),
	)
	logMetricInitError(logger, "maintd.store.sweep.revert", err)

	m.modeGauge, err = meter.Int64ObservableGauge(
		"maintd.store.maintenance",
		metric.WithDescription("1 while the stored mode is maintenance"),
	)
	logMetricInitError(logger, "maintd.store.maintenance", err)

	if m.modeGauge != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.modeGauge, m.maintenance.Load())
			return nil
		}, m.modeGauge); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "maintd.store.maintenance", "error", err)
		}
	}
	return m
}

func (m *storeMetrics) recordWrite(ctx context.Context, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("result", result))
	if m.writeCount != nil {
		m.writeCount.Add(ctx, 1, attrs)
	}
	if m.writeDuration != nil && elapsed > 0 {
		m.writeDuration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
}

func (m *storeMetrics) recordSweep(ctx context.Context) {
	if m == nil || m.sweepReverts == nil {
		return
	}
	m.sweepReverts.Add(ctx, 1)
}

func (m *storeMetrics) observeState(s api.State) {
	if m == nil {
		return
	}
	if s.Mode == api.ModeMaintenance {
		m.maintenance.Store(1)
		return
	}
	m.maintenance.Store(0)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
