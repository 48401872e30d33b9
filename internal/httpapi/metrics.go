package httpapi

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type httpMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

func newHTTPMetrics(logger pslog.Logger) *httpMetrics {
	meter := otel.Meter("pkt.systems/maintd/httpapi")
	m := &httpMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"maintd.http.requests",
		metric.WithDescription("HTTP requests by operation and status"),
	)
	logMetricInitError(logger, "maintd.http.requests", err)

	m.duration, err = meter.Float64Histogram(
		"maintd.http.request.duration",
		metric.WithDescription("HTTP request latency"),
		metric.WithUnit("s"),
	)
	logMetricInitError(logger, "maintd.http.request.duration", err)
	return m
}

func (m *httpMetrics) record(ctx context.Context, operation, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("method", method),
		attribute.String("status", strconv.Itoa(status)),
	)
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
