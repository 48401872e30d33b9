package maintd

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		raw      string
		protocol string
		endpoint string
		path     string
		insecure bool
	}{
		{"collector", "grpc", "collector:4317", "", true},
		{"collector:9999", "grpc", "collector:9999", "", true},
		{"grpc://collector", "grpc", "collector:4317", "", true},
		{"grpcs://collector:443", "grpc", "collector:443", "", false},
		{"http://collector", "http", "collector:4318", "", true},
		{"https://collector/v1/traces/", "http", "collector:4318", "/v1/traces", false},
		{"http://[::1]", "http", "[::1]:4318", "", true},
	}
	for _, tc := range cases {
		got, err := resolveOTLPTarget(tc.raw)
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if got.protocol != tc.protocol || got.endpoint != tc.endpoint || got.path != tc.path || got.insecure != tc.insecure {
			t.Fatalf("%s: unexpected target %+v", tc.raw, got)
		}
	}
	for _, raw := range []string{"", "udp://collector", "http://"} {
		if _, err := resolveOTLPTarget(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestSetupTelemetryDisabled(t *testing.T) {
	tel, err := setupTelemetry(context.Background(), telemetryConfig{}, nil)
	if err != nil || tel != nil {
		t.Fatalf("expected no telemetry, got %v %v", tel, err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
	if _, err := setupTelemetry(context.Background(), telemetryConfig{EnableProfilingMetrics: true}, nil); err == nil {
		t.Fatalf("profiling metrics without a metrics listener must fail")
	}
}

func TestSetupTelemetryServesMetricsAndPprof(t *testing.T) {
	tel, err := setupTelemetry(context.Background(), telemetryConfig{
		MetricsListen: "127.0.0.1:0",
		PprofListen:   "127.0.0.1:0",
	}, nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer tel.Shutdown(context.Background())

	httpGet(t, "http://"+tel.metricsAddr.String()+"/metrics")
	if body := httpGet(t, "http://"+tel.pprofAddr.String()+"/debug/pprof/"); !strings.Contains(body, "goroutine") {
		t.Fatalf("unexpected pprof index")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := http.Get("http://" + tel.metricsAddr.String() + "/metrics"); err == nil {
		t.Fatalf("metrics listener still open after shutdown")
	}
}

func httpGet(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get %s: status %d", url, resp.StatusCode)
	}
	return string(data)
}
