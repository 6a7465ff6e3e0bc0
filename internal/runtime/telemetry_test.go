package runtime

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-piper/internal/config"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
)

func TestTraceExporterSelection(t *testing.T) {
	cases := []struct {
		cfg  config.TelemetryConfig
		want string
	}{
		{config.TelemetryConfig{}, exporterNone},
		{config.TelemetryConfig{StdoutTraces: true}, exporterStdout},
		{config.TelemetryConfig{OTLPEndpoint: "collector:4317", StdoutTraces: true}, exporterOTLP},
		{config.TelemetryConfig{OTLPEndpoint: "  "}, exporterNone},
	}
	for _, tc := range cases {
		if got := traceExporter(tc.cfg); got != tc.want {
			t.Fatalf("expected %s for %+v, got %s", tc.want, tc.cfg, got)
		}
	}
}

func TestResourceCarriesRunAndWorkerMode(t *testing.T) {
	cfg := config.Default()
	cfg.Worker.Mode = "exec"
	res, err := newResource(context.Background(), cfg, "run-42")
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	want := map[attribute.Key]string{
		"service.name":           "loqa-piper",
		"service.instance.id":    "run-42",
		"loqa.piper.worker.mode": "exec",
		"deployment.environment": "development",
	}
	for key, value := range want {
		got, ok := res.Set().Value(key)
		if !ok || got.AsString() != value {
			t.Fatalf("expected %s=%s, got %v", key, value, got.AsString())
		}
	}
}

func TestMetricsUseSynthesisBuckets(t *testing.T) {
	provider, handler := initMetrics(resource.Default(), newLogger())
	defer provider.Shutdown(context.Background())
	if handler == nil {
		t.Fatalf("expected prometheus handler")
	}

	hist, err := provider.Meter("test").Float64Histogram("loqa.piper.synthesis_ms")
	if err != nil {
		t.Fatalf("histogram: %v", err)
	}
	hist.Record(context.Background(), 1200)

	srv := httptest.NewServer(handler)
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `le="30000"`) {
		t.Fatalf("expected synthesis bucket boundaries in scrape output")
	}
}
