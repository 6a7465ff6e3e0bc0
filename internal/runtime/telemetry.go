package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-piper/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

const (
	exporterOTLP   = "otlp"
	exporterStdout = "stdout"
	exporterNone   = "none"
)

// Synthesis runs from tens of milliseconds for a cached voice to most of a
// minute when weights are downloaded first.
var synthesisBucketsMS = []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

// setupTelemetry installs global trace and meter providers tagged with the
// run and worker mode. The returned handler serves Prometheus metrics and is
// nil when the exporter could not be created.
func setupTelemetry(cfg config.Config, runID string, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := newResource(ctx, cfg, runID)
	if err != nil {
		return nil, nil, err
	}

	traceProvider, err := initTracer(ctx, cfg, res, logger)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(traceProvider)

	meterProvider, metricHandler := initMetrics(res, logger)
	otel.SetMeterProvider(meterProvider)

	shutdown := func(ctx context.Context) error {
		return errors.Join(meterProvider.Shutdown(ctx), traceProvider.Shutdown(ctx))
	}
	return shutdown, metricHandler, nil
}

func newResource(ctx context.Context, cfg config.Config, runID string) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			semconv.ServiceInstanceID(runID),
			attribute.String("deployment.environment", cfg.Environment),
			attribute.String("loqa.piper.worker.mode", cfg.Worker.Mode),
		),
	)
}

// traceExporter picks where spans go: OTLP when an endpoint is configured,
// stdout only on request, otherwise nowhere.
func traceExporter(cfg config.TelemetryConfig) string {
	switch {
	case strings.TrimSpace(cfg.OTLPEndpoint) != "":
		return exporterOTLP
	case cfg.StdoutTraces:
		return exporterStdout
	default:
		return exporterNone
	}
}

func initTracer(ctx context.Context, cfg config.Config, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	kind := traceExporter(cfg.Telemetry)
	var exporter sdktrace.SpanExporter
	switch kind {
	case exporterOTLP:
		endpoint := strings.TrimSpace(cfg.Telemetry.OTLPEndpoint)
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Telemetry.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		exporter = exp
	case exporterStdout:
		exp, err := stdouttrace.New()
		if err != nil {
			return nil, err
		}
		exporter = exp
	default:
		logger.Info("telemetry initialized", slog.String("exporter", exporterNone))
		return sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.NeverSample()),
			sdktrace.WithResource(res),
		), nil
	}

	logger.Info("telemetry initialized", slog.String("exporter", kind))
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

func initMetrics(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	latencyView := sdkmetric.NewView(
		sdkmetric.Instrument{Name: "loqa.piper.synthesis_ms"},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: synthesisBucketsMS}},
	)

	promExporter, err := prometheus.New()
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithView(latencyView)), nil
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
		sdkmetric.WithView(latencyView),
	)
	return provider, promhttp.Handler()
}
