package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
// A nil *Telemetry is valid and records nothing.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	exporter       *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Business Metrics
	downloadsTotal      metric.Int64Counter
	downloadsActive     metric.Int64UpDownCounter
	downloadDuration    metric.Float64Histogram
	partsTotal          metric.Int64Counter
	bytesTotal          metric.Int64Counter
	probesTotal         metric.Int64Counter
	dbOperationsTotal   metric.Int64Counter
	dbOperationDuration metric.Float64Histogram
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint, when set, pushes metrics to an OTLP gRPC collector
	// in addition to the Prometheus endpoint.
	OTLPEndpoint string
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithReader(exporter)}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp metric exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	tracerProvider := sdktrace.NewTracerProvider()

	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)

	if err := otelruntime.Start(otelruntime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName, trace.WithInstrumentationVersion(cfg.ServiceVersion)),
		meter:          meterProvider.Meter(cfg.ServiceName, metric.WithInstrumentationVersion(cfg.ServiceVersion)),
		exporter:       exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer, falling back to the global one.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("aurora_downloader")
	}

	return t.tracer
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if t == nil || t.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
}

func (t *Telemetry) addInFlight(delta int64) {
	if t == nil || t.httpRequestsInFlight == nil {
		return
	}

	t.httpRequestsInFlight.Add(context.Background(), delta)
}

// RecordDownload records the terminal outcome of one item.
func (t *Telemetry) RecordDownload(status, strategy string, duration time.Duration) {
	if t == nil || t.downloadsTotal == nil {
		return
	}

	t.downloadsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("strategy", strategy),
	))
	t.downloadDuration.Record(context.Background(), duration.Seconds(), metric.WithAttributes(
		attribute.String("status", status),
	))
}

func (t *Telemetry) addActiveDownloads(delta int64) {
	if t == nil || t.downloadsActive == nil {
		return
	}

	t.downloadsActive.Add(context.Background(), delta)
}

// RecordPart records the outcome of one byte-range part.
func (t *Telemetry) RecordPart(status string) {
	if t == nil || t.partsTotal == nil {
		return
	}

	t.partsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordBytes adds n to the received bytes counter.
func (t *Telemetry) RecordBytes(n int64) {
	if t == nil || t.bytesTotal == nil || n <= 0 {
		return
	}

	t.bytesTotal.Add(context.Background(), n)
}

// RecordProbe records whether a capability probe succeeded or degraded.
func (t *Telemetry) RecordProbe(result string) {
	if t == nil || t.probesTotal == nil {
		return
	}

	t.probesTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	if t == nil || t.dbOperationsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.dbOperationsTotal.Add(context.Background(), 1, attrs)
	t.dbOperationDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	if err := t.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}

	return t.meterProvider.Shutdown(ctx)
}

func (t *Telemetry) initializeMetrics() error {
	var err error

	if t.httpRequestsTotal, err = t.meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	if t.httpRequestDuration, err = t.meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	if t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter("http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	if t.downloadsTotal, err = t.meter.Int64Counter("downloads_total",
		metric.WithDescription("Total number of finished downloads by terminal status"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create downloads_total counter: %w", err)
	}

	if t.downloadsActive, err = t.meter.Int64UpDownCounter("downloads_active",
		metric.WithDescription("Number of downloads holding a concurrency slot"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create downloads_active counter: %w", err)
	}

	if t.downloadDuration, err = t.meter.Float64Histogram("download_duration_seconds",
		metric.WithDescription("Download duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return fmt.Errorf("failed to create download_duration histogram: %w", err)
	}

	if t.partsTotal, err = t.meter.Int64Counter("download_parts_total",
		metric.WithDescription("Total number of byte-range parts fetched"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create download_parts_total counter: %w", err)
	}

	if t.bytesTotal, err = t.meter.Int64Counter("download_bytes_total",
		metric.WithDescription("Total number of bytes received"),
		metric.WithUnit("By"),
	); err != nil {
		return fmt.Errorf("failed to create download_bytes_total counter: %w", err)
	}

	if t.probesTotal, err = t.meter.Int64Counter("probe_total",
		metric.WithDescription("Total number of capability probes by result"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create probe_total counter: %w", err)
	}

	if t.dbOperationsTotal, err = t.meter.Int64Counter("db_operations_total",
		metric.WithDescription("Total number of database operations"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create db_operations_total counter: %w", err)
	}

	if t.dbOperationDuration, err = t.meter.Float64Histogram("db_operation_duration_seconds",
		metric.WithDescription("Database operation duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return fmt.Errorf("failed to create db_operation_duration histogram: %w", err)
	}

	return nil
}
