package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

var tracerProvider *sdktrace.TracerProvider

// traceSettings is the exporter setup read from the standard OTEL_* variables.
type traceSettings struct {
	endpoint string
	insecure bool
	ratio    float64
}

func loadTraceSettings() traceSettings {
	ts := traceSettings{
		endpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		insecure: true,
		ratio:    1,
	}
	if v, err := strconv.ParseBool(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); err == nil {
		ts.insecure = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("OTEL_TRACES_SAMPLER_ARG"), 64); err == nil && v >= 0 && v <= 1 {
		ts.ratio = v
	}
	return ts
}

func (ts traceSettings) sampler() sdktrace.Sampler {
	switch {
	case ts.ratio >= 1:
		return sdktrace.AlwaysSample()
	case ts.ratio <= 0:
		return sdktrace.NeverSample()
	default:
		// child spans of a sampled job stay sampled
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ts.ratio))
	}
}

// InitTracing installs an OTLP/gRPC tracer provider. Without OTEL_EXPORTER_OTLP_ENDPOINT
// tracing stays a no-op and the returned shutdown does nothing.
func InitTracing(serviceName, serviceVersion string) (func(), error) {
	ts := loadTraceSettings()
	if ts.endpoint == "" {
		slog.Info("tracing disabled: OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(ts.endpoint)}
	if ts.insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(ts.sampler()),
	)
	otel.SetTracerProvider(tracerProvider)
	slog.Info("tracing initialized",
		slog.String("service", serviceName),
		slog.String("endpoint", ts.endpoint),
		slog.Float64("sample_ratio", ts.ratio))

	return func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shutdown tracer provider", slog.Any("err", err))
		}
	}, nil
}

// StartSpan starts a span tagged with the request's correlation ID, if any.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if corr := GetCorrelation(ctx); corr != "" {
		attrs = append(attrs, attribute.String("correlation_id", corr))
	}
	return otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError marks span failed. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

func HTTPMethodAttr(method string) attribute.KeyValue { return semconv.HTTPMethod(method) }
func HTTPRouteAttr(route string) attribute.KeyValue   { return semconv.HTTPRoute(route) }
func HTTPURLAttr(u string) attribute.KeyValue         { return attribute.String("http.url", u) }

// SetSpanHTTPStatus records the response status code on span.
func SetSpanHTTPStatus(span trace.Span, status int) {
	span.SetAttributes(semconv.HTTPStatusCode(status))
}

// ErrorStatus returns the span status used for failed requests.
func ErrorStatus(msg string) (codes.Code, string) { return codes.Error, msg }

// JobAttrs describes a scheduler job on a span.
func JobAttrs(id, kind string, chatID int64, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("job.id", id),
		attribute.String("job.kind", kind),
		attribute.Int64("chat.id", chatID),
		attribute.Int("job.attempt", attempt),
	}
}

// ToolAttrs describes an external program invocation.
func ToolAttrs(tool string, argc int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("tool.name", tool),
		attribute.Int("tool.argc", argc),
	}
}

// SetToolExit records a finished program's exit code.
func SetToolExit(span trace.Span, code int) {
	span.SetAttributes(attribute.Int("tool.exit_code", code))
}
