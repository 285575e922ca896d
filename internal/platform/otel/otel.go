// Package otel wires OpenTelemetry tracing and metrics for a probe run.
package otel

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// consoleOut receives console spans. stdout is reserved for the run report.
var consoleOut io.Writer = os.Stderr

// ShutdownFn flushes and stops a provider.
type ShutdownFn func(context.Context) error

// Init builds a tracer provider for serviceName.
//
// Exporter selection:
//   - OTEL_EXPORTER_OTLP_ENDPOINT set: OTLP, over OTEL_EXPORTER_OTLP_PROTOCOL
//     ("grpc" default, or "http/protobuf"); OTEL_EXPORTER_OTLP_INSECURE=true
//     disables TLS for grpc.
//   - OTEL_TRACES_EXPORTER=console: pretty-printed spans on stdout.
//   - otherwise: a no-op provider.
//
// The provider is returned rather than installed globally.
func Init(ctx context.Context, serviceName string, extraAttrs ...attribute.KeyValue) (trace.TracerProvider, ShutdownFn, error) {
	exp, err := newTraceExporter(ctx)
	if err != nil {
		return nil, nil, err
	}
	if exp == nil {
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(
		ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithAttributes(extraAttrs...),
	)
	if err != nil {
		_ = exp.Shutdown(ctx)
		return nil, nil, err
	}

	// One short run per process: a small batch flushed on shutdown.
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exp,
			sdktrace.WithBatchTimeout(time.Second),
			sdktrace.WithMaxExportBatchSize(64),
		),
	)
	return tp, tp.Shutdown, nil
}

func newTraceExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint == "" {
		if strings.EqualFold(strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")), "console") {
			return stdouttrace.New(stdouttrace.WithWriter(consoleOut), stdouttrace.WithPrettyPrint())
		}
		return nil, nil
	}

	proto := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL"))
	switch strings.ToLower(proto) {
	case "", "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(endpoint),
		}
		if strings.EqualFold(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"), "true") {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	case "http/protobuf", "http":
		return otlptrace.New(ctx, otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(endpoint),
		))
	default:
		return nil, errors.New("otel: unsupported OTEL_EXPORTER_OTLP_PROTOCOL: " + proto)
	}
}
