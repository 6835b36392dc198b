// Package telemetry boots the OpenTelemetry tracer. Spans cover the hot
// paths: dispatch execution, effect delivery, routine evaluation. Export
// goes over OTLP HTTP when an endpoint is configured via the standard
// OTEL env vars; without one the global provider stays a no-op and spans
// cost nothing.
package telemetry

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/crewhq/crewd"

// Init installs the OTLP trace provider when OTEL_EXPORTER_OTLP_ENDPOINT
// (or its traces-specific variant) is set. The returned shutdown flushes
// buffered spans and must run on exit.
func Init(ctx context.Context, serviceName, version string) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" &&
		os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT") == "" {
		return noop, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, err
	}

	exp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown, nil
}

// Tracer returns the process tracer. Before Init, or without an exporter
// endpoint, this is the global no-op tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(scopeName)
}
