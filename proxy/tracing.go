package proxy

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/nullstream/ollama-lmstudio-proxy/proxy")

// InitTracing wires a span exporter for the resolve/translate/backend-call/
// stream pipeline. An empty endpoint still creates spans (so startSpan
// callers never need a nil check) but discards them instead of exporting,
// since a tracer provider with no batcher just drops what it starts.
func InitTracing(serviceName, otlpEndpoint string) (func(context.Context) error, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, err
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}

	if otlpEndpoint != "" {
		endpoint := strings.TrimPrefix(strings.TrimPrefix(otlpEndpoint, "https://"), "http://")
		exporter, err := otlptracehttp.New(context.Background(),
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, err
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	tracer = tp.Tracer("github.com/nullstream/ollama-lmstudio-proxy/proxy")

	return tp.Shutdown, nil
}

// startSpan begins a span named for the pipeline stage (resolve, translate,
// backend-call, stream) a request is entering.
func startSpan(ctx context.Context, stage, clientModel string) (context.Context, trace.Span) {
	return tracer.Start(ctx, stage, trace.WithAttributes(
		attribute.String("proxy.client_model", clientModel),
	))
}
