// Package tracing configures OpenTelemetry with a Jaeger collector exporter.
// Without Init every span is a no-op.
package tracing

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/SkynetNext/iot-gateway"

// sampleRatio applies to root spans; telemetry connections are long lived and numerous
const sampleRatio = 0.1

var provider *tracesdk.TracerProvider

// Init installs the global tracer provider.
// endpoint is the collector HTTP endpoint, e.g. http://jaeger:14268/api/traces.
// An empty endpoint leaves tracing disabled.
func Init(serviceName, serviceVersion, nodeName, endpoint string) error {
	if endpoint == "" {
		return nil
	}

	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(serviceAttributes(serviceName, serviceVersion, nodeName)...),
	)
	if err != nil {
		return fmt.Errorf("failed to build tracing resource: %w", err)
	}

	provider = tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exporter),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(sampleRatio))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func serviceAttributes(name, version, node string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.ServiceVersion(version),
	}
	if node != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(node))
	}
	if ns := os.Getenv("POD_NAMESPACE"); ns != "" {
		attrs = append(attrs, semconv.ServiceNamespace(ns))
	}
	return attrs
}

// StartSpan starts a span on the global provider
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Shutdown flushes pending spans. It is a no-op when tracing is disabled.
func Shutdown(ctx context.Context) error {
	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}
