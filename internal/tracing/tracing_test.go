package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

func TestInit_EmptyEndpointDisablesTracing(t *testing.T) {
	require.NoError(t, Init("iot-gateway", "dev", "node-a", ""))

	ctx, span := StartSpan(context.Background(), "gateway.handle_connection")
	defer span.End()
	assert.False(t, span.SpanContext().IsValid())
	assert.NotNil(t, ctx)
	assert.NoError(t, Shutdown(context.Background()))
}

func TestServiceAttributes(t *testing.T) {
	t.Setenv("POD_NAMESPACE", "edge")

	attrs := serviceAttributes("iot-processor", "1.2.0", "node-a")
	assert.Contains(t, attrs, semconv.ServiceName("iot-processor"))
	assert.Contains(t, attrs, semconv.ServiceInstanceID("node-a"))
	assert.Contains(t, attrs, semconv.ServiceNamespace("edge"))

	assert.Len(t, serviceAttributes("iot-processor", "1.2.0", ""), 3)
}
