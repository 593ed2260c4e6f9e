package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zap.InfoLevel)
	prev := L
	L = zap.New(core)
	t.Cleanup(func() { L = prev })
	return logs
}

func TestWithTrace_AddsIDsOfValidSpan(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	logs := observe(t)
	InfoWithTrace(ctx, "device connected", zap.String("remote_addr", "10.0.0.1:5000"))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "10.0.0.1:5000", fields["remote_addr"])
	assert.Equal(t, "0102030405060708090a0b0c0d0e0f10", fields["trace_id"])
	assert.Equal(t, "0102030405060708", fields["span_id"])
}

func TestWithTrace_NoSpan(t *testing.T) {
	logs := observe(t)
	WarnWithTrace(context.Background(), "frame too large")

	require.Equal(t, 1, logs.Len())
	assert.NotContains(t, logs.All()[0].ContextMap(), "trace_id")
}

func TestDebugWithTrace_BelowLevelIsDropped(t *testing.T) {
	logs := observe(t)
	DebugWithTrace(context.Background(), "ignoring unknown frame type")
	assert.Equal(t, 0, logs.Len())
}

func TestInit_UnknownLevelFallsBackToInfo(t *testing.T) {
	prev := L
	t.Cleanup(func() { L = prev })

	require.NoError(t, Init("verbose", "console"))
	assert.True(t, L.Core().Enabled(zap.InfoLevel))
	assert.False(t, L.Core().Enabled(zap.DebugLevel))
}
