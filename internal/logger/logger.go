// Package logger holds the process-wide zap logger and trace-aware helpers.
package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// L is the process logger. It discards everything until Init runs.
var L = zap.NewNop()

// Init replaces L. Unknown levels fall back to info; format "console"
// selects the human readable encoder, anything else JSON.
func Init(level, format string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "console" {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	built, err := cfg.Build()
	if err != nil {
		return err
	}
	L = built
	return nil
}

// Sync flushes buffered entries
func Sync() {
	_ = L.Sync()
}

// WithTrace appends trace_id and span_id of the span in ctx, if any
func WithTrace(ctx context.Context, fields ...zap.Field) []zap.Field {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return fields
	}
	return append(fields,
		zap.Stringer("trace_id", sc.TraceID()),
		zap.Stringer("span_id", sc.SpanID()),
	)
}

func logWithTrace(ctx context.Context, lvl zapcore.Level, msg string, fields []zap.Field) {
	if ce := L.Check(lvl, msg); ce != nil {
		ce.Write(WithTrace(ctx, fields...)...)
	}
}

func DebugWithTrace(ctx context.Context, msg string, fields ...zap.Field) {
	logWithTrace(ctx, zapcore.DebugLevel, msg, fields)
}

func InfoWithTrace(ctx context.Context, msg string, fields ...zap.Field) {
	logWithTrace(ctx, zapcore.InfoLevel, msg, fields)
}

func WarnWithTrace(ctx context.Context, msg string, fields ...zap.Field) {
	logWithTrace(ctx, zapcore.WarnLevel, msg, fields)
}

func ErrorWithTrace(ctx context.Context, msg string, fields ...zap.Field) {
	logWithTrace(ctx, zapcore.ErrorLevel, msg, fields)
}
