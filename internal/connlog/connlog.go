// Package connlog records one summary line per device connection.
package connlog

import (
	"context"
	"sync"
	"time"

	"github.com/SkynetNext/iot-gateway/internal/logger"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Connection outcomes
const (
	StatusClosed   = "closed"
	StatusEvicted  = "evicted"
	StatusRejected = "rejected"
	StatusError    = "error"
)

// Entry summarizes one device connection
type Entry struct {
	Timestamp  time.Time
	TraceID    string
	SpanID     string
	RemoteAddr string
	Node       string
	DeviceID   string
	DurationMs int64
	Status     string
	FramesIn   int64
	BytesIn    int64
	Error      string
}

func (e *Entry) fields() []zap.Field {
	fields := []zap.Field{
		zap.Time("at", e.Timestamp),
		zap.String("remote_addr", e.RemoteAddr),
		zap.Int64("duration_ms", e.DurationMs),
		zap.String("status", e.Status),
	}
	if e.TraceID != "" {
		fields = append(fields, zap.String("trace_id", e.TraceID), zap.String("span_id", e.SpanID))
	}
	if e.Node != "" {
		fields = append(fields, zap.String("node", e.Node))
	}
	if e.DeviceID != "" {
		fields = append(fields, zap.String("device_id", e.DeviceID))
	}
	if e.FramesIn > 0 {
		fields = append(fields, zap.Int64("frames_in", e.FramesIn), zap.Int64("bytes_in", e.BytesIn))
	}
	if e.Error != "" {
		fields = append(fields, zap.String("error", e.Error))
	}
	return fields
}

// batcher flushes entries in batches from one goroutine
type batcher struct {
	entries       chan *Entry
	batchSize     int
	flushInterval time.Duration
	stop          chan struct{}
	wg            sync.WaitGroup
}

var (
	mu     sync.Mutex
	global *batcher
)

// Init starts the batching writer. Calling Init twice is a no-op.
func Init(batchSize int, flushInterval time.Duration) {
	mu.Lock()
	defer mu.Unlock()
	if global != nil {
		return
	}
	global = &batcher{
		entries:       make(chan *Entry, batchSize*2),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
	}
	global.wg.Add(1)
	go global.run()
}

// Record queues entry without blocking. Entries are written directly
// when Init has not run, and dropped when the buffer is full.
func Record(ctx context.Context, entry *Entry) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		entry.TraceID = span.SpanContext().TraceID().String()
		entry.SpanID = span.SpanContext().SpanID().String()
	}
	entry.Timestamp = time.Now()

	mu.Lock()
	b := global
	mu.Unlock()

	if b == nil {
		logger.L.Info("connection_log", entry.fields()...)
		return
	}

	select {
	case b.entries <- entry:
	default:
		logger.L.Warn("connection log buffer full, dropping entry",
			zap.String("remote_addr", entry.RemoteAddr),
		)
	}
}

// Shutdown flushes pending entries and stops the writer
func Shutdown() {
	mu.Lock()
	b := global
	global = nil
	mu.Unlock()

	if b != nil {
		close(b.stop)
		b.wg.Wait()
	}
}

func (b *batcher) run() {
	defer b.wg.Done()

	batch := make([]*Entry, 0, b.batchSize)
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	flush := func() {
		for _, e := range batch {
			logger.L.Info("connection_log", e.fields()...)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-b.stop:
			// drain what is already queued
			for {
				select {
				case e := <-b.entries:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-b.entries:
			batch = append(batch, e)
			if len(batch) >= b.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
