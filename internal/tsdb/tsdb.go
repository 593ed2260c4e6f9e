// Package tsdb writes telemetry records into InfluxDB v2.
package tsdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/SkynetNext/iot-gateway/internal/config"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Record is one time-series point
type Record struct {
	Bucket      string
	Measurement string
	Tags        map[string]string
	Fields      map[string]interface{}
	Time        time.Time
}

// Writer persists records
type Writer interface {
	Write(ctx context.Context, rec Record) error
}

// InfluxWriter writes records through the blocking write API, one per bucket
type InfluxWriter struct {
	client influxdb2.Client
	org    string

	mu      sync.Mutex
	writers map[string]api.WriteAPIBlocking

	// newWriteAPI is replaced in tests
	newWriteAPI func(org, bucket string) api.WriteAPIBlocking
}

// NewInfluxWriter creates a writer for the server described by cfg
func NewInfluxWriter(cfg *config.InfluxConfig) *InfluxWriter {
	opts := influxdb2.DefaultOptions()
	if cfg.WriteTimeout > 0 {
		opts.SetHTTPRequestTimeout(uint(cfg.WriteTimeout / time.Second))
	}
	client := influxdb2.NewClientWithOptions(cfg.URL(), cfg.Token, opts)

	return &InfluxWriter{
		client:      client,
		org:         cfg.Org,
		writers:     make(map[string]api.WriteAPIBlocking),
		newWriteAPI: client.WriteAPIBlocking,
	}
}

// Ping checks that the server is reachable
func (w *InfluxWriter) Ping(ctx context.Context) error {
	ok, err := w.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping InfluxDB: %w", err)
	}
	if !ok {
		return fmt.Errorf("InfluxDB is not ready")
	}
	return nil
}

// Close releases the client resources
func (w *InfluxWriter) Close() {
	if w.client != nil {
		w.client.Close()
	}
}

// Write writes rec as one point into rec.Bucket
func (w *InfluxWriter) Write(ctx context.Context, rec Record) error {
	if err := w.writeAPI(rec.Bucket).WritePoint(ctx, BuildPoint(rec)); err != nil {
		return fmt.Errorf("failed to write %s into %s: %w", rec.Measurement, rec.Bucket, err)
	}
	return nil
}

// writeAPI returns the cached write API of bucket, creating it on first use
func (w *InfluxWriter) writeAPI(bucket string) api.WriteAPIBlocking {
	w.mu.Lock()
	defer w.mu.Unlock()
	if wa, ok := w.writers[bucket]; ok {
		return wa
	}
	wa := w.newWriteAPI(w.org, bucket)
	w.writers[bucket] = wa
	return wa
}

// BuildPoint converts a record into an InfluxDB point
func BuildPoint(rec Record) *write.Point {
	return write.NewPoint(rec.Measurement, rec.Tags, rec.Fields, rec.Time)
}
