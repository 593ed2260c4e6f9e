// Package storage turns telemetry batches into typed time-series records.
package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/SkynetNext/iot-gateway/internal/logger"
	"github.com/SkynetNext/iot-gateway/internal/metrics"
	"github.com/SkynetNext/iot-gateway/internal/model"
	"github.com/SkynetNext/iot-gateway/internal/queue"
	"github.com/SkynetNext/iot-gateway/internal/schema"
	"github.com/SkynetNext/iot-gateway/internal/tracing"
	"github.com/SkynetNext/iot-gateway/internal/tsdb"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var (
	// ErrSchemaUnavailable is returned when the signal schema cannot be read
	ErrSchemaUnavailable = errors.New("signal schema unavailable")

	// ErrInvalidDeviceID is returned when a device uid is not an unsigned 32-bit number
	ErrInvalidDeviceID = errors.New("invalid device id")
)

// Record field names present on every record
const (
	FieldStorageTime         = "storage_time"
	FieldPushTime            = "push_time"
	FieldTransmissionLatency = "transmission_latency"
)

// SchemaResolver resolves the signal schema of a device
type SchemaResolver interface {
	Resolve(ctx context.Context, deviceUID, code string) (map[string]schema.Mapping, error)
}

// Config holds the naming parameters of the pipeline
type Config struct {
	// BucketPrefix is the first component of every bucket name
	BucketPrefix string

	// DefaultProtocol is used when a batch carries no protocol
	DefaultProtocol string
}

// Pipeline stores batches into the time-series store
type Pipeline struct {
	cfg      Config
	resolver SchemaResolver
	writer   tsdb.Writer

	// now is replaced in tests
	now func() time.Time
}

// NewPipeline creates a storage pipeline
func NewPipeline(cfg Config, resolver SchemaResolver, writer tsdb.Writer) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		resolver: resolver,
		writer:   writer,
		now:      time.Now,
	}
}

// BucketName returns {prefix}_{protocol}_{uid mod 100}
func BucketName(prefix, protocol string, uid uint32) string {
	return fmt.Sprintf("%s_%s_%d", prefix, protocol, uid%100)
}

// MeasurementName returns {protocol}_{uid}_{code}
func MeasurementName(protocol, deviceUID, code string) string {
	return protocol + "_" + deviceUID + "_" + code
}

// HandleMessage decodes one queue payload and processes it.
// Undecodable payloads and invalid device ids are reported as queue.ErrMalformed.
func (p *Pipeline) HandleMessage(ctx context.Context, payload []byte) error {
	b, err := model.DecodeBatch(payload)
	if err != nil {
		return fmt.Errorf("%w: decode batch: %w", queue.ErrMalformed, err)
	}
	err = p.Process(ctx, b)
	if errors.Is(err, ErrInvalidDeviceID) {
		return fmt.Errorf("%w: %w", queue.ErrMalformed, err)
	}
	return err
}

// Process resolves the batch schema, builds one record and writes it.
// It never acknowledges anything; the caller owns the message.
func (p *Pipeline) Process(ctx context.Context, b *model.Batch) (err error) {
	protocol := b.ProtocolOr(p.cfg.DefaultProtocol)
	start := time.Now()

	ctx, span := tracing.StartSpan(ctx, "storage.process",
		attribute.String("device.uid", b.DeviceUID),
		attribute.String("device.code", b.IdentificationCode),
		attribute.String("protocol", protocol),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	mappings, err := p.resolver.Resolve(ctx, b.DeviceUID, b.IdentificationCode)
	if err != nil {
		logger.ErrorWithTrace(ctx, "failed to resolve signal schema",
			zap.String("device_uid", b.DeviceUID),
			zap.String("identification_code", b.IdentificationCode),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", ErrSchemaUnavailable, err)
	}

	uid, err := strconv.ParseUint(b.DeviceUID, 10, 32)
	if err != nil {
		logger.WarnWithTrace(ctx, "dropping batch with invalid device uid",
			zap.String("device_uid", b.DeviceUID),
		)
		return fmt.Errorf("%w: %q", ErrInvalidDeviceID, b.DeviceUID)
	}

	rec := p.buildRecord(ctx, b, protocol, uint32(uid), mappings)
	if err := p.writer.Write(ctx, rec); err != nil {
		logger.ErrorWithTrace(ctx, "failed to write record",
			zap.String("device_uid", b.DeviceUID),
			zap.String("bucket", rec.Bucket),
			zap.String("measurement", rec.Measurement),
			zap.Error(err),
		)
		return err
	}

	metrics.RecordsWritten.WithLabelValues(protocol).Inc()
	metrics.StorageLatency.WithLabelValues(protocol).Observe(time.Since(start).Seconds())
	return nil
}

func (p *Pipeline) buildRecord(ctx context.Context, b *model.Batch, protocol string, uid uint32, mappings map[string]schema.Mapping) tsdb.Record {
	now := p.now()
	storageTime := now.Unix()
	latency := storageTime - b.Time
	metrics.TransmissionLatency.Observe(float64(latency))

	fields := make(map[string]interface{}, len(b.Data)+3)
	fields[FieldStorageTime] = storageTime
	fields[FieldPushTime] = b.Time
	fields[FieldTransmissionLatency] = latency

	for _, row := range b.Data {
		m, ok := mappings[row.Name]
		if !ok {
			metrics.IncFieldSkipped("unknown_signal")
			logger.WarnWithTrace(ctx, "skipping unknown signal",
				zap.String("device_uid", b.DeviceUID),
				zap.String("identification_code", b.IdentificationCode),
				zap.String("signal", row.Name),
			)
			continue
		}

		key := strconv.FormatInt(m.TargetID, 10)
		if m.Kind != schema.KindNumeric {
			fields[key] = string(row.Value)
			continue
		}

		f, err := strconv.ParseFloat(string(row.Value), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			metrics.IncFieldSkipped("parse_error")
			logger.WarnWithTrace(ctx, "skipping unparsable numeric value",
				zap.String("device_uid", b.DeviceUID),
				zap.String("signal", row.Name),
				zap.String("value", string(row.Value)),
			)
			continue
		}
		fields[key] = f
	}

	return tsdb.Record{
		Bucket:      BucketName(p.cfg.BucketPrefix, protocol, uid),
		Measurement: MeasurementName(protocol, b.DeviceUID, b.IdentificationCode),
		Fields:      fields,
		Time:        now,
	}
}
