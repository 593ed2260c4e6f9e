package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/SkynetNext/iot-gateway/internal/model"
	"github.com/SkynetNext/iot-gateway/internal/queue"
	"github.com/SkynetNext/iot-gateway/internal/schema"
	"github.com/SkynetNext/iot-gateway/internal/tsdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	mappings map[string]schema.Mapping
	err      error
}

func (f *fakeResolver) Resolve(context.Context, string, string) (map[string]schema.Mapping, error) {
	return f.mappings, f.err
}

type fakeWriter struct {
	records []tsdb.Record
	err     error
}

func (f *fakeWriter) Write(_ context.Context, rec tsdb.Record) error {
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

func newTestPipeline(resolver SchemaResolver, writer tsdb.Writer) *Pipeline {
	p := NewPipeline(Config{BucketPrefix: "iot", DefaultProtocol: "TCP"}, resolver, writer)
	p.now = func() time.Time { return time.Unix(1700000010, 0) }
	return p
}

func strPtr(s string) *string { return &s }

func TestBucketName(t *testing.T) {
	assert.Equal(t, "iot_MQTT_1", BucketName("iot", "MQTT", 101))
	assert.Equal(t, "iot_TCP_0", BucketName("iot", "TCP", 0))
	assert.Equal(t, "iot_TCP_95", BucketName("iot", "TCP", 4294967295))
	assert.Equal(t, BucketName("p", "TCP", 12345), BucketName("p", "TCP", 12345))
}

func TestMeasurementName(t *testing.T) {
	assert.Equal(t, "MQTT_101_A7", MeasurementName("MQTT", "101", "A7"))
}

func TestProcess_WritesExactFieldSet(t *testing.T) {
	resolver := &fakeResolver{mappings: map[string]schema.Mapping{
		"temperature": {TargetID: 42, Kind: schema.KindNumeric},
		"status":      {TargetID: 43, Kind: schema.KindText},
	}}
	writer := &fakeWriter{}
	p := newTestPipeline(resolver, writer)

	err := p.Process(context.Background(), &model.Batch{
		Time:               1700000000,
		DeviceUID:          "101",
		IdentificationCode: "A7",
		Protocol:           strPtr("MQTT"),
		Data: []model.DataRow{
			{Name: "temperature", Value: "3.14"},
			{Name: "status", Value: "abc"},
			{Name: "unknown", Value: "1"},
		},
	})
	require.NoError(t, err)
	require.Len(t, writer.records, 1)

	rec := writer.records[0]
	assert.Equal(t, "iot_MQTT_1", rec.Bucket)
	assert.Equal(t, "MQTT_101_A7", rec.Measurement)
	assert.Equal(t, time.Unix(1700000010, 0), rec.Time)
	assert.Equal(t, map[string]interface{}{
		"storage_time":         int64(1700000010),
		"push_time":            int64(1700000000),
		"transmission_latency": int64(10),
		"42":                   3.14,
		"43":                   "abc",
	}, rec.Fields)
}

func TestProcess_UnparsableNumericSkipped(t *testing.T) {
	resolver := &fakeResolver{mappings: map[string]schema.Mapping{
		"a": {TargetID: 1, Kind: schema.KindNumeric},
		"b": {TargetID: 2, Kind: schema.KindNumeric},
		"c": {TargetID: 3, Kind: schema.KindNumeric},
	}}
	writer := &fakeWriter{}
	p := newTestPipeline(resolver, writer)

	err := p.Process(context.Background(), &model.Batch{
		DeviceUID: "7",
		Data: []model.DataRow{
			{Name: "a", Value: "not-a-number"},
			{Name: "b", Value: "12"},
			{Name: "c", Value: "NaN"},
		},
	})
	require.NoError(t, err)
	require.Len(t, writer.records, 1)

	fields := writer.records[0].Fields
	assert.NotContains(t, fields, "1")
	assert.NotContains(t, fields, "3")
	assert.Equal(t, 12.0, fields["2"])
	assert.Len(t, fields, 4)
}

func TestProcess_DefaultProtocol(t *testing.T) {
	writer := &fakeWriter{}
	p := newTestPipeline(&fakeResolver{}, writer)

	require.NoError(t, p.Process(context.Background(), &model.Batch{DeviceUID: "250", IdentificationCode: "x"}))
	require.Len(t, writer.records, 1)
	assert.Equal(t, "iot_TCP_50", writer.records[0].Bucket)
	assert.Equal(t, "TCP_250_x", writer.records[0].Measurement)
}

func TestProcess_SchemaUnavailable(t *testing.T) {
	writer := &fakeWriter{}
	p := newTestPipeline(&fakeResolver{err: errors.New("connection refused")}, writer)

	err := p.Process(context.Background(), &model.Batch{DeviceUID: "101"})
	assert.ErrorIs(t, err, ErrSchemaUnavailable)
	assert.Empty(t, writer.records)
}

func TestProcess_InvalidDeviceID(t *testing.T) {
	for _, uid := range []string{"abc", "-1", "4294967296", ""} {
		t.Run(uid, func(t *testing.T) {
			writer := &fakeWriter{}
			p := newTestPipeline(&fakeResolver{}, writer)

			err := p.Process(context.Background(), &model.Batch{DeviceUID: uid})
			assert.ErrorIs(t, err, ErrInvalidDeviceID)
			assert.Empty(t, writer.records)
		})
	}
}

func TestProcess_WriteErrorReturned(t *testing.T) {
	cause := errors.New("bucket not found")
	p := newTestPipeline(&fakeResolver{}, &fakeWriter{err: cause})

	err := p.Process(context.Background(), &model.Batch{DeviceUID: "101"})
	assert.ErrorIs(t, err, cause)
}

func TestHandleMessage(t *testing.T) {
	resolver := &fakeResolver{mappings: map[string]schema.Mapping{
		"t": {TargetID: 9, Kind: schema.KindNumeric},
	}}

	t.Run("valid", func(t *testing.T) {
		writer := &fakeWriter{}
		p := newTestPipeline(resolver, writer)
		err := p.HandleMessage(context.Background(), []byte(
			`{"time":1700000000,"device_uid":"101","identification_code":"A","data":[{"name":"t","value":21.5}],"nc":"n","protocol":"MQTT"}`))
		require.NoError(t, err)
		require.Len(t, writer.records, 1)
		assert.Equal(t, 21.5, writer.records[0].Fields["9"])
	})

	t.Run("undecodable", func(t *testing.T) {
		p := newTestPipeline(resolver, &fakeWriter{})
		err := p.HandleMessage(context.Background(), []byte(`{"time":`))
		assert.ErrorIs(t, err, queue.ErrMalformed)
	})

	t.Run("invalid device id", func(t *testing.T) {
		p := newTestPipeline(resolver, &fakeWriter{})
		err := p.HandleMessage(context.Background(), []byte(`{"device_uid":"dev-x"}`))
		assert.ErrorIs(t, err, queue.ErrMalformed)
		assert.ErrorIs(t, err, ErrInvalidDeviceID)
	})

	t.Run("schema unavailable is not malformed", func(t *testing.T) {
		p := newTestPipeline(&fakeResolver{err: errors.New("timeout")}, &fakeWriter{})
		err := p.HandleMessage(context.Background(), []byte(`{"device_uid":"101"}`))
		assert.ErrorIs(t, err, ErrSchemaUnavailable)
		assert.NotErrorIs(t, err, queue.ErrMalformed)
	})
}
