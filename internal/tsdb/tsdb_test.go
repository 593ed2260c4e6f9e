package tsdb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriteAPI struct {
	api.WriteAPIBlocking
	points []*write.Point
	err    error
}

func (f *fakeWriteAPI) WritePoint(_ context.Context, points ...*write.Point) error {
	if f.err != nil {
		return f.err
	}
	f.points = append(f.points, points...)
	return nil
}

func newTestWriter() (*InfluxWriter, map[string]*fakeWriteAPI) {
	created := make(map[string]*fakeWriteAPI)
	w := &InfluxWriter{
		org:     "acme",
		writers: make(map[string]api.WriteAPIBlocking),
		newWriteAPI: func(org, bucket string) api.WriteAPIBlocking {
			f := &fakeWriteAPI{}
			created[org+"/"+bucket] = f
			return f
		},
	}
	return w, created
}

func TestInfluxWriter_CachesWriteAPIPerBucket(t *testing.T) {
	w, created := newTestWriter()
	ctx := context.Background()
	at := time.Unix(1700000000, 0)

	require.NoError(t, w.Write(ctx, Record{Bucket: "iot_TCP_1", Measurement: "m1", Fields: map[string]interface{}{"a": 1.0}, Time: at}))
	require.NoError(t, w.Write(ctx, Record{Bucket: "iot_TCP_1", Measurement: "m2", Fields: map[string]interface{}{"a": 2.0}, Time: at}))
	require.NoError(t, w.Write(ctx, Record{Bucket: "iot_TCP_2", Measurement: "m3", Fields: map[string]interface{}{"a": 3.0}, Time: at}))

	require.Len(t, created, 2)
	assert.Len(t, created["acme/iot_TCP_1"].points, 2)
	assert.Len(t, created["acme/iot_TCP_2"].points, 1)
}

func TestInfluxWriter_WriteError(t *testing.T) {
	w, _ := newTestWriter()
	w.writers["iot_TCP_1"] = &fakeWriteAPI{err: errors.New("503 service unavailable")}

	err := w.Write(context.Background(), Record{Bucket: "iot_TCP_1", Measurement: "m", Fields: map[string]interface{}{"a": 1.0}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "iot_TCP_1")
}

func TestBuildPoint(t *testing.T) {
	at := time.Unix(1700000000, 0)
	p := BuildPoint(Record{
		Measurement: "TCP_101_A",
		Tags:        map[string]string{"nc": "n1"},
		Fields:      map[string]interface{}{"storage_time": int64(10), "42": 3.14},
		Time:        at,
	})

	assert.Equal(t, "TCP_101_A", p.Name())
	assert.Equal(t, at, p.Time())
	require.Len(t, p.TagList(), 1)
	assert.Equal(t, "nc", p.TagList()[0].Key)

	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, int64(10), fields["storage_time"])
	assert.Equal(t, 3.14, fields["42"])
}
