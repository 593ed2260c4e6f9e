package warning

import (
	"context"
	"errors"
	"testing"

	"github.com/SkynetNext/iot-gateway/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	queue   string
	payload []byte
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, q string, payload []byte) error {
	f.queue, f.payload = q, payload
	return f.err
}

func TestRelay_ForwardsUnchanged(t *testing.T) {
	pub := &fakePublisher{}
	payload := []byte(`{"device_uid":"101","data":[{"name":"t","value":"1"}]}`)

	require.NoError(t, NewRelay(pub).Handle(context.Background(), payload))
	assert.Equal(t, "waring_notice", pub.queue)
	assert.Equal(t, payload, pub.payload)
}

func TestRelay_Malformed(t *testing.T) {
	pub := &fakePublisher{}
	r := NewRelay(pub)

	assert.ErrorIs(t, r.Handle(context.Background(), []byte(`[`)), queue.ErrMalformed)
	assert.ErrorIs(t, r.Handle(context.Background(), []byte(`{"data":[]}`)), queue.ErrMalformed)
	assert.Empty(t, pub.queue)
}

func TestRelay_PublishError(t *testing.T) {
	cause := errors.New("nats: no responders available")
	err := NewRelay(&fakePublisher{err: cause}).Handle(context.Background(), []byte(`{"device_uid":"101"}`))
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, queue.ErrMalformed)
}
