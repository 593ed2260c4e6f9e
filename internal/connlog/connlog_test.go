package connlog

import (
	"context"
	"testing"
	"time"

	"github.com/SkynetNext/iot-gateway/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zap.InfoLevel)
	prev := logger.L
	logger.L = zap.New(core)
	t.Cleanup(func() { logger.L = prev })
	return logs
}

func TestRecord_DirectWithoutInit(t *testing.T) {
	logs := observe(t)

	Record(context.Background(), &Entry{RemoteAddr: "10.0.0.1:5000", DeviceID: "dev-1", Status: StatusClosed})

	entries := logs.FilterMessage("connection_log").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "10.0.0.1:5000", fields["remote_addr"])
	assert.Equal(t, "dev-1", fields["device_id"])
	assert.Equal(t, "closed", fields["status"])
	assert.NotContains(t, fields, "error")
}

func TestRecord_BatchedFlushOnShutdown(t *testing.T) {
	logs := observe(t)

	Init(100, time.Hour)
	Init(100, time.Hour) // second call ignored
	for i := 0; i < 5; i++ {
		Record(context.Background(), &Entry{RemoteAddr: "10.0.0.1:5000", Status: StatusEvicted})
	}
	Shutdown()

	assert.Equal(t, 5, logs.FilterMessage("connection_log").Len())

	// Shutdown twice is safe
	Shutdown()
}

func TestRecord_FlushOnBatchSize(t *testing.T) {
	logs := observe(t)

	Init(2, time.Hour)
	defer Shutdown()
	Record(context.Background(), &Entry{RemoteAddr: "a", Status: StatusRejected})
	Record(context.Background(), &Entry{RemoteAddr: "b", Status: StatusRejected})

	require.Eventually(t, func() bool {
		return logs.FilterMessage("connection_log").Len() == 2
	}, time.Second, time.Millisecond)
}
