package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/SkynetNext/iot-gateway/internal/logger"
	"github.com/SkynetNext/iot-gateway/internal/metrics"
	"github.com/SkynetNext/iot-gateway/internal/model"
	"github.com/SkynetNext/iot-gateway/internal/queue"
	"github.com/SkynetNext/iot-gateway/internal/registry"
	"github.com/SkynetNext/iot-gateway/internal/retry"
	"go.uber.org/zap"
)

// MaxDeviceIDLength is the longest device id accepted in an identify frame
const MaxDeviceIDLength = 64

var (
	// ErrInvalidDeviceID is returned for identify payloads that cannot be a device id
	ErrInvalidDeviceID = errors.New("invalid device id")
)

// ValidateDeviceID checks an identify payload
func ValidateDeviceID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if len(id) > MaxDeviceIDLength {
		return fmt.Errorf("%w: %d bytes (max: %d)", ErrInvalidDeviceID, len(id), MaxDeviceIDLength)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%w: not UTF-8", ErrInvalidDeviceID)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: contains whitespace or control characters", ErrInvalidDeviceID)
		}
	}
	return nil
}

// identify handles an identify frame: Accepted -> Identified.
// A device may identify again; the new id replaces the old pairing.
func (g *Gateway) identify(ctx context.Context, conn *registry.Connection, payload []byte) {
	id := string(payload)
	if err := ValidateDeviceID(id); err != nil {
		metrics.FramesDropped.WithLabelValues("invalid_id").Inc()
		logger.WarnWithTrace(ctx, "rejecting identify frame",
			zap.String("remote_addr", conn.Addr()),
			zap.Error(err),
		)
		return
	}

	err := retry.Do(ctx, g.bindRetry, func() error {
		return g.store.BindSession(ctx, g.node, conn.Addr(), id)
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("bind_session").Inc()
		logger.ErrorWithTrace(ctx, "failed to write session index, downlinks will not reach the device",
			zap.String("remote_addr", conn.Addr()),
			zap.String("device_id", id),
			zap.Error(err),
		)
	}

	wasBound := conn.DeviceID() != ""
	conn.Bind(id)
	if !wasBound {
		metrics.IdentifiedDevices.Inc()
	}

	logger.InfoWithTrace(ctx, "device identified",
		zap.String("remote_addr", conn.Addr()),
		zap.String("device_id", id),
		zap.Bool("rebind", wasBound),
	)
}

// forward publishes a telemetry frame for the storage and warning pipelines
func (g *Gateway) forward(ctx context.Context, conn *registry.Connection, payload []byte) {
	id := conn.DeviceID()
	if id == "" {
		metrics.FramesDropped.WithLabelValues("unidentified").Inc()
		logger.WarnWithTrace(ctx, "dropping telemetry from unidentified connection",
			zap.String("remote_addr", conn.Addr()),
			zap.Int("size", len(payload)),
		)
		return
	}
	if !utf8.Valid(payload) {
		metrics.FramesDropped.WithLabelValues("invalid_utf8").Inc()
		logger.WarnWithTrace(ctx, "dropping telemetry with invalid UTF-8 payload",
			zap.String("remote_addr", conn.Addr()),
			zap.String("device_id", id),
		)
		return
	}

	msg, err := json.Marshal(model.TcpMessage{UID: id, Message: string(payload)})
	if err != nil {
		metrics.FramesDropped.WithLabelValues("encode").Inc()
		logger.ErrorWithTrace(ctx, "failed to encode telemetry message",
			zap.String("device_id", id),
			zap.Error(err),
		)
		return
	}

	if err := g.uplink.Publish(ctx, queue.PreTCPHandler, msg); err != nil {
		metrics.FramesDropped.WithLabelValues("publish_failed").Inc()
		logger.ErrorWithTrace(ctx, "failed to publish telemetry",
			zap.String("remote_addr", conn.Addr()),
			zap.String("device_id", id),
			zap.String("queue", queue.PreTCPHandler),
			zap.Error(err),
		)
		return
	}
	conn.SetState(registry.StateActive)
}
