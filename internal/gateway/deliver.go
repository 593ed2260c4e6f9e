package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/SkynetNext/iot-gateway/internal/logger"
	"github.com/SkynetNext/iot-gateway/internal/metrics"
	"github.com/SkynetNext/iot-gateway/internal/model"
	"github.com/SkynetNext/iot-gateway/internal/protocol"
	"github.com/SkynetNext/iot-gateway/internal/queue"
	"go.uber.org/zap"
)

// ErrDeviceNotConnected is returned when a device has no open connection on this node
var ErrDeviceNotConnected = errors.New("device not connected to this node")

// Deliver writes a downlink frame to the connection of deviceID.
// The address comes from the session index, the socket from the registry.
func (g *Gateway) Deliver(ctx context.Context, deviceID string, payload []byte) error {
	addr, found, err := g.store.LookupAddress(ctx, g.node, deviceID)
	if err != nil {
		metrics.DownlinksSent.WithLabelValues("error").Inc()
		metrics.StoreErrors.WithLabelValues("lookup_address").Inc()
		return fmt.Errorf("failed to look up device %s: %w", deviceID, err)
	}
	if !found {
		metrics.DownlinksSent.WithLabelValues("not_connected").Inc()
		return fmt.Errorf("%w: %s", ErrDeviceNotConnected, deviceID)
	}

	conn, ok := g.registry.Get(addr)
	if !ok || conn.DeviceID() != deviceID {
		metrics.DownlinksSent.WithLabelValues("not_connected").Inc()
		return fmt.Errorf("%w: %s (stale address %s)", ErrDeviceNotConnected, deviceID, addr)
	}

	frame, err := protocol.EncodeFrame(protocol.FrameDownlink, payload)
	if err != nil {
		metrics.DownlinksSent.WithLabelValues("error").Inc()
		return err
	}
	if err := conn.Write(frame); err != nil {
		metrics.DownlinksSent.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to write downlink to %s: %w", addr, err)
	}

	metrics.DownlinksSent.WithLabelValues("ok").Inc()
	return nil
}

// HandleTransmit is the queue.Handler of this node's transmit queue.
// Messages for devices that are not connected here are logged and dropped.
func (g *Gateway) HandleTransmit(ctx context.Context, payload []byte) error {
	var msg model.TransmitMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: decode transmit message: %w", queue.ErrMalformed, err)
	}
	if msg.DeviceUID == "" {
		return fmt.Errorf("%w: transmit message without device_uid", queue.ErrMalformed)
	}

	err := g.Deliver(ctx, msg.DeviceUID, []byte(msg.Message))
	if errors.Is(err, ErrDeviceNotConnected) {
		logger.WarnWithTrace(ctx, "dropping downlink for disconnected device",
			zap.String("device_id", msg.DeviceUID),
			zap.Error(err),
		)
		return nil
	}
	return err
}
