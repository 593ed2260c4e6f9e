// Package normalize converts protocol adapter messages into storage batches.
package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/SkynetNext/iot-gateway/internal/logger"
	"github.com/SkynetNext/iot-gateway/internal/model"
	"github.com/SkynetNext/iot-gateway/internal/queue"
	"go.uber.org/zap"
)

// ProtocolTCP is the protocol stamped on batches arriving through the TCP gateway
const ProtocolTCP = "TCP"

// Publisher sends a payload to a named queue
type Publisher interface {
	Publish(ctx context.Context, queue string, payload []byte) error
}

// TCP normalizes messages published by the TCP gateway
type TCP struct {
	pub     Publisher
	targets []string
}

// NewTCP creates a normalizer that forwards every batch to targets,
// by default the storage and warning queues
func NewTCP(pub Publisher, targets ...string) *TCP {
	if len(targets) == 0 {
		targets = []string{queue.PreHandler, queue.WarningHandler}
	}
	return &TCP{pub: pub, targets: targets}
}

// Normalize decodes a gateway message into a batch.
// device_uid defaults to the connection uid and protocol to TCP.
func Normalize(payload []byte) (*model.Batch, error) {
	var msg model.TcpMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: decode tcp message: %w", queue.ErrMalformed, err)
	}

	b, err := model.DecodeBatch([]byte(msg.Message))
	if err != nil {
		return nil, fmt.Errorf("%w: decode batch from %s: %w", queue.ErrMalformed, msg.UID, err)
	}

	if b.DeviceUID == "" {
		b.DeviceUID = msg.UID
	}
	if b.Protocol == nil || *b.Protocol == "" {
		p := ProtocolTCP
		b.Protocol = &p
	}
	return b, nil
}

// Handle is the queue.Handler of the pre_tcp_handler queue
func (n *TCP) Handle(ctx context.Context, payload []byte) error {
	b, err := Normalize(payload)
	if err != nil {
		return err
	}

	out, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	var errs []error
	for _, target := range n.targets {
		if err := n.pub.Publish(ctx, target, out); err != nil {
			logger.L.Error("failed to forward batch",
				zap.String("queue", target),
				zap.String("device_uid", b.DeviceUID),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
