// Package warning hands telemetry batches to the external rule engine.
package warning

import (
	"context"
	"fmt"

	"github.com/SkynetNext/iot-gateway/internal/logger"
	"github.com/SkynetNext/iot-gateway/internal/model"
	"github.com/SkynetNext/iot-gateway/internal/queue"
	"go.uber.org/zap"
)

// Publisher sends a payload to a named queue
type Publisher interface {
	Publish(ctx context.Context, queue string, payload []byte) error
}

// Relay validates batches from waring_handler and forwards them unchanged
// to the notice queue consumed by the rule engine
type Relay struct {
	pub    Publisher
	target string
}

// NewRelay creates a relay publishing to waring_notice
func NewRelay(pub Publisher) *Relay {
	return &Relay{pub: pub, target: queue.WarningNotice}
}

// Handle is the queue.Handler of the warning queue
func (r *Relay) Handle(ctx context.Context, payload []byte) error {
	b, err := model.DecodeBatch(payload)
	if err != nil {
		return fmt.Errorf("%w: decode batch: %w", queue.ErrMalformed, err)
	}
	if b.DeviceUID == "" {
		return fmt.Errorf("%w: batch without device_uid", queue.ErrMalformed)
	}

	if err := r.pub.Publish(ctx, r.target, payload); err != nil {
		return fmt.Errorf("relay batch of %s: %w", b.DeviceUID, err)
	}

	logger.L.Debug("batch relayed to rule engine",
		zap.String("device_uid", b.DeviceUID),
		zap.Int("signals", len(b.Data)),
	)
	return nil
}
