package gateway

import (
	"context"
	"errors"

	"github.com/SkynetNext/iot-gateway/internal/circuitbreaker"
	"github.com/SkynetNext/iot-gateway/internal/logger"
	"go.uber.org/zap"
)

// ErrUplinkOpen is returned while the uplink breaker rejects publishes
var ErrUplinkOpen = errors.New("uplink circuit breaker is open")

// uplink guards the queue publisher with a circuit breaker so a broker
// outage fails telemetry frames fast instead of stalling every reader
type uplink struct {
	pub     Publisher
	breaker *circuitbreaker.Breaker
}

func newUplink(pub Publisher, breaker *circuitbreaker.Breaker) *uplink {
	return &uplink{pub: pub, breaker: breaker}
}

func (u *uplink) Publish(ctx context.Context, queue string, payload []byte) error {
	if !u.breaker.Allow() {
		return ErrUplinkOpen
	}

	if err := u.pub.Publish(ctx, queue, payload); err != nil {
		before := u.breaker.State()
		u.breaker.RecordFailure()
		if after := u.breaker.State(); after != before && after == circuitbreaker.StateOpen {
			logger.L.Warn("uplink circuit breaker opened",
				zap.String("queue", queue),
				zap.Error(err),
			)
		}
		return err
	}

	if u.breaker.State() != circuitbreaker.StateClosed {
		logger.L.Info("uplink circuit breaker closed", zap.String("queue", queue))
	}
	u.breaker.RecordSuccess()
	return nil
}
