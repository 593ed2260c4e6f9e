package queue

import (
	"context"
	"errors"
	"sync"
	"unicode/utf8"

	"github.com/SkynetNext/iot-gateway/internal/config"
	"github.com/SkynetNext/iot-gateway/internal/logger"
	"github.com/SkynetNext/iot-gateway/internal/metrics"
	"go.uber.org/zap"
)

var (
	// ErrMalformed marks a message that can never be processed.
	// Malformed messages are acknowledged whatever the ack policy.
	ErrMalformed = errors.New("malformed message")

	// ErrClosed is returned by Deliveries.Next once the iterator is stopped
	ErrClosed = errors.New("delivery iterator closed")
)

// Handler processes one message payload
type Handler func(ctx context.Context, payload []byte) error

// AckPolicy decides what happens to a message whose handler failed
type AckPolicy string

const (
	// AckAlways logs the failure and acknowledges the message
	AckAlways AckPolicy = config.AckAlways
	// NakOnError negatively acknowledges so the broker redelivers
	NakOnError AckPolicy = config.NakOnError
)

// Delivery is one received message
type Delivery interface {
	Data() []byte
	Ack() error
	Nak() error
}

// Deliveries yields messages one at a time
type Deliveries interface {
	Next() (Delivery, error)
	Stop()
}

// Loop feeds every delivery to h and settles it according to policy.
// It returns nil when ctx is cancelled or the iterator closes.
func Loop(ctx context.Context, queue string, it Deliveries, h Handler, policy AckPolicy) error {
	var once sync.Once
	stopIterator := func() { once.Do(it.Stop) }
	release := context.AfterFunc(ctx, stopIterator)
	defer release()
	defer stopIterator()

	logger.L.Info("consumer started", zap.String("queue", queue), zap.String("ack_policy", string(policy)))

	for {
		d, err := it.Next()
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				logger.L.Info("consumer stopped", zap.String("queue", queue))
				return nil
			}
			logger.L.Warn("failed to receive message",
				zap.String("queue", queue),
				zap.Error(err),
			)
			continue
		}
		handle(ctx, queue, d, h, policy)
	}
}

func handle(ctx context.Context, queue string, d Delivery, h Handler, policy AckPolicy) {
	payload := d.Data()

	if !utf8.Valid(payload) {
		metrics.MessagesConsumed.WithLabelValues(queue, "malformed").Inc()
		logger.L.Warn("dropping message with invalid UTF-8 payload",
			zap.String("queue", queue),
			zap.Int("size", len(payload)),
		)
		ack(queue, d)
		return
	}

	err := h(ctx, payload)
	switch {
	case err == nil:
		metrics.MessagesConsumed.WithLabelValues(queue, "ok").Inc()
		ack(queue, d)
	case errors.Is(err, ErrMalformed):
		metrics.MessagesConsumed.WithLabelValues(queue, "malformed").Inc()
		logger.L.Warn("dropping malformed message",
			zap.String("queue", queue),
			zap.Error(err),
		)
		ack(queue, d)
	case policy == NakOnError:
		metrics.MessagesConsumed.WithLabelValues(queue, "nak").Inc()
		logger.L.Error("message handler failed, requesting redelivery",
			zap.String("queue", queue),
			zap.Error(err),
		)
		if nakErr := d.Nak(); nakErr != nil {
			logger.L.Error("failed to nak message",
				zap.String("queue", queue),
				zap.Error(nakErr),
			)
		}
	default:
		metrics.MessagesConsumed.WithLabelValues(queue, "error").Inc()
		logger.L.Error("message handler failed",
			zap.String("queue", queue),
			zap.Error(err),
		)
		ack(queue, d)
	}
}

func ack(queue string, d Delivery) {
	if err := d.Ack(); err != nil {
		logger.L.Error("failed to ack message",
			zap.String("queue", queue),
			zap.Error(err),
		)
	}
}
