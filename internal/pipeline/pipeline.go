// Package pipeline supervises the processor consumer loops.
package pipeline

import (
	"context"
	"time"

	"github.com/SkynetNext/iot-gateway/internal/logger"
	"github.com/SkynetNext/iot-gateway/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Consumer runs one consumer loop over a queue
type Consumer interface {
	Consume(ctx context.Context, queue string, h queue.Handler, policy queue.AckPolicy) error
}

// Loop binds a handler to the queue it consumes
type Loop struct {
	Queue   string
	Handler queue.Handler
}

// Orchestrator runs every loop concurrently over one shared consumer until
// the context is cancelled. A loop that ends early is logged and restarted.
type Orchestrator struct {
	consumer     Consumer
	policy       queue.AckPolicy
	loops        []Loop
	restartDelay time.Duration
}

// New creates an orchestrator
func New(consumer Consumer, policy queue.AckPolicy, loops ...Loop) *Orchestrator {
	return &Orchestrator{
		consumer:     consumer,
		policy:       policy,
		loops:        loops,
		restartDelay: 5 * time.Second,
	}
}

// Queues returns the consumed queue names
func (o *Orchestrator) Queues() []string {
	names := make([]string, len(o.loops))
	for i, l := range o.loops {
		names[i] = l.Queue
	}
	return names
}

// Run blocks until ctx is cancelled and every loop has drained
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, l := range o.loops {
		l := l
		g.Go(func() error {
			o.supervise(gctx, l)
			return nil
		})
	}

	return g.Wait()
}

func (o *Orchestrator) supervise(ctx context.Context, l Loop) {
	for {
		err := o.consumer.Consume(ctx, l.Queue, l.Handler, o.policy)
		if ctx.Err() != nil {
			logger.L.Info("consumer loop drained", zap.String("queue", l.Queue))
			return
		}

		if err != nil {
			logger.L.Error("consumer loop failed, restarting",
				zap.String("queue", l.Queue),
				zap.Duration("delay", o.restartDelay),
				zap.Error(err),
			)
		} else {
			logger.L.Warn("consumer loop ended, restarting",
				zap.String("queue", l.Queue),
				zap.Duration("delay", o.restartDelay),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(o.restartDelay):
		}
	}
}
