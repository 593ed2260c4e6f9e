// Package queue wraps NATS JetStream as a set of named work queues.
// A queue is a stream whose only subject equals the queue name.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SkynetNext/iot-gateway/internal/config"
	"github.com/SkynetNext/iot-gateway/internal/logger"
	"github.com/SkynetNext/iot-gateway/internal/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// Well-known queue names shared with the other services of the platform
const (
	CalcQueue       = "calc_queue"
	WarningHandler  = "waring_handler"
	WarningNotice   = "waring_notice"
	TransmitHandler = "transmit_handler"
	WarningDelay    = "waring_delay_handler"
	PreHandler      = "pre_handler"
	PreTCPHandler   = "pre_tcp_handler"
	PreHTTPHandler  = "pre_http_handler"
	PreWSHandler    = "pre_ws_handler"
	PreCoAPHandler  = "pre_coap_handler"
)

// WellKnown lists the queues every processor checks at startup
var WellKnown = []string{
	CalcQueue,
	WarningHandler,
	WarningNotice,
	TransmitHandler,
	WarningDelay,
	PreHandler,
	PreTCPHandler,
	PreHTTPHandler,
	PreWSHandler,
	PreCoAPHandler,
}

// TransmitQueue returns the downlink queue of one gateway node
func TransmitQueue(node string) string {
	return TransmitHandler + "_" + node
}

// StreamLookup is the passive stream lookup used by EnsureQueue
type StreamLookup interface {
	Stream(ctx context.Context, name string) (jetstream.Stream, error)
}

// Client is a JetStream queue client
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream

	publishTimeout time.Duration
}

// Connect dials the broker described by cfg
func Connect(cfg *config.QueueConfig, clientName string) (*Client, error) {
	opts := []nats.Option{
		nats.Name(clientName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.L.Warn("queue connection lost", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.L.Info("queue connection restored", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.L.Info("queue connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to queue broker %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize JetStream: %w", err)
	}

	return &Client{
		conn:           conn,
		js:             js,
		publishTimeout: cfg.PublishTimeout,
	}, nil
}

// Close drains and closes the broker connection
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return err
	}
	return nil
}

// Connected reports whether the broker connection is up
func (c *Client) Connected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// EnsureQueue reports whether the queue exists. It never creates it.
func (c *Client) EnsureQueue(ctx context.Context, name string) bool {
	return ensureQueue(ctx, c.js, name)
}

func ensureQueue(ctx context.Context, lookup StreamLookup, name string) bool {
	_, err := lookup.Stream(ctx, name)
	if err == nil {
		return true
	}
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		logger.L.Warn("queue does not exist", zap.String("queue", name))
	} else {
		logger.L.Error("failed to look up queue",
			zap.String("queue", name),
			zap.Error(err),
		)
	}
	return false
}

// DeclareQueue creates the queue as a work-queue stream
func (c *Client) DeclareQueue(ctx context.Context, name string) error {
	_, err := c.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{name},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil && !errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return nil
}

// Publish sends payload to queue and waits for the broker ack
func (c *Client) Publish(ctx context.Context, queue string, payload []byte) error {
	if c.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.publishTimeout)
		defer cancel()
	}

	if _, err := c.js.Publish(ctx, queue, payload); err != nil {
		metrics.MessagesPublished.WithLabelValues(queue, "error").Inc()
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	metrics.MessagesPublished.WithLabelValues(queue, "ok").Inc()
	return nil
}

// Consume runs the consumer loop of queue until ctx is cancelled or the
// broker closes the subscription. Messages are delivered one at a time
// to a durable consumer named {queue}_worker.
func (c *Client) Consume(ctx context.Context, queue string, h Handler, policy AckPolicy) error {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, queue, jetstream.ConsumerConfig{
		Durable:       queue + "_worker",
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to attach consumer to %s: %w", queue, err)
	}

	it, err := consumer.Messages(jetstream.PullMaxMessages(1))
	if err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", queue, err)
	}

	return Loop(ctx, queue, &messageIterator{it: it}, h, policy)
}

// messageIterator adapts a JetStream pull iterator to Deliveries
type messageIterator struct {
	it jetstream.MessagesContext
}

func (m *messageIterator) Next() (Delivery, error) {
	msg, err := m.it.Next()
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return msg, nil
}

func (m *messageIterator) Stop() {
	m.it.Stop()
}
