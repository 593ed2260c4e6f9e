package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/iot-gateway/internal/circuitbreaker"
	"github.com/SkynetNext/iot-gateway/internal/config"
	"github.com/SkynetNext/iot-gateway/internal/connlog"
	"github.com/SkynetNext/iot-gateway/internal/logger"
	"github.com/SkynetNext/iot-gateway/internal/metrics"
	"github.com/SkynetNext/iot-gateway/internal/protocol"
	"github.com/SkynetNext/iot-gateway/internal/ratelimit"
	"github.com/SkynetNext/iot-gateway/internal/registry"
	"github.com/SkynetNext/iot-gateway/internal/retry"
	"github.com/SkynetNext/iot-gateway/internal/tracing"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// SessionStore is the shared store surface used by the gateway
type SessionStore interface {
	Ping(ctx context.Context) error
	TouchLiveness(ctx context.Context, addr string, at time.Time, ttl time.Duration) error
	ClearLiveness(ctx context.Context, addr string) error
	BindSession(ctx context.Context, node, addr, deviceID string) error
	UnbindSession(ctx context.Context, node, addr string) (string, error)
	LookupAddress(ctx context.Context, node, deviceID string) (string, bool, error)
	ResetSessions(ctx context.Context, node string) error
}

// Publisher sends a payload to a named queue
type Publisher interface {
	Publish(ctx context.Context, queue string, payload []byte) error
}

// cleanupTimeout bounds the store round trips made while closing a connection
const cleanupTimeout = 3 * time.Second

// Gateway accepts device connections for one node
type Gateway struct {
	config *config.Config
	node   string

	registry *registry.Registry
	store    SessionStore
	uplink   *uplink

	rateLimiter *ratelimit.Limiter
	bindRetry   retry.RetryConfig

	// Network
	listener      net.Listener
	metricsServer *http.Server

	// State
	draining int32 // Atomic: 0=Running, 1=Draining
	wg       sync.WaitGroup

	// now is replaced in tests
	now func() time.Time
}

// New creates a gateway. The registry is shared with the liveness sweeper.
func New(cfg *config.Config, reg *registry.Registry, store SessionStore, pub Publisher) *Gateway {
	return &Gateway{
		config:      cfg,
		node:        cfg.Node.Name,
		registry:    reg,
		store:       store,
		uplink:      newUplink(pub, circuitbreaker.NewBreaker(5, 10*time.Second)),
		rateLimiter: ratelimit.NewLimiter(int64(cfg.Security.MaxConnections)),
		bindRetry: retry.RetryConfig{
			MaxRetries: 3,
			RetryDelay: 100 * time.Millisecond,
		},
		now: time.Now,
	}
}

// Start resets this node's session index and starts listening
func (g *Gateway) Start(ctx context.Context) error {
	// 1. Fresh start: nothing is connected to this node yet
	if err := g.store.ResetSessions(ctx, g.node); err != nil {
		return fmt.Errorf("failed to reset session index: %w", err)
	}

	// 2. Batched connection log
	connlog.Init(100, 5*time.Second)

	// 3. Start metrics and health check server
	if g.config.Server.HealthCheckPort > 0 {
		g.startMetricsServer()
	}

	// 4. Start device listener
	if err := g.startListener(ctx); err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}

	return nil
}

// Addr returns the device listener address
func (g *Gateway) Addr() net.Addr {
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Shutdown gracefully shuts down the gateway
func (g *Gateway) Shutdown(ctx context.Context) error {
	// 1. Enter drain mode
	atomic.StoreInt32(&g.draining, 1)

	// 2. Stop accepting new connections
	if g.listener != nil {
		g.listener.Close()
	}

	// 3. Close every device socket; each handler cleans up after itself
	for addr, conn := range g.registry.Snapshot() {
		if err := conn.Shutdown(); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.L.Debug("failed to close connection on shutdown",
				zap.String("remote_addr", addr),
				zap.Error(err),
			)
		}
	}

	// 4. Shutdown metrics server
	if g.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := g.metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.L.Warn("failed to shutdown metrics server", zap.Error(err))
		}
	}

	// 5. Wait for connection handlers (with timeout)
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("timed out waiting for connections to close: %w", ctx.Err())
	}

	// 6. Flush connection log
	connlog.Shutdown()

	return err
}

// startMetricsServer starts the metrics and health check HTTP server
func (g *Gateway) startMetricsServer() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.healthHandler)
	mux.HandleFunc("/ready", g.readyHandler)
	mux.Handle("/metrics", promhttp.Handler())

	g.metricsServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", g.config.Server.HealthCheckPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.L.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.L.Info("metrics server started",
		zap.Int("port", g.config.Server.HealthCheckPort),
	)
}

// startListener starts the device listener
func (g *Gateway) startListener(ctx context.Context) error {
	var err error
	g.listener, err = net.Listen("tcp", g.config.Node.ListenAddr())
	if err != nil {
		return err
	}

	logger.L.Info("device listener started",
		zap.String("node", g.node),
		zap.String("addr", g.listener.Addr().String()),
	)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.acceptLoop(ctx)
	}()

	return nil
}

// acceptLoop accepts incoming connections
func (g *Gateway) acceptLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			// Set accept timeout to allow context cancellation check
			if tcpListener, ok := g.listener.(*net.TCPListener); ok {
				tcpListener.SetDeadline(time.Now().Add(1 * time.Second))
			}

			conn, err := g.listener.Accept()
			if err != nil {
				// Check if listener was closed (normal shutdown)
				if atomic.LoadInt32(&g.draining) == 1 {
					return
				}
				// Check for timeout (expected when checking context)
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				logger.L.Warn("accept connection error",
					zap.Error(err),
				)
				continue
			}

			// Handle connection in goroutine
			g.wg.Add(1)
			go func(c net.Conn) {
				defer g.wg.Done()
				g.handleConnection(ctx, c)
			}(conn)
		}
	}
}

// handleConnection owns one device socket from accept to cleanup
func (g *Gateway) handleConnection(ctx context.Context, netConn net.Conn) {
	remoteAddr := netConn.RemoteAddr().String()
	startTime := g.now()

	// Create span for distributed tracing
	ctx, span := tracing.StartSpan(ctx, "gateway.handle_connection",
		attribute.String("net.peer.addr", remoteAddr),
		attribute.String("gateway.node", g.node),
	)
	defer span.End()

	// Global connection limit
	if !g.rateLimiter.Allow() {
		netConn.Close()
		logger.WarnWithTrace(ctx, "connection limit reached, rejecting",
			zap.String("remote_addr", remoteAddr),
			zap.Int64("max_connections", g.rateLimiter.Max()),
		)
		metrics.IncConnectionRejected("limit")
		connlog.Record(ctx, &connlog.Entry{
			RemoteAddr: remoteAddr,
			Node:       g.node,
			Status:     connlog.StatusRejected,
			Error:      "connection limit reached",
		})
		return
	}
	defer g.rateLimiter.Release()

	if atomic.LoadInt32(&g.draining) == 1 {
		netConn.Close()
		metrics.IncConnectionRejected("draining")
		return
	}

	conn := registry.NewConnection(netConn, g.node, startTime)
	g.registry.Register(remoteAddr, conn)
	g.touch(ctx, conn, startTime)

	metrics.TotalConnections.Inc()
	metrics.ActiveConnections.Inc()

	logger.InfoWithTrace(ctx, "device connected",
		zap.String("remote_addr", remoteAddr),
	)

	entry := &connlog.Entry{RemoteAddr: remoteAddr, Node: g.node, Status: connlog.StatusClosed}
	defer func() {
		g.cleanup(ctx, conn)
		entry.DeviceID = conn.DeviceID()
		entry.DurationMs = g.now().Sub(startTime).Milliseconds()
		connlog.Record(ctx, entry)
	}()

	maxSize := g.config.Security.MaxMessageSize
	for {
		frame, err := protocol.ReadFrame(netConn, maxSize)
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrFrameTooLarge):
				metrics.FramesDropped.WithLabelValues("too_large").Inc()
				logger.WarnWithTrace(ctx, "frame too large, closing connection",
					zap.String("remote_addr", remoteAddr),
					zap.String("device_id", conn.DeviceID()),
					zap.Error(err),
				)
				entry.Status, entry.Error = connlog.StatusError, err.Error()
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				if conn.Closed() {
					entry.Status = connlog.StatusEvicted
				}
			default:
				if conn.Closed() {
					entry.Status = connlog.StatusEvicted
					break
				}
				logger.WarnWithTrace(ctx, "failed to read frame",
					zap.String("remote_addr", remoteAddr),
					zap.String("device_id", conn.DeviceID()),
					zap.Error(err),
				)
				entry.Status, entry.Error = connlog.StatusError, err.Error()
			}
			return
		}

		entry.FramesIn++
		entry.BytesIn += int64(protocol.FrameHeaderSize + len(frame.Payload))
		metrics.FramesReceived.WithLabelValues(frame.Type.String()).Inc()
		g.touch(ctx, conn, g.now())

		switch frame.Type {
		case protocol.FrameIdentify:
			g.identify(ctx, conn, frame.Payload)
		case protocol.FrameTelemetry:
			g.forward(ctx, conn, frame.Payload)
		case protocol.FrameHeartbeat:
		default:
			logger.DebugWithTrace(ctx, "ignoring unknown frame type",
				zap.String("remote_addr", remoteAddr),
				zap.Uint16("type", uint16(frame.Type)),
			)
		}
	}
}

// touch refreshes the liveness record and its in-memory mirror
func (g *Gateway) touch(ctx context.Context, conn *registry.Connection, now time.Time) {
	conn.Touch(now)
	if err := g.store.TouchLiveness(ctx, conn.Addr(), now, g.config.Liveness.RecordTTL); err != nil {
		metrics.StoreErrors.WithLabelValues("touch_liveness").Inc()
		logger.WarnWithTrace(ctx, "failed to refresh liveness record",
			zap.String("remote_addr", conn.Addr()),
			zap.String("device_id", conn.DeviceID()),
			zap.Error(err),
		)
	}
}

// cleanup runs the Closing -> Closed transition
func (g *Gateway) cleanup(ctx context.Context, conn *registry.Connection) {
	conn.SetState(registry.StateClosing)
	if err := conn.Shutdown(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.DebugWithTrace(ctx, "shutdown of broken socket failed",
			zap.String("remote_addr", conn.Addr()),
			zap.Error(err),
		)
	}

	owned := g.registry.UnregisterIf(conn.Addr(), conn)
	metrics.ActiveConnections.Dec()
	if conn.DeviceID() != "" {
		metrics.IdentifiedDevices.Dec()
	}

	// Only the registry owner cleans the shared records. When the sweeper evicted
	// this connection or a newer one reuses the address, they are not ours.
	if owned {
		g.release(ctx, conn)
	}

	conn.SetState(registry.StateClosed)
	logger.InfoWithTrace(ctx, "device disconnected",
		zap.String("remote_addr", conn.Addr()),
		zap.String("device_id", conn.DeviceID()),
	)
}

// release drops the session pairing and liveness record of a closed connection
func (g *Gateway) release(ctx context.Context, conn *registry.Connection) {
	// the root context may already be cancelled during shutdown
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if _, err := g.store.UnbindSession(storeCtx, g.node, conn.Addr()); err != nil {
		metrics.StoreErrors.WithLabelValues("unbind_session").Inc()
		logger.ErrorWithTrace(ctx, "failed to clean up session index",
			zap.String("remote_addr", conn.Addr()),
			zap.String("device_id", conn.DeviceID()),
			zap.Error(err),
		)
	}
	if err := g.store.ClearLiveness(storeCtx, conn.Addr()); err != nil {
		metrics.StoreErrors.WithLabelValues("clear_liveness").Inc()
		logger.WarnWithTrace(ctx, "failed to clear liveness record",
			zap.String("remote_addr", conn.Addr()),
			zap.Error(err),
		)
	}
}

// healthHandler handles health check requests
func (g *Gateway) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// readyHandler handles readiness check requests
func (g *Gateway) readyHandler(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&g.draining) == 1 {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Draining"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	if err := g.store.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Store unavailable"))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}
