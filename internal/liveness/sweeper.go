// Package liveness evicts device connections whose liveness record went stale.
package liveness

import (
	"context"
	"time"

	"github.com/SkynetNext/iot-gateway/internal/logger"
	"github.com/SkynetNext/iot-gateway/internal/metrics"
	"github.com/SkynetNext/iot-gateway/internal/registry"
	"go.uber.org/zap"
)

// Store is the part of the shared store the sweeper reads and cleans up
type Store interface {
	LastActivity(ctx context.Context, addr string) (time.Time, bool, error)
	UnbindSession(ctx context.Context, node, addr string) (string, error)
}

// Config controls the sweep cadence
type Config struct {
	Node      string
	Interval  time.Duration
	Threshold time.Duration
}

// Sweeper periodically evicts stale connections from one node's registry
type Sweeper struct {
	cfg      Config
	registry *registry.Registry
	store    Store

	// now is replaced in tests
	now func() time.Time
}

// NewSweeper creates a sweeper over reg
func NewSweeper(cfg Config, reg *registry.Registry, store Store) *Sweeper {
	return &Sweeper{
		cfg:      cfg,
		registry: reg,
		store:    store,
		now:      time.Now,
	}
}

// Run sweeps every interval until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	logger.L.Info("liveness sweeper started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("threshold", s.cfg.Threshold),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

type eviction struct {
	addr string
	conn *registry.Connection
}

// Sweep runs one pass and returns the number of evicted connections.
// Liveness records are read outside the registry lock; evictions are
// decided first and applied afterwards.
func (s *Sweeper) Sweep(ctx context.Context) int {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	snapshot := s.registry.Snapshot()
	if len(snapshot) == 0 {
		return 0
	}

	now := s.now()
	var stale []eviction
	for addr, conn := range snapshot {
		last, found, err := s.store.LastActivity(ctx, addr)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("last_activity").Inc()
			logger.L.Warn("failed to read liveness record, skipping",
				zap.String("addr", addr),
				zap.Error(err),
			)
			continue
		}
		// a missing record is infinitely stale
		if !found || now.Sub(last) > s.cfg.Threshold {
			stale = append(stale, eviction{addr: addr, conn: conn})
		}
	}

	for _, e := range stale {
		s.evict(ctx, e)
	}
	return len(stale)
}

func (s *Sweeper) evict(ctx context.Context, e eviction) {
	logger.L.Info("evicting stale connection",
		zap.String("addr", e.addr),
		zap.String("device_id", e.conn.DeviceID()),
	)

	if err := e.conn.Shutdown(); err != nil {
		logger.L.Debug("shutdown of stale connection failed",
			zap.String("addr", e.addr),
			zap.Error(err),
		)
	}
	metrics.Evictions.Inc()

	// a newer connection owns the address and its session pairing
	if !s.registry.UnregisterIf(e.addr, e.conn) {
		logger.L.Debug("address reused by a newer connection, keeping its session",
			zap.String("addr", e.addr),
		)
		return
	}

	if _, err := s.store.UnbindSession(ctx, s.cfg.Node, e.addr); err != nil {
		metrics.StoreErrors.WithLabelValues("unbind_session").Inc()
		logger.L.Error("failed to clean up session index",
			zap.String("addr", e.addr),
			zap.String("device_id", e.conn.DeviceID()),
			zap.Error(err),
		)
	}
}
