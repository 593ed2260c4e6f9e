package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SkynetNext/iot-gateway/internal/config"
	"github.com/SkynetNext/iot-gateway/internal/gateway"
	"github.com/SkynetNext/iot-gateway/internal/liveness"
	"github.com/SkynetNext/iot-gateway/internal/logger"
	"github.com/SkynetNext/iot-gateway/internal/queue"
	"github.com/SkynetNext/iot-gateway/internal/redis"
	"github.com/SkynetNext/iot-gateway/internal/registry"
	"github.com/SkynetNext/iot-gateway/internal/tracing"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "Configuration file path")
	flag.Parse()

	// Initialize logger (read from environment variable or use default)
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	if err := logger.Init(logLevel, os.Getenv("LOG_FORMAT")); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.L.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Initialize tracing (optional, if Jaeger endpoint is provided)
	if jaegerEndpoint := os.Getenv("JAEGER_ENDPOINT"); jaegerEndpoint != "" {
		if err := tracing.Init("iot-gateway", version, cfg.Node.Name, jaegerEndpoint); err != nil {
			logger.L.Warn("Failed to initialize tracing", zap.Error(err))
		} else {
			logger.L.Info("Tracing initialized", zap.String("endpoint", jaegerEndpoint))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared store
	store := redis.NewClient(&cfg.Redis)
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = store.Ping(pingCtx)
	pingCancel()
	if err != nil {
		logger.L.Fatal("Failed to connect to Redis", zap.Error(err), zap.String("addr", cfg.Redis.Addr))
	}

	// Message queue
	mq, err := queue.Connect(&cfg.Queue, "iot-gateway-"+cfg.Node.Name)
	if err != nil {
		logger.L.Fatal("Failed to connect to message queue", zap.Error(err))
	}

	reg := registry.New()
	gw := gateway.New(cfg, reg, store, mq)
	if err := gw.Start(ctx); err != nil {
		logger.L.Fatal("Failed to start gateway", zap.Error(err))
	}

	sweeper := liveness.NewSweeper(liveness.Config{
		Node:      cfg.Node.Name,
		Interval:  cfg.Liveness.SweepInterval,
		Threshold: cfg.Liveness.StaleThreshold,
	}, reg, store)

	done := make(chan struct{})
	go func() {
		defer close(done)
		sweeper.Run(ctx)
	}()

	// Downlink consumer, only when this node's transmit queue exists
	transmitDone := make(chan struct{})
	transmitQueue := queue.TransmitQueue(cfg.Node.Name)
	if !mq.EnsureQueue(ctx, transmitQueue) && cfg.Queue.DeclareMissing {
		if err := mq.DeclareQueue(ctx, transmitQueue); err != nil {
			logger.L.Error("Failed to declare transmit queue", zap.String("queue", transmitQueue), zap.Error(err))
		}
	}
	if mq.EnsureQueue(ctx, transmitQueue) {
		go func() {
			defer close(transmitDone)
			if err := mq.Consume(ctx, transmitQueue, gw.HandleTransmit, queue.AckPolicy(cfg.Queue.AckPolicy)); err != nil {
				logger.L.Error("Transmit consumer stopped", zap.String("queue", transmitQueue), zap.Error(err))
			}
		}()
	} else {
		close(transmitDone)
		logger.L.Warn("Downlink delivery disabled", zap.String("queue", transmitQueue))
	}

	logger.L.Info("IoT Gateway started successfully",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("git_commit", gitCommit),
		zap.String("node", cfg.Node.Name),
		zap.String("listen_addr", cfg.Node.ListenAddr()),
	)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.L.Info("Received stop signal, starting graceful shutdown...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
	defer shutdownCancel()

	cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.L.Error("Error during gateway shutdown", zap.Error(err))
	}

	select {
	case <-done:
	case <-shutdownCtx.Done():
	}
	select {
	case <-transmitDone:
	case <-shutdownCtx.Done():
	}

	if err := mq.Close(); err != nil {
		logger.L.Warn("Error closing message queue", zap.Error(err))
	}
	if err := store.Close(); err != nil {
		logger.L.Warn("Error closing Redis connection", zap.Error(err))
	}

	// Shutdown tracing
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("Error during tracing shutdown", zap.Error(err))
	}

	logger.L.Info("IoT Gateway closed")
}
