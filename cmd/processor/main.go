package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SkynetNext/iot-gateway/internal/bootstrap"
	"github.com/SkynetNext/iot-gateway/internal/config"
	"github.com/SkynetNext/iot-gateway/internal/logger"
	"github.com/SkynetNext/iot-gateway/internal/normalize"
	"github.com/SkynetNext/iot-gateway/internal/pipeline"
	"github.com/SkynetNext/iot-gateway/internal/queue"
	"github.com/SkynetNext/iot-gateway/internal/redis"
	"github.com/SkynetNext/iot-gateway/internal/schema"
	"github.com/SkynetNext/iot-gateway/internal/storage"
	"github.com/SkynetNext/iot-gateway/internal/tracing"
	"github.com/SkynetNext/iot-gateway/internal/tsdb"
	"github.com/SkynetNext/iot-gateway/internal/warning"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	if err := logger.Init(logLevel, os.Getenv("LOG_FORMAT")); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.L.Fatal("Failed to load configuration", zap.Error(err))
	}

	if jaegerEndpoint := os.Getenv("JAEGER_ENDPOINT"); jaegerEndpoint != "" {
		if err := tracing.Init("iot-processor", version, cfg.Node.Name, jaegerEndpoint); err != nil {
			logger.L.Warn("Failed to initialize tracing", zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared store (signal schemas)
	store := redis.NewClient(&cfg.Redis)
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = store.Ping(pingCtx)
	pingCancel()
	if err != nil {
		logger.L.Fatal("Failed to connect to Redis", zap.Error(err), zap.String("addr", cfg.Redis.Addr))
	}

	// Time-series store
	writer := tsdb.NewInfluxWriter(&cfg.Influx)
	pingCtx, pingCancel = context.WithTimeout(ctx, 5*time.Second)
	if err := writer.Ping(pingCtx); err != nil {
		logger.L.Warn("InfluxDB not reachable yet, writes will fail until it is", zap.String("url", cfg.Influx.URL()), zap.Error(err))
	}
	pingCancel()

	// Message queue, one connection shared by every loop
	mq, err := queue.Connect(&cfg.Queue, "iot-processor-"+cfg.Node.Name)
	if err != nil {
		logger.L.Fatal("Failed to connect to message queue", zap.Error(err))
	}

	resolver := schema.NewResolver(store, cfg.Schema.CacheTTL, cfg.Schema.CacheSize)
	storagePipeline := storage.NewPipeline(storage.Config{
		BucketPrefix:    cfg.Influx.Bucket,
		DefaultProtocol: cfg.Schema.DefaultProtocol,
	}, resolver, writer)

	orchestrator := pipeline.New(mq, queue.AckPolicy(cfg.Queue.AckPolicy),
		pipeline.Loop{Queue: queue.PreHandler, Handler: storagePipeline.HandleMessage},
		pipeline.Loop{Queue: queue.WarningHandler, Handler: warning.NewRelay(mq).Handle},
		pipeline.Loop{Queue: queue.PreTCPHandler, Handler: normalize.NewTCP(mq).Handle},
	)

	// Queues must exist before any consumer attaches
	missing := bootstrap.Bootstrap(ctx, mq, queue.WellKnown, cfg.Queue.DeclareMissing)
	if required := bootstrap.Required(missing, orchestrator.Queues()); len(required) > 0 {
		logger.L.Fatal("Consumed queues are missing", zap.Strings("queues", required))
	}

	healthServer := startHealthServer(cfg.Server.HealthCheckPort, func(ctx context.Context) error {
		if !mq.Connected() {
			return errors.New("queue disconnected")
		}
		return store.Ping(ctx)
	})

	runDone := make(chan error, 1)
	go func() {
		runDone <- orchestrator.Run(ctx)
	}()

	logger.L.Info("IoT Processor started successfully",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("git_commit", gitCommit),
		zap.Strings("queues", orchestrator.Queues()),
		zap.String("ack_policy", cfg.Queue.AckPolicy),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.L.Info("Received stop signal, starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
	defer shutdownCancel()

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			logger.L.Error("Consumer loops ended with error", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.L.Warn("Timed out waiting for consumer loops")
	}

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("Error during health server shutdown", zap.Error(err))
	}
	if err := mq.Close(); err != nil {
		logger.L.Warn("Error closing message queue", zap.Error(err))
	}
	writer.Close()
	if err := store.Close(); err != nil {
		logger.L.Warn("Error closing Redis connection", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("Error during tracing shutdown", zap.Error(err))
	}

	logger.L.Info("IoT Processor closed")
}

// startHealthServer serves /health, /ready and /metrics
func startHealthServer(port int, ready func(ctx context.Context) error) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := ready(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(err.Error()))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Ready"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.L.Error("health server error", zap.Error(err))
		}
	}()
	return srv
}
