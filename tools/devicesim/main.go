package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/iot-gateway/internal/model"
	"github.com/SkynetNext/iot-gateway/internal/protocol"
)

var (
	host      = flag.String("host", "localhost", "Target host")
	port      = flag.Int("port", 7000, "Target port")
	devices   = flag.Int("devices", 100, "Number of simulated devices")
	firstUID  = flag.Int("first-uid", 1000, "Device uid of the first simulated device")
	code      = flag.String("code", "A", "Identification code sent with every batch")
	signals   = flag.Int("signals", 4, "Readings per telemetry batch")
	duration  = flag.Duration("duration", 30*time.Second, "Test duration")
	rate      = flag.Float64("rate", 1.0, "Telemetry batches per second per device")
	heartbeat = flag.Duration("heartbeat", 10*time.Second, "Heartbeat interval (0 disables)")
	timeout   = flag.Duration("timeout", 5*time.Second, "Connection timeout")
	verbose   = flag.Bool("verbose", false, "Verbose output")
)

type Stats struct {
	TotalConnections int64
	SuccessfulConns  int64
	FailedConns      int64
	Batches          int64
	Heartbeats       int64
	FailedWrites     int64
	BytesOut         int64
	Downlinks        int64
	BytesIn          int64
	Disconnects      int64
}

var stats Stats

func main() {
	flag.Parse()

	fmt.Printf("=== IoT Gateway Device Simulator ===\n")
	fmt.Printf("Target: %s:%d\n", *host, *port)
	fmt.Printf("Devices: %d (uid %d..%d)\n", *devices, *firstUID, *firstUID+*devices-1)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Rate: %.2f batch/s per device, %d signals per batch\n", *rate, *signals)
	fmt.Printf("\n")

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	statsDone := make(chan struct{})
	go reportStats(ctx, statsDone)

	var wg sync.WaitGroup
	startTime := time.Now()
	for i := 0; i < *devices; i++ {
		wg.Add(1)
		go func(uid int) {
			defer wg.Done()
			runDevice(ctx, strconv.Itoa(uid))
		}(*firstUID + i)
	}

	wg.Wait()
	elapsed := time.Since(startTime)

	<-statsDone
	printFinalReport(elapsed)
}

// runDevice keeps one device connected until ctx ends, reconnecting after failures
func runDevice(ctx context.Context, uid string) {
	for ctx.Err() == nil {
		if err := session(ctx, uid); err != nil && ctx.Err() == nil {
			atomic.AddInt64(&stats.Disconnects, 1)
			if *verbose {
				fmt.Printf("device %s disconnected: %v\n", uid, err)
			}
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

func session(ctx context.Context, uid string) error {
	atomic.AddInt64(&stats.TotalConnections, 1)

	dialer := net.Dialer{Timeout: *timeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", *host, *port))
	if err != nil {
		atomic.AddInt64(&stats.FailedConns, 1)
		return err
	}
	defer conn.Close()
	atomic.AddInt64(&stats.SuccessfulConns, 1)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	readErr := make(chan error, 1)
	go func() { readErr <- readDownlinks(conn, uid) }()

	if err := send(conn, protocol.FrameIdentify, []byte(uid)); err != nil {
		return err
	}

	batchTicker := time.NewTicker(time.Duration(float64(time.Second) / *rate))
	defer batchTicker.Stop()

	var heartbeatC <-chan time.Time
	if *heartbeat > 0 {
		heartbeatTicker := time.NewTicker(*heartbeat)
		defer heartbeatTicker.Stop()
		heartbeatC = heartbeatTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case <-batchTicker.C:
			payload, err := telemetry(uid)
			if err != nil {
				return err
			}
			if err := send(conn, protocol.FrameTelemetry, payload); err != nil {
				return err
			}
			atomic.AddInt64(&stats.Batches, 1)
		case <-heartbeatC:
			if err := send(conn, protocol.FrameHeartbeat, nil); err != nil {
				return err
			}
			atomic.AddInt64(&stats.Heartbeats, 1)
		}
	}
}

func send(conn net.Conn, t protocol.FrameType, payload []byte) error {
	conn.SetWriteDeadline(time.Now().Add(*timeout))
	if err := protocol.WriteFrame(conn, t, payload); err != nil {
		atomic.AddInt64(&stats.FailedWrites, 1)
		return err
	}
	atomic.AddInt64(&stats.BytesOut, int64(protocol.FrameHeaderSize+len(payload)))
	return nil
}

// telemetry builds one batch document with random readings
func telemetry(uid string) ([]byte, error) {
	batch := model.Batch{
		Time:               time.Now().Unix(),
		DeviceUID:          uid,
		IdentificationCode: *code,
		Data:               make([]model.DataRow, *signals),
		NC:                 "sim",
	}
	for i := range batch.Data {
		batch.Data[i] = model.DataRow{
			Name:  fmt.Sprintf("s%d", i),
			Value: model.RawValue(strconv.FormatFloat(rand.Float64()*100, 'f', 2, 64)),
		}
	}
	return json.Marshal(batch)
}

func readDownlinks(conn net.Conn, uid string) error {
	for {
		frame, err := protocol.ReadFrame(conn, 0)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return io.EOF
			}
			return err
		}
		if frame.Type != protocol.FrameDownlink {
			continue
		}
		atomic.AddInt64(&stats.Downlinks, 1)
		atomic.AddInt64(&stats.BytesIn, int64(protocol.FrameHeaderSize+len(frame.Payload)))
		if *verbose {
			fmt.Printf("device %s downlink: %s\n", uid, frame.Payload)
		}
	}
}

func reportStats(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printStats()
		}
	}
}

func printStats() {
	fmt.Printf("\r[Stats] Conns: %d/%d (failed: %d) | Batches: %d | Heartbeats: %d | Downlinks: %d | Disconnects: %d",
		atomic.LoadInt64(&stats.SuccessfulConns),
		atomic.LoadInt64(&stats.TotalConnections),
		atomic.LoadInt64(&stats.FailedConns),
		atomic.LoadInt64(&stats.Batches),
		atomic.LoadInt64(&stats.Heartbeats),
		atomic.LoadInt64(&stats.Downlinks),
		atomic.LoadInt64(&stats.Disconnects),
	)
}

func printFinalReport(elapsed time.Duration) {
	fmt.Printf("\n\n=== Final Report ===\n")
	fmt.Printf("Duration: %v\n", elapsed)

	totalConns := atomic.LoadInt64(&stats.TotalConnections)
	failedConns := atomic.LoadInt64(&stats.FailedConns)
	batches := atomic.LoadInt64(&stats.Batches)
	failedWrites := atomic.LoadInt64(&stats.FailedWrites)

	fmt.Printf("\n--- Connections ---\n")
	fmt.Printf("Total: %d\n", totalConns)
	fmt.Printf("Successful: %d\n", atomic.LoadInt64(&stats.SuccessfulConns))
	fmt.Printf("Failed: %d\n", failedConns)
	fmt.Printf("Disconnects: %d\n", atomic.LoadInt64(&stats.Disconnects))

	fmt.Printf("\n--- Uplink ---\n")
	fmt.Printf("Batches: %d (%.2f/s)\n", batches, float64(batches)/elapsed.Seconds())
	fmt.Printf("Heartbeats: %d\n", atomic.LoadInt64(&stats.Heartbeats))
	fmt.Printf("Failed writes: %d\n", failedWrites)
	fmt.Printf("Bytes: %d\n", atomic.LoadInt64(&stats.BytesOut))

	fmt.Printf("\n--- Downlink ---\n")
	fmt.Printf("Frames: %d\n", atomic.LoadInt64(&stats.Downlinks))
	fmt.Printf("Bytes: %d\n", atomic.LoadInt64(&stats.BytesIn))

	if totalConns == 0 || failedConns > totalConns/10 || failedWrites > batches/10 {
		fmt.Printf("\n❌ Simulation failed: too many errors\n")
		os.Exit(1)
	}
	fmt.Printf("\n✅ Simulation completed successfully\n")
}
