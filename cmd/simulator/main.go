package main

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KevinKickass/FieldSense/internal/simulator"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	server := pflag.String("server", "ws://localhost:8080", "server base URL")
	duration := pflag.Duration("duration", 5*time.Minute, "how long to stream, 0 runs until interrupted")
	dataInterval := pflag.Duration("data-interval", 10*time.Second, "interval between sensor readings")
	heartbeatInterval := pflag.Duration("heartbeat-interval", 30*time.Second, "interval between heartbeats")
	single := pflag.Bool("single", false, "send one reading, wait for the acknowledgment and exit")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <device_uuid>\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if pflag.NArg() != 1 {
		pflag.Usage()
		os.Exit(2)
	}
	deviceUUID := pflag.Arg(0)

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	now := uint64(time.Now().UnixNano())
	rng := rand.New(rand.NewPCG(now, now>>32))

	device, err := simulator.NewDevice(deviceUUID, *server, rng, logger.With(zap.String("device_uuid", deviceUUID)))
	if err != nil {
		logger.Fatal("Invalid simulator settings", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *single {
		ack, err := device.SendSingle(ctx, 10*time.Second)
		if err != nil {
			logger.Fatal("Single send failed", zap.Error(err))
		}
		logger.Info("Reading acknowledged", zap.Any("reading_id", ack["reading_id"]))
		return
	}

	err = device.Run(ctx, simulator.Options{
		Server:            *server,
		Duration:          *duration,
		DataInterval:      *dataInterval,
		HeartbeatInterval: *heartbeatInterval,
	})
	if err != nil {
		logger.Fatal("Simulation failed", zap.Error(err))
	}
}
