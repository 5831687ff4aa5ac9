package main

import (
	"context"
	"log"
	"math/rand/v2"
	"os"
	"time"

	"github.com/KevinKickass/FieldSense/internal/config"
	"github.com/KevinKickass/FieldSense/internal/seed"
	"github.com/KevinKickass/FieldSense/internal/simulator"
	"github.com/KevinKickass/FieldSense/internal/system"
	"github.com/KevinKickass/FieldSense/internal/types"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/config.yaml", "path to the YAML config file")
	seedPath := pflag.StringP("file", "f", "configs/devices.yaml", "path to the device seed file")
	pflag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to read .env: %v", err)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if cfg.Database.Driver == config.DriverMemory {
		logger.Warn("Seeding the memory driver has no lasting effect")
	}

	file, err := seed.Load(*seedPath)
	if err != nil {
		logger.Fatal("Failed to load seed file", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	store, err := system.OpenStore(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("Failed to open reading store", zap.Error(err))
	}
	defer store.Close()

	now := uint64(time.Now().UnixNano())
	rng := rand.New(rand.NewPCG(now, now>>32))
	sample := func() types.Measurements {
		return simulator.RandomPayload(rng).Measurements
	}

	result, err := seed.Apply(ctx, store, file, sample, logger)
	if err != nil {
		logger.Fatal("Seeding failed", zap.Error(err))
	}

	logger.Info("Seeding finished",
		zap.Int("created", result.Created),
		zap.Int("existing", result.Existing),
		zap.Int("readings", result.Readings))
}
