package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/KevinKickass/FieldSense/internal/config"
	"github.com/KevinKickass/FieldSense/internal/system"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/config.yaml", "path to the YAML config file")
	pflag.Parse()

	// .env is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to read .env: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Log.Development)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	logger.Info("Config loaded successfully", zap.String("path", *configPath))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	code := run(cfg, logger, sigChan)
	logger.Sync()
	os.Exit(code)
}

// run owns everything that needs cleanup, so deferred closes happen before
// main exits with the returned code.
func run(cfg *config.Config, logger *zap.Logger, stop <-chan os.Signal) int {
	store, err := system.OpenStore(context.Background(), cfg.Database)
	if err != nil {
		logger.Error("Failed to open reading store", zap.Error(err))
		return 1
	}
	defer store.Close()

	logger.Info("Reading store ready", zap.String("driver", cfg.Database.Driver))

	lifecycle, err := system.NewLifecycleManager(store, cfg, logger)
	if err != nil {
		logger.Error("Failed to build system", zap.Error(err))
		return 1
	}

	if err := lifecycle.Start(); err != nil {
		logger.Error("Failed to start system", zap.Error(err))
		return 1
	}

	logger.Info("FieldSense started successfully")

	select {
	case <-stop:
		logger.Info("Shutdown signal received")
	case <-lifecycle.Done():
		logger.Info("Shutdown requested over the API")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := lifecycle.Shutdown(ctx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		return 1
	}

	logger.Info("FieldSense stopped successfully")
	return 0
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
