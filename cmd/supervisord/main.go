// Package main is the entry point for the afk-supervisor daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/afk-supervisor/internal/common/logger"
	"github.com/kandev/afk-supervisor/internal/config"
	"github.com/kandev/afk-supervisor/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "", "directory to search for config.yaml")
	dataRoot := flag.String("data-root", "", "override the data root directory")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *dataRoot != "" {
		cfg.DataRoot = *dataRoot
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting afk-supervisor", zap.String("data_root", cfg.DataRoot))

	// 3. Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Wire every component
	sv, err := supervisor.New(cfg, log)
	if err != nil {
		log.Fatal("failed to construct supervisor", zap.Error(err))
	}

	// 5. Crash-recovery scan, schedule restore, cleanup ticker
	if err := sv.Start(ctx); err != nil {
		log.Fatal("failed to start supervisor", zap.Error(err))
	}
	log.Info("afk-supervisor started")

	// 6. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down afk-supervisor...")

	// 7. Graceful shutdown
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := sv.Shutdown(shutdownCtx); err != nil {
		log.Error("supervisor shutdown error", zap.Error(err))
	}

	log.Info("afk-supervisor stopped")
}
