package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"dosewise/internal/api"
	"dosewise/internal/config"
	"dosewise/internal/metrics"
	"dosewise/internal/reminder"
	"dosewise/internal/storage"
	"dosewise/internal/syncq"
)

var (
	configPath = flag.String("config", "", "Path to config file")
	dataDir    = flag.String("data", "", "Path to data directory")
	noSync     = flag.Bool("no-sync", false, "Disable the background sync drainer")
	version    = "dev"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			fmt.Printf("dosewise version %s\n", version)
			return
		}
	}

	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := config.LoadEnvFiles(); err != nil {
		logger.Warn("Failed to load env files", zap.Error(err))
	}

	cfg, err := config.Load(*configPath, *dataDir)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Starting dosewise",
		zap.String("version", version),
		zap.String("data_dir", cfg.Storage.DataDir),
	)

	local, err := storage.OpenLocal(cfg.Storage.SQLitePath)
	if err != nil {
		logger.Fatal("Failed to open local store", zap.Error(err))
	}

	registryDB, err := badger.Open(badger.DefaultOptions(cfg.Storage.BadgerPath).WithLogger(nil))
	if err != nil {
		logger.Fatal("Failed to open reminder registry", zap.Error(err))
	}
	defer registryDB.Close()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	sink := reminder.NewLogSink(logger)
	reconciler := reminder.NewReconciler(reminder.Config{
		LookaheadDays: cfg.Reminder.LookaheadDays,
		Tolerance:     cfg.Tolerance(),
	}, local, sink, registryDB, logger, m)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var drainer *syncq.Drainer
	if !*noSync && cfg.Remote.BaseURL != "" {
		remote := storage.NewHTTPStore(cfg.Remote.BaseURL, cfg.Remote.APIKey, cfg.Remote.TimeoutSeconds)
		drainer = syncq.NewDrainer(syncq.Config{
			Interval:       cfg.DrainInterval(),
			BatchSize:      cfg.Sync.BatchSize,
			RetryThreshold: cfg.Sync.RetryThreshold,
			RatePerSecond:  float64(cfg.Sync.RatePerSecond),
		}, local, remote, logger, m)
		if err := drainer.Start(ctx); err != nil {
			logger.Fatal("Failed to start sync drainer", zap.Error(err))
		}
		defer drainer.Stop()
	} else {
		logger.Info("Sync drainer disabled")
	}

	server := api.New(cfg, local, reconciler, drainer, registry, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	if err := server.Shutdown(); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
	}
}
