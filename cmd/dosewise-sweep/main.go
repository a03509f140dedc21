package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"dosewise/internal/config"
	"dosewise/internal/metrics"
	"dosewise/internal/storage"
	"dosewise/internal/sweep"
)

var (
	configPath = flag.String("config", "", "Path to config file")
	dataDir    = flag.String("data", "", "Path to data directory")
	once       = flag.Bool("once", false, "Run a single sweep and exit")
	version    = "dev"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			fmt.Printf("dosewise-sweep version %s\n", version)
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

	logger.Info("Starting dosewise-sweep",
		zap.String("version", version),
		zap.String("cron", cfg.Sweep.Cron),
	)

	local, err := storage.OpenLocal(cfg.Storage.SQLitePath)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	var sink sweep.Sink
	if cfg.Sweep.WebhookURL != "" {
		sink = sweep.NewWebhookSink(cfg.Sweep.WebhookURL, 10*time.Second, logger)
	} else {
		logger.Warn("No alert webhook configured, alerts go to the log only")
		sink = sweep.NewLogSink(logger)
	}

	sweeper := sweep.NewSweeper(sweep.Config{
		CronSpec:        cfg.Sweep.Cron,
		WindowDays:      cfg.Sweep.WindowDays,
		InactivityHours: cfg.Sweep.InactivityHours,
	}, local, sink, logger, m)

	if *once {
		if err := sweeper.RunOnce(context.Background(), time.Now()); err != nil {
			logger.Fatal("Sweep failed", zap.Error(err))
		}
		return
	}

	if err := sweeper.Start(); err != nil {
		logger.Fatal("Failed to schedule sweep", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info("Shutting down")
	sweeper.Stop()
}
