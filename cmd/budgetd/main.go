// Command budgetd runs the budget allocation lifecycle engine: the REST
// API, the calendar scheduler and the event broadcast hub over either
// PostgreSQL or in-memory storage.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opengov/budgetcore/internal/app"
	"github.com/opengov/budgetcore/internal/config"
	"github.com/opengov/budgetcore/internal/storage/postgres"
	"github.com/opengov/budgetcore/pkg/logger"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.NewDefault("budgetd").Fatalf("loading configuration: %v", err)
	}

	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	var stores app.Stores
	if cfg.Database.DSN != "" {
		connectCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		store, err := postgres.Connect(connectCtx, cfg.Database.DSN, cfg.Database.MaxConns)
		cancel()
		if err != nil {
			log.Fatalf("connecting to postgres: %v", err)
		}
		defer store.Close()
		stores = app.Stores{Budgets: store, Ledger: store, Notifications: store}
		log.Info("using postgres storage")
	} else {
		log.Info("no database configured, using in-memory storage")
	}

	application, err := app.New(cfg, stores, log)
	if err != nil {
		log.Fatalf("building application: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("starting services: %v", err)
	}
	log.Info("budgetd started")

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown finished with errors")
		os.Exit(1)
	}
	log.Info("budgetd stopped")
}
