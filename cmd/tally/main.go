// main.go - HTTP server and rollup scheduler
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tally/internal"
	"tally/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	app, err := internal.NewApp(cfg)
	if err != nil {
		log.Fatalf("Failed to create app: %v", err)
	}

	// Run database migrations
	app.Logger.Info("Running database migrations...")
	if err := app.DBManager.MigrateDatabase(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	app.Logger.Info("Starting application...")
	if err := app.Start(ctx); err != nil {
		app.Logger.Error("Application stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	app.Logger.Info("Server shutdown complete")
}
