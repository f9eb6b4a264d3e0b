// Package internal contains core application functionality
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"tally/internal/anomaly"
	"tally/internal/cache"
	"tally/internal/config"
	"tally/internal/database"
	"tally/internal/dimensions"
	"tally/internal/events"
	"tally/internal/forecast"
	"tally/internal/jobs"
	"tally/internal/logging"
	"tally/internal/metrics"
	"tally/internal/rollup"
	"tally/internal/timeseries"
)

// ShutdownTimeout bounds the graceful shutdown started by Start.
const ShutdownTimeout = 30 * time.Second

// Application holds every component of the service, built once in NewApp.
type Application struct {
	Config     *config.Config
	Logger     *slog.Logger
	DBManager  *database.DBManager
	Metrics    *metrics.Metrics
	Cache      cache.Cache
	Resolver   *dimensions.Resolver
	Ingester   *events.Ingester
	Aggregator *rollup.Aggregator
	Timeseries *timeseries.Service
	Anomalies  *anomaly.Detector
	Forecasts  *forecast.Service
	Scheduler  *jobs.Scheduler
	Server     *fiber.App
}

// Option customizes NewApp.
type Option func(*options)

type options struct {
	logger *slog.Logger
	clock  clockwork.Clock
}

// WithLogger replaces the configured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock replaces the wall clock used by the aggregator and scheduler.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// NewApp connects storage and builds the application. It does not migrate;
// call DBManager.MigrateDatabase first.
func NewApp(cfg *config.Config, opts ...Option) (*Application, error) {
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = logging.NewLogger(cfg, os.Stdout)
	}

	dbManager := database.NewDBManager(cfg, logger)
	if err := dbManager.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	db := dbManager.GetConnection()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.StorageTimeout())
	defer cancel()
	queryCache, err := cache.New(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	loader := cache.NewLoader(queryCache, cfg.CacheTTL(), logger, m, cache.WithComputeTimeout(cfg.StorageTimeout()))

	resolver := dimensions.NewResolver(db, logger, dimensions.WithTimeout(cfg.StorageTimeout()))
	aggregator := rollup.NewAggregator(db, logger, m, o.clock)
	series := timeseries.NewService(db, loader, logger)

	d1m, d5m, d1h := cfg.RollupDelays()
	scheduler := jobs.NewScheduler(aggregator, logger, jobs.DefaultJobs(d1m, d5m, d1h),
		jobs.WithClock(o.clock),
		jobs.WithTimeout(cfg.RollupTimeout()),
		jobs.WithMetrics(m))

	a := &Application{
		Config:     cfg,
		Logger:     logger,
		DBManager:  dbManager,
		Metrics:    m,
		Cache:      queryCache,
		Resolver:   resolver,
		Ingester:   events.NewIngester(db, resolver, logger, m),
		Aggregator: aggregator,
		Timeseries: series,
		Anomalies:  anomaly.NewDetector(series, logger),
		Forecasts:  forecast.NewService(series, logger),
		Scheduler:  scheduler,
	}

	a.Server = fiber.New(fiber.Config{
		AppName:               cfg.AppName,
		DisableStartupMessage: true,
		ReadTimeout:           cfg.StorageTimeout() * 2,
		WriteTimeout:          cfg.StorageTimeout() * 2,
	})
	a.MountRoutes(a.Server)
	return a, nil
}

// Start runs the scheduler and the HTTP server until ctx is cancelled or the
// server fails, then shuts everything down.
func (a *Application) Start(ctx context.Context) error {
	if a.Config.RollupEnabled {
		if err := a.Scheduler.Start(); err != nil {
			return err
		}
	} else {
		a.Logger.Info("Background jobs are disabled.")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + a.Config.AppPort
		a.Logger.Info("HTTP server listening", slog.String("addr", addr))
		return a.Server.Listen(addr)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server, waits for in-flight rollup ticks and
// releases the cache and database.
func (a *Application) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.Server.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	a.Scheduler.Stop()
	if err := a.Cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}
	if err := a.DBManager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	a.Logger.Info("Application stopped")
	return errors.Join(errs...)
}
