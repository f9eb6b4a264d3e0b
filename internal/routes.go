package internal

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	cartridgemiddleware "github.com/karloscodes/cartridge/middleware"

	v1 "tally/api/v1"
	"tally/internal/http"
	"tally/internal/http/middleware"
)

// publicCORSConfig is the permissive CORS setup of the ingest endpoint.
var publicCORSConfig = cors.Config{
	AllowOrigins: "*",
	AllowMethods: "POST,OPTIONS",
	AllowHeaders: "Origin, Content-Type, Accept",
}

// MountRoutes mounts the operational and v1 routes on the fiber app.
func (a *Application) MountRoutes(srv *fiber.App) {
	srv.Use(recover.New())
	srv.Use(middleware.RequestLogger(a.Logger))

	srv.Get("/health", http.HealthIndexAction(a.DBManager, a.Logger))
	srv.Head("/health", http.HealthIndexAction(a.DBManager, a.Logger))
	srv.Get("/metrics", http.MetricsAction(a.Metrics))

	api := srv.Group("/api/v1")

	// Ingest is rate limited in production only.
	ingestGuards := []any{"/events", cors.New(publicCORSConfig)}
	if a.Config.IsProduction() {
		ingestGuards = append(ingestGuards, cartridgemiddleware.RateLimiter(
			cartridgemiddleware.WithMax(600),
			cartridgemiddleware.WithDuration(time.Minute),
		))
	}
	api.Use(ingestGuards...)

	handler := &v1.Handler{
		Timeseries: a.Timeseries,
		Anomalies:  a.Anomalies,
		Forecasts:  a.Forecasts,
		Ingester:   a.Ingester,
		Logger:     a.Logger,
		Timeout:    a.Config.StorageTimeout(),
		Debug:      a.Config.IsDebug(),
	}
	handler.Register(api, middleware.APIKeyAuth(a.Config.APIKey, a.Logger))
}
