// Package http holds the operational endpoints served next to the v1 API.
package http

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"tally/internal/metrics"
)

// Pinger reports whether storage answers.
type Pinger interface {
	Ping() error
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	DBStatus  string    `json:"db_status"`
}

// HealthIndexAction handles the health check endpoint. A failed storage
// ping answers 503 with status "degraded".
func HealthIndexAction(db Pinger, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		health := HealthStatus{
			Status:    "ok",
			Timestamp: time.Now().UTC(),
			DBStatus:  "ok",
		}

		if err := db.Ping(); err != nil {
			logger.Error("Database ping failed", slog.Any("error", err))
			health.Status = "degraded"
			health.DBStatus = "error"
			return c.Status(fiber.StatusServiceUnavailable).JSON(health)
		}

		return c.JSON(health)
	}
}

// MetricsAction exposes the Prometheus registry.
func MetricsAction(m *metrics.Metrics) fiber.Handler {
	return adaptor.HTTPHandler(m.Handler())
}
