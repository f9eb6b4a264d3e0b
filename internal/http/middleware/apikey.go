package middleware

import (
	"crypto/subtle"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// APIKeyHeader is checked before the Authorization header.
const APIKeyHeader = "X-API-Key"

// APIKeyAuth middleware validates the API key for query endpoints.
// Accepts: X-API-Key: <api_key> or Authorization: Bearer <api_key>.
// An empty expected key disables the check.
func APIKeyAuth(expected string, logger *slog.Logger) fiber.Handler {
	if expected == "" {
		logger.Warn("API key not configured; query endpoints are open")
		return func(c *fiber.Ctx) error { return c.Next() }
	}

	return func(c *fiber.Ctx) error {
		providedKey := providedAPIKey(c)
		if providedKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing API key",
			})
		}

		if !secureCompare(providedKey, expected) {
			logger.Debug("Invalid API key", slog.String("path", c.Path()), slog.String("ip", c.IP()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid API key",
			})
		}

		return c.Next()
	}
}

func providedAPIKey(c *fiber.Ctx) string {
	if key := strings.TrimSpace(c.Get(APIKeyHeader)); key != "" {
		return key
	}
	authHeader := c.Get(fiber.HeaderAuthorization)
	if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// secureCompare performs constant-time string comparison
func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
