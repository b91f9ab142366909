package api

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// authMiddleware validates the Authorization header against the service
// password. An empty password disables auth entirely, which is the local
// development mode.
func authMiddleware(password string, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if password == "" {
			return c.Next()
		}

		if openPath(c.Path()) {
			return c.Next()
		}

		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return problemResponse(c, fiber.StatusUnauthorized,
				"missing_auth", "Unauthorized",
				"Authorization header is required")
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_auth_scheme", "Unauthorized",
				"Authorization header must use Bearer scheme")
		}

		if strings.TrimPrefix(authHeader, "Bearer ") != password {
			logger.Warn().
				Str("path", c.Path()).
				Str("method", c.Method()).
				Str("ip", c.IP()).
				Msg("unauthorized request: invalid service password")

			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_credentials", "Unauthorized",
				"Invalid service password")
		}

		return c.Next()
	}
}
