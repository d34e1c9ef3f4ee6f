package security

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// HeadersConfig tunes response headers for the workflow API. The service
// serves JSON and websocket traffic only, so the policy forbids rendering
// entirely.
type HeadersConfig struct {
	AllowedOrigins []string
	EnableHSTS     bool
}

func HeadersMiddleware(cfg HeadersConfig) fiber.Handler {
	csp := "default-src 'none'; frame-ancestors 'none'"
	if len(cfg.AllowedOrigins) > 0 {
		csp += "; connect-src 'self' " + strings.Join(cfg.AllowedOrigins, " ")
	}

	return func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("Referrer-Policy", "no-referrer")
		c.Set("Content-Security-Policy", csp)
		// Workflow results carry institutional compliance data.
		c.Set("Cache-Control", "no-store")

		if cfg.EnableHSTS {
			c.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		return c.Next()
	}
}
