package validation

import (
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

type Config struct {
	MaxBodySize         int
	MaxEvidenceItems    int
	MaxStandards        int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = 25 * 1024 * 1024
	}
	if cfg.MaxEvidenceItems == 0 {
		cfg.MaxEvidenceItems = 500
	}
	if cfg.MaxStandards == 0 {
		cfg.MaxStandards = 500
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == "POST" || c.Method() == "PUT" {
			contentType := c.Get("Content-Type")
			if contentType != "" {
				allowed := false
				for _, allowedType := range cfg.AllowedContentTypes {
					if strings.Contains(contentType, allowedType) {
						allowed = true
						break
					}
				}
				if !allowed {
					return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
						"error": "Unsupported content type",
					})
				}
			}

			if len(c.Body()) > cfg.MaxBodySize {
				return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
					"error": "Request body exceeds maximum size",
				})
			}
		}

		path := c.Path()

		if c.Method() == "POST" && strings.HasSuffix(path, "/workflows") {
			var req map[string]interface{}
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid JSON format",
				})
			}

			institutionID, ok := req["institution_id"].(string)
			if !ok || institutionID == "" {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "institution_id is required and must be a string",
				})
			}

			accreditorID, ok := req["accreditor_id"].(string)
			if !ok || accreditorID == "" {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "accreditor_id is required and must be a string",
				})
			}

			if containsXSS(institutionID) || containsXSS(accreditorID) {
				cfg.Logger.Warn("Potential XSS attempt",
					zap.String("ip", c.IP()),
					zap.String("institution_id", institutionID),
				)
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid request content",
				})
			}

			if items, ok := req["evidence"].([]interface{}); ok && len(items) > cfg.MaxEvidenceItems {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Too many evidence items",
				})
			}

			if standards, ok := req["standards"].([]interface{}); ok && len(standards) > cfg.MaxStandards {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Too many standards",
				})
			}
		}

		return c.Next()
	}
}

func containsXSS(input string) bool {
	return xssPattern.MatchString(input)
}
