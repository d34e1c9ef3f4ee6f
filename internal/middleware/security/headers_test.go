package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func headersFor(t *testing.T, cfg HeadersConfig) http.Header {
	t.Helper()

	app := fiber.New()
	app.Use(HeadersMiddleware(cfg))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	return resp.Header
}

func TestAPIHeaders(t *testing.T) {
	headers := headersFor(t, HeadersConfig{})

	assert.Equal(t, "nosniff", headers.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", headers.Get("X-Frame-Options"))
	assert.Equal(t, "no-store", headers.Get("Cache-Control"))
	assert.Equal(t, "default-src 'none'; frame-ancestors 'none'", headers.Get("Content-Security-Policy"))
	assert.Empty(t, headers.Get("Strict-Transport-Security"))
}

func TestHSTSOnlyWhenEnabled(t *testing.T) {
	headers := headersFor(t, HeadersConfig{EnableHSTS: true})
	assert.Contains(t, headers.Get("Strict-Transport-Security"), "max-age=31536000")
}

func TestConnectSrcFromAllowedOrigins(t *testing.T) {
	headers := headersFor(t, HeadersConfig{AllowedOrigins: []string{"https://reports.example.edu"}})
	assert.Contains(t, headers.Get("Content-Security-Policy"), "connect-src 'self' https://reports.example.edu")
}
