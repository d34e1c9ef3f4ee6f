package ratelimit

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(limiter *RateLimiter) *fiber.App {
	app := fiber.New()
	app.Use(limiter.Middleware())
	ok := func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) }
	app.Post("/api/v1/workflows", ok)
	app.Get("/api/v1/workflows/:id", ok)
	return app
}

func TestReadsWithinLimit(t *testing.T) {
	limiter := New(Config{MaxRequestsPerMinute: 3})
	defer limiter.Stop()
	app := newTestApp(limiter)

	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/workflows/wf-1", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/workflows/wf-1", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestExecuteCostsMoreThanReads(t *testing.T) {
	limiter := New(Config{MaxRequestsPerMinute: 4, ExecuteCost: 3})
	defer limiter.Stop()
	app := newTestApp(limiter)

	resp, err := app.Test(httptest.NewRequest("POST", "/api/v1/workflows", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	// One token left: a second run does not fit, a status read does.
	resp, err = app.Test(httptest.NewRequest("POST", "/api/v1/workflows", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/api/v1/workflows/wf-1", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestInstitutionKeysAreIndependent(t *testing.T) {
	limiter := New(Config{MaxRequestsPerMinute: 1})
	defer limiter.Stop()
	app := newTestApp(limiter)

	first := httptest.NewRequest("GET", "/api/v1/workflows/wf-1", nil)
	first.Header.Set("X-Institution-ID", "inst-1")
	resp, err := app.Test(first)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	exhausted := httptest.NewRequest("GET", "/api/v1/workflows/wf-1", nil)
	exhausted.Header.Set("X-Institution-ID", "inst-1")
	resp, err = app.Test(exhausted)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)

	other := httptest.NewRequest("GET", "/api/v1/workflows/wf-1", nil)
	other.Header.Set("X-Institution-ID", "inst-2")
	resp, err = app.Test(other)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
