package validation

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testApp() *fiber.App {
	app := fiber.New()
	app.Use(Middleware(Config{Logger: zap.NewNop()}))
	app.Post("/api/v1/workflows", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	return app
}

func TestValidRequestPasses(t *testing.T) {
	app := testApp()

	req := httptest.NewRequest("POST", "/api/v1/workflows", strings.NewReader(`{"institution_id": "inst-1", "accreditor_id": "acc-1", "standards": []}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestMissingInstitutionRejected(t *testing.T) {
	app := testApp()

	req := httptest.NewRequest("POST", "/api/v1/workflows", strings.NewReader(`{"accreditor_id": "acc-1"}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestWrongContentTypeRejected(t *testing.T) {
	app := testApp()

	req := httptest.NewRequest("POST", "/api/v1/workflows", strings.NewReader("institution_id=inst-1"))
	req.Header.Set("Content-Type", "text/plain")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestXSSContentRejected(t *testing.T) {
	app := testApp()

	req := httptest.NewRequest("POST", "/api/v1/workflows", strings.NewReader(`{"institution_id": "<script>alert(1)</script>", "accreditor_id": "acc-1"}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestInvalidJSONRejected(t *testing.T) {
	app := testApp()

	req := httptest.NewRequest("POST", "/api/v1/workflows", strings.NewReader(`{"institution_id": `))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}
