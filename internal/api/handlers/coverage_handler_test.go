package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCoverageSource struct {
	coverage map[string]int
	err      error
}

func (s *stubCoverageSource) StandardCoverage(_ context.Context, _ string, _ float64) (map[string]int, error) {
	return s.coverage, s.err
}

func newCoverageApp(source CoverageSource) *fiber.App {
	app := fiber.New()
	handler := NewCoverageHandler(source, 0.7)
	app.Get("/api/v1/coverage/:accreditor", handler.HandleCoverage)
	return app
}

func TestCoverageReportsEvidenceCounts(t *testing.T) {
	app := newCoverageApp(&stubCoverageSource{coverage: map[string]int{"std-A": 3, "std-B": 1}})

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/coverage/acc-1", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body struct {
		AccreditorID  string         `json:"accreditor_id"`
		MinConfidence float64        `json:"min_confidence"`
		Coverage      map[string]int `json:"coverage"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "acc-1", body.AccreditorID)
	assert.InDelta(t, 0.7, body.MinConfidence, 1e-9)
	assert.Equal(t, map[string]int{"std-A": 3, "std-B": 1}, body.Coverage)
}

func TestCoverageUnavailableWithoutGraph(t *testing.T) {
	app := newCoverageApp(nil)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/coverage/acc-1", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestCoverageQueryFailure(t *testing.T) {
	app := newCoverageApp(&stubCoverageSource{err: assert.AnError})

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/coverage/acc-1", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}
