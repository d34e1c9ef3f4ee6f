package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accred-agent/backend/internal/llm"
	"github.com/accred-agent/backend/internal/pipeline"
	"github.com/accred-agent/backend/internal/storage/models"
	"github.com/accred-agent/backend/pkg/config"
)

type scriptedGenerator struct {
	responses map[llm.Role]string
}

func (g *scriptedGenerator) Generate(_ context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
	content, ok := g.responses[req.Role]
	if !ok {
		return nil, fmt.Errorf("no scripted response for role %s", req.Role)
	}
	return &llm.GenerateResponse{Content: content}, nil
}

func newWorkflowApp(t *testing.T) (*fiber.App, *pipeline.Orchestrator) {
	t.Helper()

	generator := &scriptedGenerator{responses: map[llm.Role]string{
		llm.RoleMapper:    `{"mappings": [{"evidence_id": "ev-1", "standard_id": "std-A", "confidence_score": 0.9}], "unmapped_evidence": [], "overall_confidence": 0.9}`,
		llm.RoleGapFinder: `[]`,
		llm.RoleNarrator:  strings.Repeat("The institution documents its compliance processes in detail. ", 60),
	}}

	orchestrator, err := pipeline.NewOrchestrator(pipeline.Deps{LLM: generator}, config.PipelineConfig{
		MappingAcceptance:    0.7,
		ReviewLowerBound:     0.4,
		CitationThreshold:    0.85,
		FactualAccuracyProxy: 0.85,
		EvidenceSufficiency:  2,
		MaxRounds:            2,
		NarrativeTargetWords: 400,
	})
	require.NoError(t, err)

	handler := NewWorkflowHandler(orchestrator)
	app := fiber.New()
	app.Post("/api/v1/workflows", handler.HandleExecute)
	app.Get("/api/v1/workflows/:id", handler.GetStatus)
	return app, orchestrator
}

const executeBody = `{
	"institution_id": "inst-1",
	"accreditor_id": "acc-1",
	"institution_type": "university",
	"evidence": [{"id": "ev-1", "title": "Faculty Report", "type": "report", "extracted_text": "All faculty hold terminal degrees."}],
	"standards": [{"id": "std-A", "accreditor_id": "acc-1", "title": "Faculty Qualifications", "description": "Faculty are qualified.", "weight": 1.0}]
}`

func TestExecuteReturnsIDImmediately(t *testing.T) {
	app, orchestrator := newWorkflowApp(t)

	req := httptest.NewRequest("POST", "/api/v1/workflows", strings.NewReader(executeBody))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body struct {
		WorkflowID string `json:"workflow_id"`
		Status     string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	require.NotEmpty(t, body.WorkflowID)
	assert.Equal(t, string(models.StatusRunning), body.Status)

	// The background run reaches a terminal status on its own.
	require.Eventually(t, func() bool {
		status, err := orchestrator.GetStatus(context.Background(), body.WorkflowID)
		return err == nil && status != models.StatusRunning
	}, time.Second, 5*time.Millisecond)
}

func TestExecuteWaitReturnsFullResult(t *testing.T) {
	app, _ := newWorkflowApp(t)

	req := httptest.NewRequest("POST", "/api/v1/workflows?wait=true", strings.NewReader(executeBody))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var result models.WorkflowResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.NotEmpty(t, result.WorkflowID)
	assert.NotEqual(t, models.StatusRunning, result.Status)
	assert.NotEmpty(t, result.Rounds)
}

func TestExecuteRejectsMissingStandards(t *testing.T) {
	app, _ := newWorkflowApp(t)

	req := httptest.NewRequest("POST", "/api/v1/workflows", strings.NewReader(`{"institution_id": "inst-1", "accreditor_id": "acc-1"}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}
