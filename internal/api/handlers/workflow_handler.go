package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/accred-agent/backend/internal/pipeline"
	"github.com/accred-agent/backend/internal/storage/models"
	"github.com/accred-agent/backend/pkg/logger"
)

type WorkflowHandler struct {
	orchestrator *pipeline.Orchestrator
}

func NewWorkflowHandler(orchestrator *pipeline.Orchestrator) *WorkflowHandler {
	return &WorkflowHandler{
		orchestrator: orchestrator,
	}
}

// HandleExecute starts a compliance workflow. By default the run executes
// in the background and the response carries the workflow id, so clients
// can stream progress or stop the run; pass ?wait=true to block until the
// run reaches a terminal status and get the full result back.
func (h *WorkflowHandler) HandleExecute(c *fiber.Ctx) error {
	var req pipeline.ExecuteRequest

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.InstitutionID == "" || req.AccreditorID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "institution_id and accreditor_id are required",
		})
	}

	if c.QueryBool("wait") {
		result, err := h.orchestrator.Execute(c.Context(), req)
		if err != nil {
			return h.executeError(c, err)
		}
		return c.JSON(result)
	}

	workflowID, err := h.orchestrator.Start(c.Context(), req)
	if err != nil {
		return h.executeError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"workflow_id": workflowID,
		"status":      models.StatusRunning,
	})
}

func (h *WorkflowHandler) executeError(c *fiber.Ctx, err error) error {
	if errors.Is(err, pipeline.ErrNoStandards) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "at least one standard is required",
		})
	}
	logger.Error("Failed to execute workflow", zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Failed to execute workflow",
	})
}

func (h *WorkflowHandler) GetStatus(c *fiber.Ctx) error {
	workflowID := c.Params("id")

	status, err := h.orchestrator.GetStatus(c.Context(), workflowID)
	if err != nil {
		if errors.Is(err, pipeline.ErrWorkflowNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Workflow not found",
			})
		}
		logger.Error("Failed to get workflow status", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get workflow status",
		})
	}

	return c.JSON(fiber.Map{
		"workflow_id": workflowID,
		"status":      status,
	})
}

func (h *WorkflowHandler) GetResult(c *fiber.Ctx) error {
	workflowID := c.Params("id")

	result, err := h.orchestrator.GetResult(c.Context(), workflowID)
	if err != nil {
		if errors.Is(err, pipeline.ErrWorkflowNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Workflow not found",
			})
		}
		logger.Error("Failed to get workflow result", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get workflow result",
		})
	}

	return c.JSON(result)
}

func (h *WorkflowHandler) HandleStop(c *fiber.Ctx) error {
	workflowID := c.Params("id")

	if err := h.orchestrator.Stop(workflowID); err != nil {
		if errors.Is(err, pipeline.ErrWorkflowNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Workflow not found",
			})
		}
		logger.Error("Failed to stop workflow", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to stop workflow",
		})
	}

	return c.JSON(fiber.Map{
		"workflow_id": workflowID,
		"status":      "stop_requested",
	})
}
