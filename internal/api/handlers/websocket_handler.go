package handlers

import (
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/accred-agent/backend/internal/pipeline"
	"github.com/accred-agent/backend/pkg/logger"
)

type WebSocketHandler struct {
	orchestrator *pipeline.Orchestrator
}

func NewWebSocketHandler(orchestrator *pipeline.Orchestrator) *WebSocketHandler {
	return &WebSocketHandler{
		orchestrator: orchestrator,
	}
}

// HandleProgress streams round and stage events for a running workflow.
// The connection closes once the workflow reaches a terminal status.
func (h *WebSocketHandler) HandleProgress(c *websocket.Conn) {
	workflowID := c.Params("id")

	logger.Info("Progress stream opened", zap.String("workflow_id", workflowID))

	defer func() {
		c.Close()
		logger.Info("Progress stream closed", zap.String("workflow_id", workflowID))
	}()

	events, cancel, err := h.orchestrator.Subscribe(workflowID)
	if err != nil {
		h.sendError(c, "Workflow not found")
		return
	}
	defer cancel()

	for event := range events {
		if err := c.WriteJSON(event); err != nil {
			logger.Error("Failed to write progress event",
				zap.String("workflow_id", workflowID),
				zap.Error(err),
			)
			return
		}
	}
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	msg := map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	}

	c.WriteJSON(msg)
}
