package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/accred-agent/backend/pkg/logger"
)

// CoverageSource reports, per standard, how many distinct evidence items
// recorded across past runs support it.
type CoverageSource interface {
	StandardCoverage(ctx context.Context, accreditorID string, minConfidence float64) (map[string]int, error)
}

type CoverageHandler struct {
	source        CoverageSource
	minConfidence float64
}

func NewCoverageHandler(source CoverageSource, minConfidence float64) *CoverageHandler {
	return &CoverageHandler{
		source:        source,
		minConfidence: minConfidence,
	}
}

// HandleCoverage reads cross-run evidence coverage for an accreditor's
// standards from the mapping graph.
func (h *CoverageHandler) HandleCoverage(c *fiber.Ctx) error {
	if h.source == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Mapping graph is not configured",
		})
	}

	accreditorID := c.Params("accreditor")
	minConfidence := c.QueryFloat("min_confidence", h.minConfidence)

	coverage, err := h.source.StandardCoverage(c.Context(), accreditorID, minConfidence)
	if err != nil {
		logger.Error("Failed to query standard coverage",
			zap.String("accreditor_id", accreditorID),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to query standard coverage",
		})
	}

	return c.JSON(fiber.Map{
		"accreditor_id":  accreditorID,
		"min_confidence": minConfidence,
		"coverage":       coverage,
	})
}
