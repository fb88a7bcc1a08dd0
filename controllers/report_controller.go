package controller

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"cadencer/feedback"
	"cadencer/utils"
)

type ReportController struct {
	Feedback *feedback.Recorder
	Logger   *logrus.Logger
}

func NewReportController(fb *feedback.Recorder, logger *logrus.Logger) *ReportController {
	return &ReportController{
		Feedback: fb,
		Logger:   logger,
	}
}

// GetStepStats returns per-step aggregates from the outcome log.
func (rc *ReportController) GetStepStats(c *fiber.Ctx) error {
	stats, err := rc.Feedback.Stats()
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to aggregate outcomes", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"steps": stats,
	}))
}

// GetOutcomes returns the most recent raw outcome events, newest last.
func (rc *ReportController) GetOutcomes(c *fiber.Ctx) error {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "limit must be a positive integer", err)
		}
		limit = parsed
	}

	outcomes, malformed, err := rc.Feedback.All()
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to read outcome log", err)
	}
	if malformed > 0 {
		rc.Logger.WithField("lines", malformed).Warn("Outcome log contains malformed lines")
	}
	if len(outcomes) > limit {
		outcomes = outcomes[len(outcomes)-limit:]
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"outcomes":  outcomes,
		"malformed": malformed,
	}))
}
