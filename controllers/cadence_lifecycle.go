package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"cadencer/engine"
	"cadencer/models"
	"cadencer/utils"
)

// PauseLead freezes a lead without touching its schedule.
func (cc *CadenceController) PauseLead(c *fiber.Ctx) error {
	state, err := cc.Engine.Pause(c.Context(), c.Params("email"))
	if err != nil {
		return cc.lifecycleError(c, err, "Failed to pause lead")
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"state": state}))
}

// ResumeLead reactivates a paused lead. Overdue steps become due
// immediately; the schedule itself never moved.
func (cc *CadenceController) ResumeLead(c *fiber.Ctx) error {
	state, err := cc.Engine.Resume(c.Context(), c.Params("email"))
	if err != nil {
		return cc.lifecycleError(c, err, "Failed to resume lead")
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"state": state}))
}

// ExitLead removes a lead from its cadence for good.
func (cc *CadenceController) ExitLead(c *fiber.Ctx) error {
	var input struct {
		Reason string `json:"reason"`
	}
	// An empty body means a manual exit
	if err := c.BodyParser(&input); err != nil && len(c.Body()) > 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if input.Reason == "" {
		input.Reason = string(models.ExitManual)
	}

	state, err := cc.Engine.ApplyExitSignal(c.Context(), c.Params("email"), models.ExitReason(input.Reason))
	if err != nil {
		if errors.Is(err, engine.ErrInvalidReason) {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Unknown exit reason", err)
		}
		return cc.lifecycleError(c, err, "Failed to exit lead")
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"state": state}))
}

// RunPass forces a full pass right now instead of waiting for the next
// scheduled run: reconcile pending signals, then dispatch whatever is due.
func (cc *CadenceController) RunPass(c *fiber.Ctx) error {
	var today models.Date
	if raw := c.Query("date"); raw != "" {
		parsed, err := models.ParseDate(raw)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "date must be YYYY-MM-DD", err)
		}
		today = parsed
	}

	sync, err := cc.Recon.ProcessPendingSignals(c.Context(), today)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Signal reconciliation failed", err)
	}

	report, err := cc.Dispatcher.Dispatch(c.Context(), today)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Dispatch pass failed", err)
	}

	cc.Logger.WithFields(logrus.Fields{
		"signals_applied": sync.Applied,
		"sent":            report.Sent,
		"failed":          report.Failed,
	}).Info("▶️ Manual pass completed")
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"sync":     sync,
		"dispatch": report,
	}))
}

func (cc *CadenceController) lifecycleError(c *fiber.Ctx, err error, message string) error {
	switch {
	case errors.Is(err, engine.ErrNotEnrolled):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead is not enrolled", err)
	case errors.Is(err, engine.ErrNotActive):
		return utils.ErrorResponse(c, fiber.StatusConflict, "Lead has exited its cadence", err)
	default:
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, message, err)
	}
}
