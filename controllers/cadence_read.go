package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"cadencer/engine"
	"cadencer/models"
	"cadencer/utils"
)

// GetLeadStatus returns the full cadence state for one lead, with the
// upcoming step resolved from the cadence definition when there is one.
func (cc *CadenceController) GetLeadStatus(c *fiber.Ctx) error {
	email := c.Params("email")

	state, err := cc.Engine.GetStatus(c.Context(), email)
	if err != nil {
		if errors.Is(err, engine.ErrNotEnrolled) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead is not enrolled", err)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch lead", err)
	}

	var nextStep *models.CadenceStep
	if def := cc.Engine.Library().Get(state.CadenceID); def != nil && state.IsActive() {
		nextStep = def.Step(state.CurrentStep)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"state":     state,
		"next_step": nextStep,
	}))
}

// ListLeads returns every enrollment, optionally filtered by status.
func (cc *CadenceController) ListLeads(c *fiber.Ctx) error {
	statusFilter := c.Query("status")
	switch statusFilter {
	case "", "active", "paused", "exited":
	default:
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "status must be active, paused or exited", nil)
	}

	states, recordErrs, err := cc.Engine.ListStates(c.Context())
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list leads", err)
	}
	for _, re := range recordErrs {
		cc.Logger.WithField("email", re.Email).WithError(re.Err).Warn("Skipping unreadable lead record")
	}

	if statusFilter != "" {
		filtered := states[:0]
		for _, st := range states {
			if string(st.Status) == statusFilter {
				filtered = append(filtered, st)
			}
		}
		states = filtered
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"leads":   states,
		"skipped": len(recordErrs),
	}))
}

// GetDueActions returns what the dispatcher would act on for the given
// date (today when the date query param is absent). Computing dueness can
// fast-forward skipped steps, so repeated calls stay stable.
func (cc *CadenceController) GetDueActions(c *fiber.Ctx) error {
	var today models.Date
	if raw := c.Query("date"); raw != "" {
		parsed, err := models.ParseDate(raw)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "date must be YYYY-MM-DD", err)
		}
		today = parsed
	}

	res, err := cc.Engine.GetDueActions(c.Context(), today)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to compute due actions", err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"date":     res.Date,
		"actions":  res.Actions,
		"failures": len(res.Failures),
	}))
}

// ListCadences returns the loaded cadence definitions.
func (cc *CadenceController) ListCadences(c *fiber.Ctx) error {
	lib := cc.Engine.Library()

	defs := make([]*models.CadenceDefinition, 0, len(lib.IDs()))
	for _, id := range lib.IDs() {
		if def := lib.Get(id); def != nil {
			defs = append(defs, def)
		}
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"cadences": defs,
	}))
}
