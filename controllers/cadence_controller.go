package controller

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"cadencer/dispatcher"
	"cadencer/engine"
	"cadencer/reconciler"
	"cadencer/utils"
)

type CadenceController struct {
	Engine     *engine.Engine
	Recon      *reconciler.Reconciler
	Dispatcher *dispatcher.Dispatcher
	Logger     *logrus.Logger
}

func NewCadenceController(eng *engine.Engine, recon *reconciler.Reconciler, disp *dispatcher.Dispatcher, logger *logrus.Logger) *CadenceController {
	return &CadenceController{
		Engine:     eng,
		Recon:      recon,
		Dispatcher: disp,
		Logger:     logger,
	}
}

// EnrollLead puts a lead into a cadence starting today (or at started_at).
func (cc *CadenceController) EnrollLead(c *fiber.Ctx) error {
	var input struct {
		Email       string     `json:"email" validate:"required,email"`
		CadenceID   string     `json:"cadence_id"`
		Tier        string     `json:"tier"`
		LinkedInURL string     `json:"linkedin_url" validate:"omitempty,url"`
		IfEnrolled  string     `json:"if_enrolled" validate:"omitempty,oneof=return error"`
		StartedAt   *time.Time `json:"started_at"`
	}

	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	req := engine.EnrollRequest{
		Email:       input.Email,
		CadenceID:   input.CadenceID,
		Tier:        input.Tier,
		LinkedInURL: input.LinkedInURL,
	}
	if input.StartedAt != nil {
		req.StartedAt = *input.StartedAt
	}
	if input.IfEnrolled == "error" {
		req.IfEnrolled = engine.EnrollErrIfExists
	}

	state, created, err := cc.Engine.Enroll(c.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrAlreadyEnrolled):
			return utils.ErrorResponse(c, fiber.StatusConflict, "Lead is already enrolled", err)
		case errors.Is(err, engine.ErrUnknownCadence), errors.Is(err, engine.ErrInvalidEmail):
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid enrollment", err)
		default:
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to enroll lead", err)
		}
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(utils.SuccessResponse(fiber.Map{
		"state":   state,
		"created": created,
	}))
}
