package controller

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"cadencer/models"
	"cadencer/reconciler"
	"cadencer/utils"
)

type SignalController struct {
	Flags  *reconciler.FlagStore
	Logger *logrus.Logger
}

func NewSignalController(flags *reconciler.FlagStore, logger *logrus.Logger) *SignalController {
	return &SignalController{
		Flags:  flags,
		Logger: logger,
	}
}

// HandleEngagementWebhook ingests one engagement event (reply, bounce,
// unsubscribe, connection accepted) as a signal flag. The producer gets a
// 202 as soon as the flag is durable; the reconciler applies it on the
// next pass. Unknown reasons are accepted and flagged, never rejected, so
// a newer producer cannot lose events against an older deployment.
func (sc *SignalController) HandleEngagementWebhook(c *fiber.Ctx) error {
	var input struct {
		Reason      string     `json:"reason" validate:"required"`
		Email       string     `json:"email" validate:"required,email"`
		Name        string     `json:"name"`
		LinkedInURL string     `json:"linkedin_url" validate:"omitempty,url"`
		Company     string     `json:"company"`
		Source      string     `json:"source"`
		FlaggedAt   *time.Time `json:"flagged_at"`
	}

	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	flag := &models.SignalFlag{
		Reason: models.SignalReason(input.Reason),
		Lead: models.SignalLead{
			Email:       input.Email,
			Name:        input.Name,
			LinkedInURL: input.LinkedInURL,
			Company:     input.Company,
		},
		Source: input.Source,
	}
	if input.FlaggedAt != nil {
		flag.FlaggedAt = *input.FlaggedAt
	}

	if err := sc.Flags.Write(flag); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to record signal", err)
	}

	sc.Logger.WithFields(logrus.Fields{
		"flag_id": flag.ID,
		"reason":  string(flag.Reason),
		"email":   flag.Lead.Email,
		"source":  flag.Source,
	}).Info("🚩 Engagement signal recorded")

	return c.Status(fiber.StatusAccepted).JSON(utils.SuccessResponse(fiber.Map{
		"id": flag.ID,
	}))
}

// ListPendingSignals returns flags the reconciler has not applied yet.
func (sc *SignalController) ListPendingSignals(c *fiber.Ctx) error {
	pending, recordErrs, err := sc.Flags.ListPending()
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list signals", err)
	}
	for _, re := range recordErrs {
		sc.Logger.WithField("flag", re.Email).WithError(re.Err).Warn("Skipping unreadable signal flag")
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"pending": pending,
		"corrupt": len(recordErrs),
	}))
}
