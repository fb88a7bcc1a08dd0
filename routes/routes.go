package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	controller "cadencer/controllers"
	"cadencer/dispatcher"
	"cadencer/engine"
	"cadencer/feedback"
	"cadencer/middleware"
	"cadencer/reconciler"
)

// Deps carries the wired components the handlers operate on.
type Deps struct {
	Engine     *engine.Engine
	Recon      *reconciler.Reconciler
	Dispatcher *dispatcher.Dispatcher
	Feedback   *feedback.Recorder
	Logger     *logrus.Logger
}

func SetupRoutes(app *fiber.App, deps *Deps) {
	cadenceController := controller.NewCadenceController(deps.Engine, deps.Recon, deps.Dispatcher, deps.Logger)
	signalController := controller.NewSignalController(deps.Recon.Flags(), deps.Logger)
	reportController := controller.NewReportController(deps.Feedback, deps.Logger)

	// Health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Webhook intake is unauthenticated but rate limited: external
	// producers (reply detectors, LinkedIn scrapers) hold no tokens.
	hooks := app.Group("/webhooks", middleware.WebhookRateLimiter(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	hooks.Post("/engagement", signalController.HandleEngagementWebhook)

	// Admin API group with protection
	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Cadence definition routes
	api.Get("/cadences", cadenceController.ListCadences)

	// Lead routes
	lead := api.Group("/leads")
	lead.Post("/", cadenceController.EnrollLead)
	lead.Get("/", cadenceController.ListLeads)
	lead.Get("/:email", cadenceController.GetLeadStatus)
	lead.Post("/:email/pause", cadenceController.PauseLead)
	lead.Post("/:email/resume", cadenceController.ResumeLead)
	lead.Post("/:email/exit", cadenceController.ExitLead)

	// Due work and manual pass
	api.Get("/due", cadenceController.GetDueActions)
	api.Post("/run", cadenceController.RunPass)

	// Signal routes
	api.Get("/signals/pending", signalController.ListPendingSignals)

	// Report routes
	report := api.Group("/report")
	report.Get("/steps", reportController.GetStepStats)
	report.Get("/outcomes", reportController.GetOutcomes)

	// WebSocket route for the live activity feed
	app.Get("/api/v1/activity", websocket.New(cadenceController.HandleActivityWS))

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
