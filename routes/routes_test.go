package routes

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadencer/cadence"
	"cadencer/config"
	"cadencer/dispatcher"
	"cadencer/engine"
	"cadencer/feedback"
	"cadencer/reconciler"
	"cadencer/store"
	"cadencer/utils"
)

func newTestServer(t *testing.T) *fiber.App {
	t.Helper()
	dir := t.TempDir()

	config.AppConfig.JWTSecret = "routes-test-secret"
	config.AppConfig.RateLimit = 1000
	config.AppConfig.StoreBackend = config.BackendFile

	log := logrus.New()
	log.SetOutput(io.Discard)

	st, err := store.NewFileStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	eng := engine.New(st, cadence.DefaultLibrary(), log)

	flags, err := reconciler.NewFlagStore(dir)
	require.NoError(t, err)
	recon := reconciler.New(flags, st, eng, log)

	fb, err := feedback.NewRecorder(dir)
	require.NoError(t, err)

	app := fiber.New()
	SetupRoutes(app, &Deps{
		Engine:     eng,
		Recon:      recon,
		Dispatcher: dispatcher.New(eng, fb, log),
		Feedback:   fb,
		Logger:     log,
	})
	return app
}

func TestHealthIsOpen(t *testing.T) {
	app := newTestServer(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestAPIRequiresToken(t *testing.T) {
	app := newTestServer(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/due", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	token, err := utils.GenerateAPIToken("ops", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/v1/due", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err = app.Test(req, 10000)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestWebhookIsOpen(t *testing.T) {
	app := newTestServer(t)

	body := strings.NewReader(`{"reason": "replied", "email": "jane@example.com"}`)
	req := httptest.NewRequest("POST", "/webhooks/engagement", body)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)
}

func TestUnknownRouteReturns404(t *testing.T) {
	app := newTestServer(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/no/such/route", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}
