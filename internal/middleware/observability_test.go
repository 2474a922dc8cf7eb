package middleware_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-attendance-api/internal/middleware"
	"github.com/noah-isme/gema-attendance-api/internal/observability"
)

func TestObservabilityExportsRouteMetrics(t *testing.T) {
	app := fiber.New()
	middleware.Register(app, middleware.Config{Logger: zerolog.Nop()})
	app.Get("/metrics", observability.MetricsHandler())
	app.Get("/api/v2/attendance/sessions/:id", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNotFound)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v2/attendance/sessions/42", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(middleware.HeaderCorrelationID))

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Contains(t, string(body), `attendance_api_errors_total{method="GET",route="/api/v2/attendance/sessions/:id",status="404"}`)
	require.Contains(t, string(body), `attendance_api_requests_total{method="GET",route="/api/v2/attendance/sessions/:id",status="404"}`)
}
