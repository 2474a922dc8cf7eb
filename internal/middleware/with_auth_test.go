package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-attendance-api/internal/middleware"
)

func newAuthApp(userID interface{}, role string, opts middleware.AuthOptions) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if userID != nil {
			c.Locals("user_id", userID)
		}
		if role != "" {
			c.Locals("user_role", role)
		}
		return c.Next()
	})
	app.Get("/students/:id", middleware.WithAuth(func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	}, opts))
	return app
}

func TestWithAuthStaffAllowsTeacher(t *testing.T) {
	app := newAuthApp(uint(1), "Teacher", middleware.AuthOptions{Role: middleware.AuthRoleStaff})

	resp := perform(t, app, "/students/42")
	require.Equal(t, fiber.StatusNoContent, resp.StatusCode)
}

func TestWithAuthStaffRejectsStudent(t *testing.T) {
	app := newAuthApp(uint(10), "student", middleware.AuthOptions{Role: middleware.AuthRoleStaff})

	resp := perform(t, app, "/students/42")
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}

func TestWithAuthSelfParamAllowsOwner(t *testing.T) {
	app := newAuthApp(uint(42), "student", middleware.AuthOptions{Role: middleware.AuthRoleStaff, SelfParam: "id"})

	resp := perform(t, app, "/students/42")
	require.Equal(t, fiber.StatusNoContent, resp.StatusCode)

	resp = perform(t, app, "/students/43")
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}

func TestWithAuthRequiresUser(t *testing.T) {
	app := newAuthApp(nil, "admin", middleware.AuthOptions{Role: middleware.AuthRoleAny})

	resp := perform(t, app, "/students/42")
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestWithAuthAnyAcceptsStringUserID(t *testing.T) {
	app := newAuthApp("7", "", middleware.AuthOptions{})

	resp := perform(t, app, "/students/1")
	require.Equal(t, fiber.StatusNoContent, resp.StatusCode)
}

func perform(t *testing.T, app *fiber.App, path string) *http.Response {
	return performMethod(t, app, http.MethodGet, path)
}

func performMethod(t *testing.T, app *fiber.App, method, path string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}
