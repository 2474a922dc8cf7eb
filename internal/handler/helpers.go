package handler

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-attendance-api/internal/middleware"
	"github.com/noah-isme/gema-attendance-api/internal/service"
	"github.com/noah-isme/gema-attendance-api/internal/utils"
)

func parseUintParam(c *fiber.Ctx, name string) (uint, error) {
	return parseUintParamValue(c.Params(name))
}

func parseUintParamValue(value string) (uint, error) {
	parsed, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil || parsed == 0 {
		return 0, errors.New("invalid identifier")
	}
	return uint(parsed), nil
}

func userIDFromContext(c *fiber.Ctx) uint {
	return userIDFromLocal(c.Locals("user_id"))
}

func userIDFromLocal(value interface{}) uint {
	switch id := value.(type) {
	case uint:
		return id
	case int:
		if id < 0 {
			return 0
		}
		return uint(id)
	case float64:
		if id < 0 {
			return 0
		}
		return uint(id)
	case string:
		parsed, err := strconv.ParseUint(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return 0
		}
		return uint(parsed)
	}
	return 0
}

func userRoleFromContext(c *fiber.Ctx) string {
	if v := c.Locals("user_role"); v != nil {
		if role, ok := v.(string); ok {
			return strings.ToLower(role)
		}
	}
	return ""
}

func actorFromContext(c *fiber.Ctx) service.Actor {
	return service.Actor{
		ID:   userIDFromContext(c),
		Role: userRoleFromContext(c),
	}
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

func isValidationError(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}

// requireWebsocket rejects plain HTTP requests on websocket routes and keeps the request context
// for the connection handler.
func requireWebsocket(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	c.Locals("request_ctx", requestContext(c))
	return c.Next()
}

func websocketContext(conn *websocket.Conn) context.Context {
	if ctx, ok := conn.Locals("request_ctx").(context.Context); ok && ctx != nil {
		return ctx
	}
	return context.Background()
}

// respondServiceError maps the shared service sentinels onto HTTP responses.
func respondServiceError(c *fiber.Ctx, logger zerolog.Logger, err error) error {
	var validationErrors validator.ValidationErrors
	var applyErr *service.ReconcileApplyError

	switch {
	case errors.As(err, &validationErrors):
		return utils.Fail(c, fiber.StatusBadRequest, "invalid payload", validationErrors.Error())
	case errors.Is(err, service.ErrValidation):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrCourseNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "course not found")
	case errors.Is(err, service.ErrSubjectNotInCourse):
		return utils.SendError(c, fiber.StatusUnprocessableEntity, "subject is not part of the course")
	case errors.Is(err, service.ErrStudentNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "student not found")
	case errors.Is(err, service.ErrEnrollmentNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "enrollment not found")
	case errors.Is(err, service.ErrAttendanceSessionNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "attendance session not found")
	case errors.Is(err, service.ErrAttendanceSessionInactive):
		return utils.SendError(c, fiber.StatusGone, "attendance session is not active")
	case errors.Is(err, service.ErrAttendanceRecordNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "attendance record not found")
	case errors.Is(err, service.ErrAttendanceSessionForbidden), errors.Is(err, service.ErrAttendanceRecordForbidden):
		return utils.SendError(c, fiber.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrRosterLoading), errors.Is(err, service.ErrRosterUnavailable):
		c.Set(fiber.HeaderRetryAfter, "2")
		return utils.SendError(c, fiber.StatusServiceUnavailable, err.Error())
	case errors.As(err, &applyErr):
		requestLogger(logger, c).Error().Err(err).Msg("enrollment reconcile aborted")
		return utils.Fail(c, fiber.StatusBadGateway, "enrollment sync partially applied", fiber.Map{
			"operation":     applyErr.Op,
			"enrollment_id": applyErr.EnrollmentID,
			"course_id":     applyErr.CourseID,
			"updated":       len(applyErr.Report.Updated),
			"created":       len(applyErr.Report.Created),
			"removed":       applyErr.Report.Removed,
		})
	default:
		requestLogger(logger, c).Error().Err(err).Msg("internal server error")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
