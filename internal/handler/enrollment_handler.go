package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-attendance-api/internal/dto"
	"github.com/noah-isme/gema-attendance-api/internal/middleware"
	"github.com/noah-isme/gema-attendance-api/internal/service"
	"github.com/noah-isme/gema-attendance-api/internal/utils"
)

// EnrollmentHandler exposes enrollment sync and course rosters.
type EnrollmentHandler struct {
	service service.EnrollmentService
	logger  zerolog.Logger
}

// NewEnrollmentHandler constructs the handler.
func NewEnrollmentHandler(svc service.EnrollmentService, logger zerolog.Logger) *EnrollmentHandler {
	return &EnrollmentHandler{
		service: svc,
		logger:  logger.With().Str("component", "enrollment_handler").Logger(),
	}
}

// RegisterStudents binds routes under /students.
func (h *EnrollmentHandler) RegisterStudents(router fiber.Router) {
	router.Get("/:id/enrollments", middleware.WithAuth(h.list, middleware.AuthOptions{Role: middleware.AuthRoleStaff, SelfParam: "id"}))
	router.Put("/:id/enrollments", middleware.RequireStaff(), h.sync)
}

// RegisterEnrollments binds routes under /enrollments.
func (h *EnrollmentHandler) RegisterEnrollments(router fiber.Router) {
	router.Delete("/:id", middleware.RequireStaff(), h.remove)
}

// RegisterCourses binds routes under /courses.
func (h *EnrollmentHandler) RegisterCourses(router fiber.Router) {
	router.Get("/:id/roster", h.roster)
}

func (h *EnrollmentHandler) list(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	enrollments, err := h.service.ListByStudent(requestContext(c), id)
	if err != nil {
		return respondServiceError(c, h.logger, err)
	}

	return utils.OK(c, enrollments, "enrollments retrieved", fiber.Map{"count": len(enrollments)})
}

func (h *EnrollmentHandler) sync(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.EnrollmentSyncRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	result, err := h.service.Sync(requestContext(c), id, payload)
	if err != nil {
		return respondServiceError(c, h.logger, err)
	}

	if !result.Accepted {
		return utils.Fail(c, fiber.StatusConflict, "class selection required", result)
	}

	return utils.SendSuccess(c, "enrollments synced", result)
}

func (h *EnrollmentHandler) remove(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.service.Remove(requestContext(c), id); err != nil {
		return respondServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "enrollment removed", fiber.Map{"id": id})
}

func (h *EnrollmentHandler) roster(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	roster, err := h.service.Roster(requestContext(c), id)
	if err != nil {
		return respondServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "roster retrieved", roster)
}
