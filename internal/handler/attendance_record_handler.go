package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-attendance-api/internal/dto"
	"github.com/noah-isme/gema-attendance-api/internal/middleware"
	"github.com/noah-isme/gema-attendance-api/internal/service"
	"github.com/noah-isme/gema-attendance-api/internal/utils"
)

// AttendanceRecordHandler exposes record corrections and per-course daily listings.
type AttendanceRecordHandler struct {
	service   service.AttendanceService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewAttendanceRecordHandler constructs the handler.
func NewAttendanceRecordHandler(svc service.AttendanceService, validate *validator.Validate, logger zerolog.Logger) *AttendanceRecordHandler {
	return &AttendanceRecordHandler{
		service:   svc,
		validator: validate,
		logger:    logger.With().Str("component", "attendance_record_handler").Logger(),
	}
}

// Register binds record routes under the attendance group.
func (h *AttendanceRecordHandler) Register(router fiber.Router) {
	router.Patch("/records/:id", middleware.RequireStaff(), h.updateStatus)
	router.Get("/courses/:id/records", h.listByCourse)
}

func (h *AttendanceRecordHandler) updateStatus(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.AttendanceStatusUpdateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	record, err := h.service.UpdateStatus(requestContext(c), id, actorFromContext(c), payload)
	if err != nil {
		return respondServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "attendance record updated", record)
}

func (h *AttendanceRecordHandler) listByCourse(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	date := c.Query("date")
	records, err := h.service.ListByCourseAndDate(requestContext(c), id, date)
	if err != nil {
		return respondServiceError(c, h.logger, err)
	}

	return utils.OK(c, records, "attendance records retrieved", fiber.Map{
		"count": len(records),
		"date":  date,
	})
}
