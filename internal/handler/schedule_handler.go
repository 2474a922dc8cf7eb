package handler

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-attendance-api/internal/dto"
	"github.com/noah-isme/gema-attendance-api/internal/service"
	"github.com/noah-isme/gema-attendance-api/internal/utils"
)

// ScheduleHandler lists the schedules a scanner can be pointed at.
type ScheduleHandler struct {
	schedules *service.ScheduleCache
	logger    zerolog.Logger
}

// NewScheduleHandler constructs the handler.
func NewScheduleHandler(schedules *service.ScheduleCache, logger zerolog.Logger) *ScheduleHandler {
	return &ScheduleHandler{
		schedules: schedules,
		logger:    logger.With().Str("component", "schedule_handler").Logger(),
	}
}

// Register binds schedule routes.
func (h *ScheduleHandler) Register(router fiber.Router) {
	router.Get("", h.list)
}

func (h *ScheduleHandler) list(c *fiber.Ctx) error {
	day := time.Now()
	if raw := strings.TrimSpace(c.Query("date")); raw != "" {
		parsed, err := time.ParseInLocation("2006-01-02", raw, time.Local)
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "date must be YYYY-MM-DD")
		}
		day = parsed
	}

	schedules, err := h.schedules.ForDate(requestContext(c), day)
	if err != nil {
		return respondServiceError(c, h.logger, err)
	}

	return utils.OK(c, dto.NewScheduleResponseSlice(schedules), "schedules retrieved", fiber.Map{
		"count": len(schedules),
		"date":  day.Format("2006-01-02"),
	})
}
