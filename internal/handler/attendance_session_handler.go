package handler

import (
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-attendance-api/internal/dto"
	"github.com/noah-isme/gema-attendance-api/internal/middleware"
	"github.com/noah-isme/gema-attendance-api/internal/service"
	"github.com/noah-isme/gema-attendance-api/internal/utils"
)

const liveWriteTimeout = 5 * time.Second

// AttendanceSessionHandler exposes the QR session lifecycle, its records and the live feed.
type AttendanceSessionHandler struct {
	sessions   service.AttendanceSessionService
	attendance service.AttendanceService
	feed       service.AttendanceFeed
	validator  *validator.Validate
	logger     zerolog.Logger
}

// NewAttendanceSessionHandler constructs the handler.
func NewAttendanceSessionHandler(sessions service.AttendanceSessionService, attendance service.AttendanceService, feed service.AttendanceFeed, validate *validator.Validate, logger zerolog.Logger) *AttendanceSessionHandler {
	return &AttendanceSessionHandler{
		sessions:   sessions,
		attendance: attendance,
		feed:       feed,
		validator:  validate,
		logger:     logger.With().Str("component", "attendance_session_handler").Logger(),
	}
}

// Register binds session routes under the provided router group.
func (h *AttendanceSessionHandler) Register(router fiber.Router) {
	staff := middleware.RequireStaff()

	router.Post("", staff, h.start)
	router.Get("/:id", h.get)
	router.Delete("/:id", staff, h.stop)
	router.Get("/:id/qr", h.qr)
	router.Get("/:id/records", h.records)
	router.Get("/:id/export", staff, h.export)
	router.Get("/:id/live", requireWebsocket, websocket.New(h.live))
}

func (h *AttendanceSessionHandler) start(c *fiber.Ctx) error {
	var payload dto.AttendanceSessionCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid payload", err.Error())
	}

	session, err := h.sessions.StartSession(requestContext(c), userIDFromContext(c), payload)
	if err != nil {
		return respondServiceError(c, h.logger, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "attendance session started", session)
}

func (h *AttendanceSessionHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	session, err := h.sessions.GetSession(requestContext(c), id)
	if err != nil {
		return respondServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "attendance session retrieved", session)
}

func (h *AttendanceSessionHandler) stop(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	session, err := h.sessions.StopSession(requestContext(c), id, actorFromContext(c))
	if err != nil {
		return respondServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "attendance session stopped", session)
}

func (h *AttendanceSessionHandler) qr(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	image, err := h.sessions.SessionQRCode(requestContext(c), id)
	if err != nil {
		return respondServiceError(c, h.logger, err)
	}

	c.Set(fiber.HeaderContentType, mimetype.Detect(image).String())
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Send(image)
}

func (h *AttendanceSessionHandler) records(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	records, err := h.attendance.ListBySession(requestContext(c), id)
	if err != nil {
		return respondServiceError(c, h.logger, err)
	}

	return utils.OK(c, records, "attendance records retrieved", fiber.Map{"count": len(records)})
}

func (h *AttendanceSessionHandler) export(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	export, err := h.attendance.ExportSession(requestContext(c), id)
	if err != nil {
		return respondServiceError(c, h.logger, err)
	}

	c.Set(fiber.HeaderContentType, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Attachment(export.FileName)
	return c.Send(export.Content)
}

func (h *AttendanceSessionHandler) live(conn *websocket.Conn) {
	id, err := parseUintParamValue(conn.Params("id"))
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "invalid session id"))
		_ = conn.Close()
		return
	}

	ctx := websocketContext(conn)
	session, err := h.sessions.GetSession(ctx, id)
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "attendance session not found"))
		_ = conn.Close()
		return
	}

	events, cleanup := h.feed.Subscribe(id)
	defer cleanup()

	h.logger.Info().Uint("session_id", id).Msg("live attendance feed connected")
	defer h.logger.Info().Uint("session_id", id).Msg("live attendance feed disconnected")

	initial := dto.AttendanceEvent{
		Type:            dto.AttendanceEventCountdown,
		SessionID:       id,
		State:           session.State,
		TimeLeftSeconds: session.TimeLeftSeconds,
		OccurredAt:      time.Now().UTC(),
	}
	if err := writeJSON(conn, initial); err != nil {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeJSON(conn, event); err != nil {
				h.logger.Debug().Err(err).Uint("session_id", id).Msg("live feed write failed")
				return
			}
		}
	}
}

func writeJSON(conn *websocket.Conn, payload interface{}) error {
	if err := conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}
