package handler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-attendance-api/internal/dto"
	"github.com/noah-isme/gema-attendance-api/internal/middleware"
	"github.com/noah-isme/gema-attendance-api/internal/service"
	"github.com/noah-isme/gema-attendance-api/internal/utils"
)

// Scanner websocket message types.
const (
	scannerMessageSelect = "select"
	scannerMessageStart  = "start"
	scannerMessageFrame  = "frame"
	scannerMessageResume = "resume"
	scannerMessageCancel = "cancel"

	scannerEventCamera = "camera"
	scannerEventCue    = "cue"
	scannerEventStatus = "status"
	scannerEventError  = "error"
)

// ScanHandler validates decoded QR frames over HTTP and drives websocket scanners.
type ScanHandler struct {
	scans      service.ScanService
	rosters    service.RosterPrefetcher
	validator  *validator.Validate
	rateLimit  int
	rateWindow time.Duration
	logger     zerolog.Logger
}

// NewScanHandler constructs the handler. rosters may be nil.
func NewScanHandler(scans service.ScanService, rosters service.RosterPrefetcher, validate *validator.Validate, rateLimit int, logger zerolog.Logger) *ScanHandler {
	return &ScanHandler{
		scans:      scans,
		rosters:    rosters,
		validator:  validate,
		rateLimit:  rateLimit,
		rateWindow: 10 * time.Second,
		logger:     logger.With().Str("component", "scan_handler").Logger(),
	}
}

// Register binds scan routes under the attendance group.
func (h *ScanHandler) Register(router fiber.Router) {
	staff := middleware.RequireStaff()

	router.Post("/scan", staff, middleware.RateLimit("attendance-scan", h.rateLimit, h.rateWindow), h.scan)
	router.Get("/scanner", staff, requireWebsocket, websocket.New(h.scanner))
}

func (h *ScanHandler) scan(c *fiber.Ctx) error {
	var payload dto.AttendanceScanRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid payload", err.Error())
	}

	result, err := h.scans.Validate(requestContext(c), service.ScanRequest{
		Raw:            payload.Raw,
		CourseID:       payload.CourseID,
		ScheduleID:     payload.ScheduleID,
		RouteSessionID: payload.SessionID,
		TeacherID:      userIDFromContext(c),
		SessionDate:    payload.SessionDate,
		StartTime:      payload.StartTime,
		EndTime:        payload.EndTime,
	})
	if err == nil {
		return utils.SendSuccessWithStatus(c, fiber.StatusCreated, result.Message, result.Response())
	}

	var scanErr *service.ScanError
	if !errors.As(err, &scanErr) {
		return respondServiceError(c, h.logger, err)
	}

	status := fiber.StatusUnprocessableEntity
	switch {
	case errors.Is(err, service.ErrAttendanceAlreadyRecorded):
		status = fiber.StatusConflict
	case scanErr.Retryable:
		status = fiber.StatusServiceUnavailable
		c.Set(fiber.HeaderRetryAfter, "2")
	case scanErr.Kind == service.ScanErrorInput:
		status = fiber.StatusBadRequest
	case scanErr.Kind == service.ScanErrorAuthorization:
		status = fiber.StatusForbidden
	case errors.Is(err, service.ErrAttendanceSessionNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, service.ErrAttendanceSessionInactive):
		status = fiber.StatusGone
	case isValidationError(err), errors.Is(err, service.ErrValidation):
		status = fiber.StatusBadRequest
	case scanErr.Kind == service.ScanErrorUpstream:
		requestLogger(h.logger, c).Error().Err(err).Msg("attendance recording failed")
		status = fiber.StatusBadGateway
	}

	return utils.Fail(c, status, result.Message, result.Response())
}

type scannerMessage struct {
	Type string `json:"type"`
	Raw  string `json:"raw,omitempty"`
	service.ScannerSelection
}

type scannerEvent struct {
	Type    string                      `json:"type"`
	Active  *bool                       `json:"active,omitempty"`
	Cue     string                      `json:"cue,omitempty"`
	Message string                      `json:"message,omitempty"`
	Result  *dto.AttendanceScanResponse `json:"result,omitempty"`
}

// scannerSocket is the camera and speaker of a websocket scanner: the browser decodes frames and
// plays cues, the server tells it when to do so.
type scannerSocket struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *scannerSocket) send(event scannerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.conn, event)
}

func (s *scannerSocket) Start(context.Context) error {
	active := true
	return s.send(scannerEvent{Type: scannerEventCamera, Active: &active})
}

func (s *scannerSocket) Stop() error {
	active := false
	return s.send(scannerEvent{Type: scannerEventCamera, Active: &active})
}

func (s *scannerSocket) Play(_ context.Context, cue service.AudioCueKind) error {
	return s.send(scannerEvent{Type: scannerEventCue, Cue: string(cue)})
}

func (s *scannerSocket) Close() error {
	return nil
}

func (h *ScanHandler) scanner(conn *websocket.Conn) {
	teacherID := userIDFromLocal(conn.Locals("user_id"))
	if teacherID == 0 {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "user id missing"))
		_ = conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(websocketContext(conn))
	defer cancel()

	socket := &scannerSocket{conn: conn}
	scanner := service.NewScanner(h.scans, h.rosters, socket, socket, teacherID, h.logger)
	defer func() { _ = scanner.Close() }()

	h.logger.Info().Uint("teacher_id", teacherID).Msg("scanner connected")
	defer h.logger.Info().Uint("teacher_id", teacherID).Msg("scanner disconnected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var message scannerMessage
		if err := json.Unmarshal(data, &message); err != nil {
			_ = socket.send(scannerEvent{Type: scannerEventError, Message: "invalid message"})
			continue
		}

		switch message.Type {
		case scannerMessageSelect:
			scanner.Select(ctx, message.ScannerSelection)
			h.sendStatus(socket, scanner)
		case scannerMessageStart, scannerMessageResume:
			if err := scanner.Start(ctx); err != nil {
				_ = socket.send(scannerEvent{Type: scannerEventError, Message: err.Error()})
				continue
			}
			h.sendStatus(socket, scanner)
		case scannerMessageFrame:
			// Frames are validated off the read loop so a cancel can arrive while one is in flight.
			go func(raw string) {
				result, applied := scanner.OnDecode(ctx, raw)
				if !applied {
					return
				}
				response := result.Response()
				_ = socket.send(scannerEvent{Type: scannerEventStatus, Message: result.Message, Result: &response})
			}(message.Raw)
		case scannerMessageCancel:
			scanner.Cancel()
			h.sendStatus(socket, scanner)
		default:
			_ = socket.send(scannerEvent{Type: scannerEventError, Message: "unknown message type"})
		}
	}
}

func (h *ScanHandler) sendStatus(socket *scannerSocket, scanner *service.Scanner) {
	snapshot := scanner.Snapshot()
	response := dto.AttendanceScanResponse{
		Status:    string(snapshot.Status),
		Message:   snapshot.Message,
		Cue:       string(service.AudioCueNone),
		Retryable: snapshot.Retryable,
	}
	if err := socket.send(scannerEvent{Type: scannerEventStatus, Message: snapshot.Message, Result: &response}); err != nil {
		h.logger.Debug().Err(err).Msg("scanner status write failed")
	}
}
