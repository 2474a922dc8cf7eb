package handler_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-attendance-api/internal/dto"
	"github.com/noah-isme/gema-attendance-api/internal/models"
)

type scanEnvelope struct {
	Success bool                        `json:"success"`
	Message string                      `json:"message"`
	Data    *dto.AttendanceScanResponse `json:"data"`
	Details *dto.AttendanceScanResponse `json:"details"`
}

func TestScanHandlerRecordsAttendanceOnce(t *testing.T) {
	h := newAPIHarness(t)

	resp := h.do(t, http.MethodPost, "/api/v2/attendance/scan", asTeacher, h.scanBody(h.card(h.student)))
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var created scanEnvelope
	decodeResponse(t, resp, &created)
	require.True(t, created.Success)
	require.Equal(t, "Attendance recorded for Siti Aminah", created.Message)
	require.Equal(t, "success", created.Data.Status)
	require.Equal(t, "single-beep", created.Data.Cue)
	require.NotNil(t, created.Data.Record)
	require.Equal(t, h.session.ID, created.Data.Record.SessionID)
	require.Equal(t, models.AttendanceStatusPresent, created.Data.Record.Status)
	require.Equal(t, uint(testTeacherID), created.Data.Record.TeacherID)

	resp = h.do(t, http.MethodPost, "/api/v2/attendance/scan", asTeacher, h.scanBody(h.card(h.student)))
	require.Equal(t, fiber.StatusConflict, resp.StatusCode)

	var duplicate scanEnvelope
	decodeResponse(t, resp, &duplicate)
	require.False(t, duplicate.Success)
	require.Equal(t, "error", duplicate.Details.Status)
	require.Equal(t, "double-beep", duplicate.Details.Cue)
	require.Equal(t, created.Data.Record.ID, duplicate.Details.Record.ID)

	var count int64
	require.NoError(t, h.db.Model(&models.AttendanceRecord{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestScanHandlerRejections(t *testing.T) {
	h := newAPIHarness(t)

	cases := []struct {
		name   string
		who    identity
		body   interface{}
		status int
		cue    string
	}{
		{name: "outsider", who: asTeacher, body: h.scanBody(h.card(h.outsider)), status: fiber.StatusForbidden, cue: "double-beep"},
		{name: "session card", who: asTeacher, body: h.scanBody(`{"type":"class-session","sessionId":"1"}`), status: fiber.StatusBadRequest, cue: "none"},
		{name: "empty frame", who: asTeacher, body: h.scanBody("  "), status: fiber.StatusBadRequest, cue: "none"},
		{name: "unknown schedule", who: asTeacher, body: map[string]interface{}{
			"raw": h.card(h.student), "course_id": h.course.ID, "schedule_id": 999, "session_date": h.day,
		}, status: fiber.StatusBadRequest, cue: "none"},
		{name: "other course", who: asTeacher, body: map[string]interface{}{
			"raw": h.card(h.student), "course_id": h.science.ID, "schedule_id": h.schedule.ID, "session_date": h.day,
		}, status: fiber.StatusBadRequest, cue: "none"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := h.do(t, http.MethodPost, "/api/v2/attendance/scan", tc.who, tc.body)
			require.Equal(t, tc.status, resp.StatusCode)

			var body scanEnvelope
			decodeResponse(t, resp, &body)
			require.False(t, body.Success)
			require.NotNil(t, body.Details)
			require.Equal(t, tc.cue, body.Details.Cue)
		})
	}
}

func TestScanHandlerRequestValidation(t *testing.T) {
	h := newAPIHarness(t)

	resp := h.do(t, http.MethodPost, "/api/v2/attendance/scan", asTeacher, map[string]interface{}{"raw": h.card(h.student)})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/v2/attendance/scan", asTeacher, map[string]interface{}{
		"raw": h.card(h.student), "course_id": h.course.ID, "session_date": "06/05/2024",
	})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/v2/attendance/scan", asStudent(h.student.ID), h.scanBody(h.card(h.student)))
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}

func TestScanHandlerInactiveSession(t *testing.T) {
	h := newAPIHarness(t)

	stoppedAt := time.Now().Add(-time.Minute).UTC()
	require.NoError(t, h.db.Model(&models.AttendanceSession{}).Where("id = ?", h.session.ID).Update("stopped_at", stoppedAt).Error)

	resp := h.do(t, http.MethodPost, "/api/v2/attendance/scan", asTeacher, h.scanBody(h.card(h.student)))
	require.Equal(t, fiber.StatusGone, resp.StatusCode)

	var body scanEnvelope
	decodeResponse(t, resp, &body)
	require.Equal(t, "double-beep", body.Details.Cue)
	require.False(t, body.Details.Retryable)
}

func TestScanResponseContract(t *testing.T) {
	schemaPath, err := filepath.Abs(filepath.Join("testdata", "attendance_scan.schema.json"))
	require.NoError(t, err)

	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile("file://" + schemaPath)
	require.NoError(t, err)

	h := newAPIHarness(t)
	for _, raw := range []string{h.card(h.student), h.card(h.student), h.card(h.outsider)} {
		resp := h.do(t, http.MethodPost, "/api/v2/attendance/scan", asTeacher, h.scanBody(raw))

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())

		var payload interface{}
		require.NoError(t, json.Unmarshal(body, &payload))
		require.NoError(t, schema.Validate(payload), string(body))
	}
}

type scannerEventMessage struct {
	Type    string                      `json:"type"`
	Active  *bool                       `json:"active"`
	Cue     string                      `json:"cue"`
	Message string                      `json:"message"`
	Result  *dto.AttendanceScanResponse `json:"result"`
}

func readScannerEvent(t *testing.T, conn *websocket.Conn) scannerEventMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var event scannerEventMessage
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

// awaitScannerEvent reads events until one matches, returning every event seen on the way.
func awaitScannerEvent(t *testing.T, conn *websocket.Conn, match func(scannerEventMessage) bool) []scannerEventMessage {
	t.Helper()
	var seen []scannerEventMessage
	for i := 0; i < 10; i++ {
		event := readScannerEvent(t, conn)
		seen = append(seen, event)
		if match(event) {
			return seen
		}
	}
	t.Fatalf("expected scanner event not received, saw %+v", seen)
	return nil
}

func TestScannerWebsocketFlow(t *testing.T) {
	h := newAPIHarness(t)
	_, err := h.rosters.Get(context.Background(), h.course.ID)
	require.NoError(t, err)

	addr := startFiberServer(t, h.app)
	dialer := websocket.Dialer{HandshakeTimeout: 3 * time.Second}
	conn, resp, err := dialer.Dial("ws://"+addr+"/api/v2/attendance/scanner", wsHeaders(asTeacher))
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":         "select",
		"course_id":    h.course.ID,
		"schedule_id":  h.schedule.ID,
		"session_date": h.day,
	}))
	status := readScannerEvent(t, conn)
	require.Equal(t, "status", status.Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "start"}))
	camera := readScannerEvent(t, conn)
	require.Equal(t, "camera", camera.Type)
	require.True(t, *camera.Active)
	require.Equal(t, "scanning", readScannerEvent(t, conn).Result.Status)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "frame", "raw": h.card(h.student)}))
	// The cue is played asynchronously, so it may arrive on either side of the result.
	var cameraOff, beeped bool
	var result *scannerEventMessage
	awaitScannerEvent(t, conn, func(event scannerEventMessage) bool {
		switch {
		case event.Type == "camera" && event.Active != nil && !*event.Active:
			cameraOff = true
		case event.Type == "cue" && event.Cue == "single-beep":
			beeped = true
		case event.Type == "status" && event.Result != nil && event.Result.Status == "success":
			matched := event
			result = &matched
		}
		return beeped && result != nil
	})
	require.True(t, cameraOff, "camera should stop while a frame is validated")
	require.Equal(t, "Attendance recorded for Siti Aminah", result.Message)
	require.Equal(t, h.student.ID, result.Result.Record.StudentID)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "bogus"}))
	awaitScannerEvent(t, conn, func(event scannerEventMessage) bool {
		return event.Type == "error" && event.Message == "unknown message type"
	})
}

func TestScannerWebsocketRequiresStaff(t *testing.T) {
	h := newAPIHarness(t)
	addr := startFiberServer(t, h.app)

	dialer := websocket.Dialer{HandshakeTimeout: 3 * time.Second}
	_, resp, err := dialer.Dial("ws://"+addr+"/api/v2/attendance/scanner", wsHeaders(asStudent(h.student.ID)))
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	plain := h.do(t, http.MethodGet, "/api/v2/attendance/scanner", asTeacher, nil)
	require.Equal(t, fiber.StatusUpgradeRequired, plain.StatusCode)
}
