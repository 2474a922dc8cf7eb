package handler_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-attendance-api/internal/config"
	"github.com/noah-isme/gema-attendance-api/internal/database"
	"github.com/noah-isme/gema-attendance-api/internal/handler"
	"github.com/noah-isme/gema-attendance-api/internal/models"
	"github.com/noah-isme/gema-attendance-api/internal/repository"
	"github.com/noah-isme/gema-attendance-api/internal/router"
	"github.com/noah-isme/gema-attendance-api/internal/service"
	"github.com/noah-isme/gema-attendance-api/pkg/qrcode"
)

const testTeacherID = 7

type apiHarness struct {
	app      *fiber.App
	db       *gorm.DB
	rosters  *service.RosterCache
	student  models.Student
	outsider models.Student
	course   models.Course
	science  models.Course
	subject  models.Subject
	schedule models.Schedule
	session  models.AttendanceSession
	day      string
}

// testAuth stands in for the JWT middleware: identity comes from X-Test-User and X-Test-Role.
func testAuth(c *fiber.Ctx) error {
	if raw := c.Get("X-Test-User"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fiber.ErrUnauthorized
		}
		c.Locals("user_id", uint(id))
	}
	if role := c.Get("X-Test-Role"); role != "" {
		c.Locals("user_role", role)
	}
	return c.Next()
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db))

	h := &apiHarness{db: db}
	h.seed(t)

	logger := zerolog.Nop()
	validate := validator.New(validator.WithRequiredStructEnabled())
	cfg := config.Config{AppName: "gema-attendance-api", AppEnv: "test", ScanRateLimit: 100}

	enrollmentRepo := repository.NewEnrollmentRepository(db)
	sessionRepo := repository.NewAttendanceSessionRepository(db)
	attendanceRepo := repository.NewAttendanceRepository(db)
	courseRepo := repository.NewCourseRepository(db)
	studentRepo := repository.NewStudentRepository(db)

	feed := service.NewAttendanceFeed(nil, "", nil, logger)
	h.rosters = service.NewRosterCache(enrollmentRepo, nil, time.Minute, logger)
	schedules := service.NewScheduleCache(repository.NewScheduleRepository(db), time.Minute, logger)

	sessions := service.NewAttendanceSessionService(sessionRepo, courseRepo, qrcode.NewRenderer(128), nil, feed, validate, 15*time.Minute, logger)
	t.Cleanup(sessions.Close)
	attendance := service.NewAttendanceService(attendanceRepo, sessionRepo, feed, validate, logger)
	scans := service.NewScanService(h.rosters, schedules, sessionRepo, attendanceRepo, studentRepo, feed, 24*time.Hour, logger)
	enrollments := service.NewEnrollmentService(enrollmentRepo, studentRepo, courseRepo, service.NewEnrollmentReconciler(enrollmentRepo, logger), h.rosters, validate, logger)

	h.app = fiber.New()
	router.Register(h.app, cfg, router.Dependencies{
		Health:                   handler.HealthDependencies{DB: db},
		AttendanceSessionHandler: handler.NewAttendanceSessionHandler(sessions, attendance, feed, validate, logger),
		AttendanceRecordHandler:  handler.NewAttendanceRecordHandler(attendance, validate, logger),
		ScanHandler:              handler.NewScanHandler(scans, h.rosters, validate, cfg.ScanRateLimit, logger),
		EnrollmentHandler:        handler.NewEnrollmentHandler(enrollments, logger),
		ScheduleHandler:          handler.NewScheduleHandler(schedules, logger),
		JWTMiddleware:            testAuth,
	})

	return h
}

// seed creates a course with one class scheduled today, an active session, an enrolled student and
// a student who is not on the roster.
func (h *apiHarness) seed(t *testing.T) {
	t.Helper()

	now := time.Now()
	h.day = now.Format("2006-01-02")

	h.student = models.Student{Name: "Siti Aminah", Email: "siti@example.com", NIS: "2024001", IsActive: true}
	require.NoError(t, h.db.Create(&h.student).Error)
	h.outsider = models.Student{Name: "Budi Santoso", Email: "budi@example.com", NIS: "2024002", IsActive: true}
	require.NoError(t, h.db.Create(&h.outsider).Error)

	h.course = models.Course{Code: "INF-10", Name: "Informatika"}
	require.NoError(t, h.db.Create(&h.course).Error)
	h.subject = models.Subject{Name: "Pemrograman Dasar"}
	require.NoError(t, h.db.Create(&h.subject).Error)
	link := models.CourseSubject{CourseID: h.course.ID, SubjectID: h.subject.ID}
	require.NoError(t, h.db.Create(&link).Error)

	h.science = models.Course{Code: "SCI-2", Name: "Sains"}
	require.NoError(t, h.db.Create(&h.science).Error)
	for _, name := range []string{"Fisika", "Kimia"} {
		subject := models.Subject{Name: name}
		require.NoError(t, h.db.Create(&subject).Error)
		require.NoError(t, h.db.Create(&models.CourseSubject{CourseID: h.science.ID, SubjectID: subject.ID}).Error)
	}

	subjectID := h.subject.ID
	linkID := link.ID
	require.NoError(t, h.db.Create(&models.Enrollment{
		StudentID:       h.student.ID,
		CourseID:        h.course.ID,
		SubjectID:       &subjectID,
		CourseSubjectID: &linkID,
		EnrollmentDate:  now.UTC(),
		IsActive:        true,
	}).Error)

	h.session = models.AttendanceSession{
		CourseID:   h.course.ID,
		SubjectID:  &subjectID,
		TeacherID:  testTeacherID,
		QRCodeData: `{"type":"class-session"}`,
		StartTime:  now.Add(-10 * time.Minute).UTC(),
		EndTime:    now.Add(time.Hour).UTC(),
		ExpiryTime: now.Add(time.Hour).UTC(),
	}
	require.NoError(t, h.db.Create(&h.session).Error)

	sessionID := h.session.ID
	h.schedule = models.Schedule{
		CourseID:  h.course.ID,
		SubjectID: &subjectID,
		SessionID: &sessionID,
		TeacherID: testTeacherID,
		Date:      time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
		StartTime: "00:00",
		EndTime:   "23:59",
		Room:      "Lab 1",
	}
	require.NoError(t, h.db.Create(&h.schedule).Error)
}

func (h *apiHarness) card(student models.Student) string {
	return fmt.Sprintf(`{"type":"student-attendance","studentId":"%d","enrollments":[{"courseId":%d,"subjectIds":[%d]}]}`, student.ID, h.course.ID, h.subject.ID)
}

func (h *apiHarness) scanBody(raw string) map[string]interface{} {
	return map[string]interface{}{
		"raw":          raw,
		"course_id":    h.course.ID,
		"schedule_id":  h.schedule.ID,
		"session_date": h.day,
	}
}

type identity struct {
	userID uint
	role   string
}

var (
	asTeacher = identity{userID: testTeacherID, role: "teacher"}
	asAdmin   = identity{userID: 1, role: "admin"}
)

func asStudent(id uint) identity {
	return identity{userID: id, role: "student"}
}

func (h *apiHarness) do(t *testing.T, method, path string, who identity, body interface{}) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if who.userID != 0 {
		req.Header.Set("X-Test-User", strconv.FormatUint(uint64(who.userID), 10))
	}
	if who.role != "" {
		req.Header.Set("X-Test-Role", who.role)
	}

	resp, err := h.app.Test(req, 5000)
	require.NoError(t, err)
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, json.Unmarshal(data, target))
}

func startFiberServer(t *testing.T, app *fiber.App) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		if err := app.Listener(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("fiber listener stopped: %v", err)
		}
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	t.Cleanup(func() {
		_ = app.Shutdown()
		_ = listener.Close()
		select {
		case <-done:
		case <-time.After(100 * time.Millisecond):
		}
	})

	return listener.Addr().String()
}

func wsHeaders(who identity) http.Header {
	return http.Header{
		"X-Test-User": {strconv.FormatUint(uint64(who.userID), 10)},
		"X-Test-Role": {who.role},
	}
}
