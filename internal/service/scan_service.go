package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-attendance-api/internal/dto"
	"github.com/noah-isme/gema-attendance-api/internal/models"
	"github.com/noah-isme/gema-attendance-api/internal/observability"
	"github.com/noah-isme/gema-attendance-api/internal/repository"
)

var (
	// ErrScheduleCourseMismatch is returned when the selected schedule or session belongs to another course.
	ErrScheduleCourseMismatch = errors.New("schedule does not belong to the selected course")
	// ErrStudentNotEnrolledInCourse is returned when the card does not claim the scheduled course.
	ErrStudentNotEnrolledInCourse = errors.New("student is not enrolled in this course")
	// ErrStudentNotEnrolledInSubject is returned when the card does not claim the scheduled subject.
	ErrStudentNotEnrolledInSubject = errors.New("student is not enrolled in this subject")
	// ErrStudentNotInRoster is returned when the course roster does not list the student.
	ErrStudentNotInRoster = errors.New("student is not on the course roster")
	// ErrAttendanceSessionNotFound is returned when the resolved session does not exist.
	ErrAttendanceSessionNotFound = errors.New("attendance session not found")
	// ErrAttendanceSessionInactive is returned for stopped or expired sessions.
	ErrAttendanceSessionInactive = errors.New("attendance session is not active")
	// ErrAttendanceAlreadyRecorded is returned when the student was already recorded in the session.
	ErrAttendanceAlreadyRecorded = errors.New("attendance already recorded")
	// ErrAttendanceRecordFailed wraps persistence failures while recording attendance.
	ErrAttendanceRecordFailed = errors.New("recording attendance failed")
)

// ScanStatus is the scanner UI status after handling a frame.
type ScanStatus string

// Scanner statuses.
const (
	ScanStatusIdle     ScanStatus = "idle"
	ScanStatusScanning ScanStatus = "scanning"
	ScanStatusLoading  ScanStatus = "loading"
	ScanStatusSuccess  ScanStatus = "success"
	ScanStatusError    ScanStatus = "error"
)

// AudioCueKind names the sound played after a scan.
type AudioCueKind string

// Audio cues.
const (
	AudioCueNone       AudioCueKind = "none"
	AudioCueSingleBeep AudioCueKind = "single-beep"
	AudioCueDoubleBeep AudioCueKind = "double-beep"
)

// ScanErrorKind classifies scan rejections.
type ScanErrorKind string

// Scan rejection kinds.
const (
	ScanErrorInput         ScanErrorKind = "input"
	ScanErrorAuthorization ScanErrorKind = "authorization"
	ScanErrorUpstream      ScanErrorKind = "upstream"
)

// ScanError is a rejected scan with the message shown to the teacher.
type ScanError struct {
	Kind      ScanErrorKind
	Err       error
	Message   string
	Retryable bool
}

func (e *ScanError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Err.Error()
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// Cue returns the audio cue for the rejection. Input errors happen before authorization and stay silent.
func (e *ScanError) Cue() AudioCueKind {
	if e.Kind == ScanErrorInput {
		return AudioCueNone
	}
	return AudioCueDoubleBeep
}

// ScanRequest is one decoded frame together with the teacher's current selection.
type ScanRequest struct {
	Raw            string
	CourseID       uint
	ScheduleID     *uint
	RouteSessionID *uint
	TeacherID      uint
	SessionDate    string
	StartTime      string
	EndTime        string
}

// ScanResult is what the scanner shows and plays after a frame was handled.
type ScanResult struct {
	Status      ScanStatus
	Message     string
	Cue         AudioCueKind
	Retryable   bool
	StudentID   string
	StudentName string
	Record      *models.AttendanceRecord
}

// Response converts the result into its wire form.
func (r ScanResult) Response() dto.AttendanceScanResponse {
	response := dto.AttendanceScanResponse{
		Status:      string(r.Status),
		Message:     r.Message,
		Cue:         string(r.Cue),
		Retryable:   r.Retryable,
		StudentID:   r.StudentID,
		StudentName: r.StudentName,
	}
	if r.Record != nil {
		record := dto.NewAttendanceRecordResponse(*r.Record)
		response.Record = &record
	}
	return response
}

// ScanService validates decoded QR frames and records attendance.
type ScanService interface {
	Validate(ctx context.Context, req ScanRequest) (ScanResult, error)
}

type scanService struct {
	rosters   *RosterCache
	schedules *ScheduleCache
	sessions  repository.AttendanceSessionRepository
	records   repository.AttendanceRepository
	students  repository.StudentRepository
	feed      AttendanceFeed
	lateAfter time.Duration
	location  *time.Location
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewScanService constructs the scan validation pipeline. feed may be nil.
func NewScanService(
	rosters *RosterCache,
	schedules *ScheduleCache,
	sessions repository.AttendanceSessionRepository,
	records repository.AttendanceRepository,
	students repository.StudentRepository,
	feed AttendanceFeed,
	lateAfter time.Duration,
	logger zerolog.Logger,
) ScanService {
	return &scanService{
		rosters:   rosters,
		schedules: schedules,
		sessions:  sessions,
		records:   records,
		students:  students,
		feed:      feed,
		lateAfter: lateAfter,
		location:  time.Local,
		logger:    logger.With().Str("component", "scan_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-attendance-api/internal/service/scan"),
		now:       time.Now,
	}
}

func (s *scanService) Validate(ctx context.Context, req ScanRequest) (ScanResult, error) {
	spanCtx, span := s.tracer.Start(ctx, "attendance.scan", trace.WithAttributes(
		attribute.Int64("attendance.course_id", int64(req.CourseID)),
		attribute.Int64("attendance.teacher_id", int64(req.TeacherID)),
	))
	defer span.End()

	result, err := s.validate(spanCtx, req)
	if err != nil {
		var scanErr *ScanError
		if !errors.As(err, &scanErr) {
			scanErr = upstreamError(err, ErrAttendanceRecordFailed)
		}

		if scanErr.Kind == ScanErrorUpstream {
			span.RecordError(err)
			span.SetStatus(codes.Error, scanErr.Message)
		}
		span.SetAttributes(attribute.String("attendance.scan_outcome", string(scanErr.Kind)))
		observability.ScansTotal().WithLabelValues(string(scanErr.Kind)).Inc()

		result.Status = ScanStatusError
		result.Message = scanErr.Message
		result.Cue = scanErr.Cue()
		result.Retryable = scanErr.Retryable
		return result, scanErr
	}

	span.SetAttributes(attribute.String("attendance.scan_outcome", "success"))
	observability.ScansTotal().WithLabelValues("success").Inc()
	return result, nil
}

func (s *scanService) validate(ctx context.Context, req ScanRequest) (ScanResult, error) {
	var result ScanResult

	if strings.TrimSpace(req.Raw) == "" {
		return result, inputError(ErrScanEmpty, "Empty QR result", false)
	}

	if req.CourseID == 0 {
		return result, inputError(ErrScheduleNotSelected, "Select a course and schedule before scanning", false)
	}

	roster, err := s.rosters.Ready(ctx, req.CourseID)
	if err != nil {
		switch {
		case errors.Is(err, ErrRosterLoading):
			return result, inputError(ErrRosterLoading, "Student roster is still loading, scan again in a moment", true)
		default:
			s.logger.Warn().Err(err).Uint("course_id", req.CourseID).Msg("roster unavailable for scan")
			return result, inputError(err, "Student roster is unavailable, scan again later", true)
		}
	}

	payload, err := ParseScanPayload(req.Raw)
	if err != nil {
		switch {
		case errors.Is(err, ErrScanUnexpectedType):
			return result, inputError(err, "This QR code is not a student attendance card", false)
		case errors.Is(err, ErrScanStudentMissing):
			return result, inputError(err, "This QR code does not contain a student id", false)
		default:
			return result, inputError(err, "Empty QR result", false)
		}
	}
	result.StudentID = payload.StudentID

	sessionDay, err := s.sessionDay(req.SessionDate)
	if err != nil {
		return result, inputError(err, "Session date must use the YYYY-MM-DD format", false)
	}

	schedule, err := s.schedules.Resolve(ctx, sessionDay, req.ScheduleID)
	if err != nil {
		switch {
		case errors.Is(err, ErrScheduleNotSelected):
			return result, inputError(err, "Select a schedule before scanning", false)
		case errors.Is(err, ErrScheduleNotFound):
			return result, inputError(err, "The selected schedule was not found for this date", false)
		default:
			return result, upstreamError(err, nil)
		}
	}
	if schedule.CourseID != req.CourseID {
		return result, inputError(ErrScheduleCourseMismatch, "The selected schedule belongs to another course", false)
	}

	courseKey := formatUint(schedule.CourseID)
	if !payload.EnrolledInCourse(courseKey) {
		return result, authorizationError(ErrStudentNotEnrolledInCourse, "Student is not enrolled in this course")
	}
	if schedule.SubjectID != nil && !payload.EnrolledInSubject(courseKey, formatUint(*schedule.SubjectID)) {
		return result, authorizationError(ErrStudentNotEnrolledInSubject, "Student is not enrolled in this subject")
	}

	if !roster.Contains(canonicalStudentKey(payload.StudentID)) {
		return result, authorizationError(ErrStudentNotInRoster, "Student is not on the roster of this course")
	}

	record, err := s.record(ctx, req, payload, schedule, sessionDay)
	if err != nil {
		if record != nil && errors.Is(err, ErrAttendanceAlreadyRecorded) {
			result.Record = record
			result.StudentName = record.Student.Name
		}
		return result, err
	}

	result.Record = record
	result.StudentName = record.Student.Name
	result.Status = ScanStatusSuccess
	result.Cue = AudioCueSingleBeep

	displayName := result.StudentName
	if displayName == "" {
		displayName = "student " + payload.StudentID
	}
	result.Message = fmt.Sprintf("Attendance recorded for %s", displayName)
	if record.Status == models.AttendanceStatusLate {
		result.Message += " (late)"
	}

	if s.feed != nil {
		response := dto.NewAttendanceRecordResponse(*record)
		s.feed.Publish(ctx, dto.AttendanceEvent{
			Type:      dto.AttendanceEventRecorded,
			SessionID: record.SessionID,
			Record:    &response,
		})
	}

	return result, nil
}

func (s *scanService) record(ctx context.Context, req ScanRequest, payload ScanPayload, schedule models.Schedule, day time.Time) (*models.AttendanceRecord, error) {
	sessionValue := ""
	switch {
	case schedule.SessionID != nil && *schedule.SessionID != 0:
		sessionValue = formatUint(*schedule.SessionID)
	case req.RouteSessionID != nil && *req.RouteSessionID != 0:
		sessionValue = formatUint(*req.RouteSessionID)
	default:
		sessionValue = payload.SessionID
	}

	sessionID, err := ParseUintID("session_id", sessionValue)
	if err != nil {
		return nil, upstreamError(err, nil)
	}
	studentID, err := ParseUintID("student_id", payload.StudentID)
	if err != nil {
		return nil, upstreamError(err, nil)
	}

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, upstreamError(ErrAttendanceSessionNotFound, nil)
		}
		return nil, upstreamError(err, nil)
	}

	now := s.now()
	if !session.IsActive(now) {
		return nil, upstreamError(ErrAttendanceSessionInactive, nil)
	}
	if session.CourseID != schedule.CourseID {
		return nil, inputError(ErrScheduleCourseMismatch, "The attendance session belongs to another course", false)
	}

	existing, err := s.records.FindBySessionAndStudent(ctx, sessionID, studentID)
	if err != nil {
		return nil, upstreamError(err, nil)
	}
	if existing != nil {
		existing.Student = s.lookupStudent(ctx, studentID)
		return existing, authorizationError(ErrAttendanceAlreadyRecorded, "Attendance was already recorded for this student")
	}

	startBound := s.mergeClock(day, req.StartTime, schedule.StartTime)
	endBound := s.mergeClock(day, req.EndTime, schedule.EndTime)

	teacherID := req.TeacherID
	if teacherID == 0 {
		teacherID = session.TeacherID
	}

	status := models.AttendanceStatusPresent
	if startBound != nil && s.lateAfter > 0 && now.After(startBound.Add(s.lateAfter)) {
		status = models.AttendanceStatusLate
	}

	record := models.AttendanceRecord{
		SessionID:        sessionID,
		StudentID:        studentID,
		CourseID:         schedule.CourseID,
		SubjectID:        schedule.SubjectID,
		TeacherID:        teacherID,
		Status:           status,
		ScanTime:         now.UTC(),
		SessionStartTime: startBound,
		SessionEndTime:   endBound,
		AttendanceDate:   time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC),
	}
	if claims, err := json.Marshal(payload.Claims); err == nil {
		record.ScanClaims = datatypes.JSON(claims)
	}

	if err := s.records.Create(ctx, &record); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// A concurrent scan of the same card won the insert.
			if winner, findErr := s.records.FindBySessionAndStudent(ctx, sessionID, studentID); findErr == nil && winner != nil {
				winner.Student = s.lookupStudent(ctx, studentID)
				return winner, authorizationError(ErrAttendanceAlreadyRecorded, "Attendance was already recorded for this student")
			}
		}
		s.logger.Error().Err(err).Uint("session_id", sessionID).Uint("student_id", studentID).Msg("failed to record attendance")
		return nil, upstreamError(err, ErrAttendanceRecordFailed)
	}

	record.Student = s.lookupStudent(ctx, studentID)

	s.logger.Info().
		Uint("session_id", sessionID).
		Uint("student_id", studentID).
		Str("status", status).
		Msg("attendance recorded")

	return &record, nil
}

// lookupStudent fetches display details; failures degrade to an empty student.
func (s *scanService) lookupStudent(ctx context.Context, studentID uint) models.Student {
	if s.students == nil {
		return models.Student{ID: studentID}
	}
	student, err := s.students.GetByID(ctx, studentID)
	if err != nil {
		s.logger.Debug().Err(err).Uint("student_id", studentID).Msg("student details unavailable")
		return models.Student{ID: studentID}
	}
	return student
}

func (s *scanService) sessionDay(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		now := s.now().In(s.location)
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.location), nil
	}

	day, err := time.ParseInLocation("2006-01-02", value, s.location)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: session_date must be YYYY-MM-DD", ErrValidation)
	}
	return day, nil
}

// mergeClock places an HH:MM clock on the session day, preferring the teacher-selected value.
func (s *scanService) mergeClock(day time.Time, selected, fallback string) *time.Time {
	for _, value := range []string{selected, fallback} {
		clock, err := time.Parse("15:04", strings.TrimSpace(value))
		if err != nil {
			continue
		}
		merged := time.Date(day.Year(), day.Month(), day.Day(), clock.Hour(), clock.Minute(), 0, 0, day.Location())
		return &merged
	}
	return nil
}

func canonicalStudentKey(studentID string) string {
	if id, err := ParseUintID("student_id", studentID); err == nil {
		return formatUint(id)
	}
	return studentID
}

func inputError(err error, message string, retryable bool) *ScanError {
	return &ScanError{Kind: ScanErrorInput, Err: err, Message: message, Retryable: retryable}
}

func authorizationError(err error, message string) *ScanError {
	return &ScanError{Kind: ScanErrorAuthorization, Err: err, Message: message}
}

// upstreamError reports a recording failure with the server message when there is one.
func upstreamError(err, sentinel error) *ScanError {
	wrapped := err
	if sentinel != nil && !errors.Is(err, sentinel) {
		wrapped = fmt.Errorf("%w: %v", sentinel, err)
	}

	message := "Recording attendance failed"
	if err != nil && err.Error() != "" {
		message = fmt.Sprintf("Recording attendance failed: %s", err.Error())
	}

	return &ScanError{Kind: ScanErrorUpstream, Err: wrapped, Message: message}
}
