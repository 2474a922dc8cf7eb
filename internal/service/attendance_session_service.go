package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-attendance-api/internal/dto"
	"github.com/noah-isme/gema-attendance-api/internal/models"
	"github.com/noah-isme/gema-attendance-api/internal/observability"
	"github.com/noah-isme/gema-attendance-api/internal/repository"
)

const (
	defaultSessionDuration = 15 * time.Minute
	countdownInterval      = time.Second
	countdownBroadcastStep = 15
)

var (
	// ErrCourseNotFound is returned when the referenced course does not exist.
	ErrCourseNotFound = errors.New("course not found")
	// ErrSubjectNotInCourse is returned when the subject is not taught in the course.
	ErrSubjectNotInCourse = errors.New("subject is not part of the course")
	// ErrAttendanceSessionForbidden is returned when someone other than the owner stops a session.
	ErrAttendanceSessionForbidden = errors.New("only the session owner can stop it")
)

// Actor identifies the authenticated caller.
type Actor struct {
	ID   uint
	Role string
}

// IsAdmin reports whether the actor has administrative rights.
func (a Actor) IsAdmin() bool {
	return a.Role == "admin"
}

// FileUploader hosts rendered QR images and returns their public URL.
type FileUploader interface {
	Upload(ctx context.Context, name string, reader io.Reader) (string, error)
}

// QRRenderer renders text into a PNG QR code.
type QRRenderer interface {
	PNG(content string) ([]byte, error)
}

// SessionQRPayload is the JSON content of a displayed session code.
type SessionQRPayload struct {
	Type      string    `json:"type"`
	SessionID uint      `json:"sessionId"`
	CourseID  uint      `json:"courseId"`
	SubjectID *uint     `json:"subjectId,omitempty"`
	TeacherID uint      `json:"teacherId"`
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AttendanceSessionService manages the QR session lifecycle of teachers.
type AttendanceSessionService interface {
	StartSession(ctx context.Context, teacherID uint, req dto.AttendanceSessionCreateRequest) (dto.AttendanceSessionResponse, error)
	StopSession(ctx context.Context, sessionID uint, actor Actor) (dto.AttendanceSessionResponse, error)
	GetSession(ctx context.Context, sessionID uint) (dto.AttendanceSessionResponse, error)
	SessionQRCode(ctx context.Context, sessionID uint) ([]byte, error)
	Close()
}

type sessionWatch struct {
	timer  *SessionTimer
	cancel context.CancelFunc
}

type attendanceSessionService struct {
	sessions        repository.AttendanceSessionRepository
	courses         repository.CourseRepository
	renderer        QRRenderer
	uploader        FileUploader
	feed            AttendanceFeed
	validator       *validator.Validate
	defaultDuration time.Duration
	logger          zerolog.Logger
	tracer          trace.Tracer
	now             func() time.Time

	mu      sync.Mutex
	watches map[uint]*sessionWatch
}

// NewAttendanceSessionService constructs the session lifecycle service. uploader and feed may be nil.
func NewAttendanceSessionService(
	sessions repository.AttendanceSessionRepository,
	courses repository.CourseRepository,
	renderer QRRenderer,
	uploader FileUploader,
	feed AttendanceFeed,
	validate *validator.Validate,
	defaultDuration time.Duration,
	logger zerolog.Logger,
) AttendanceSessionService {
	if defaultDuration <= 0 {
		defaultDuration = defaultSessionDuration
	}

	return &attendanceSessionService{
		sessions:        sessions,
		courses:         courses,
		renderer:        renderer,
		uploader:        uploader,
		feed:            feed,
		validator:       validate,
		defaultDuration: defaultDuration,
		logger:          logger.With().Str("component", "attendance_session_service").Logger(),
		tracer:          otel.Tracer("github.com/noah-isme/gema-attendance-api/internal/service/attendance_session"),
		now:             time.Now,
		watches:         make(map[uint]*sessionWatch),
	}
}

func (s *attendanceSessionService) StartSession(ctx context.Context, teacherID uint, req dto.AttendanceSessionCreateRequest) (dto.AttendanceSessionResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.AttendanceSessionResponse{}, err
	}
	if teacherID == 0 {
		return dto.AttendanceSessionResponse{}, fmt.Errorf("%w: teacher_id is required", ErrValidation)
	}

	spanCtx, span := s.tracer.Start(ctx, "attendance.session.start", trace.WithAttributes(
		attribute.Int64("attendance.course_id", int64(req.CourseID)),
		attribute.Int64("attendance.teacher_id", int64(teacherID)),
	))
	defer span.End()

	if err := s.ensureCourse(spanCtx, req.CourseID, req.SubjectID); err != nil {
		span.RecordError(err)
		return dto.AttendanceSessionResponse{}, err
	}

	if err := s.stopActiveSessions(spanCtx, teacherID); err != nil {
		span.RecordError(err)
		return dto.AttendanceSessionResponse{}, err
	}

	duration := s.defaultDuration
	if req.DurationMinutes > 0 {
		duration = time.Duration(req.DurationMinutes) * time.Minute
	}

	now := s.now().UTC()
	expiry := now.Add(duration)
	session := models.AttendanceSession{
		CourseID:   req.CourseID,
		SubjectID:  req.SubjectID,
		TeacherID:  teacherID,
		StartTime:  now,
		EndTime:    expiry,
		ExpiryTime: expiry,
	}

	if err := s.sessions.Create(spanCtx, &session); err != nil {
		span.RecordError(err)
		return dto.AttendanceSessionResponse{}, err
	}

	code, err := json.Marshal(SessionQRPayload{
		Type:      ScanTypeClassSession,
		SessionID: session.ID,
		CourseID:  session.CourseID,
		SubjectID: session.SubjectID,
		TeacherID: teacherID,
		Nonce:     uuid.NewString(),
		ExpiresAt: expiry,
	})
	if err != nil {
		return dto.AttendanceSessionResponse{}, err
	}
	session.QRCodeData = string(code)
	session.QRImageURL = s.hostImage(spanCtx, session)

	if err := s.sessions.Update(spanCtx, &session); err != nil {
		span.RecordError(err)
		return dto.AttendanceSessionResponse{}, err
	}

	timer := NewSessionTimer()
	timer.Start(session.ID, session.QRCodeData, expiry)
	s.watch(teacherID, timer)

	observability.SessionsStartedTotal().Inc()
	s.logger.Info().
		Uint("session_id", session.ID).
		Uint("course_id", session.CourseID).
		Uint("teacher_id", teacherID).
		Dur("duration", duration).
		Msg("attendance session started")

	state, left := sessionStateAt(session.StoppedAt, session.ExpiryTime, s.now())
	return dto.NewAttendanceSessionResponse(session, string(state), left), nil
}

func (s *attendanceSessionService) StopSession(ctx context.Context, sessionID uint, actor Actor) (dto.AttendanceSessionResponse, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return dto.AttendanceSessionResponse{}, err
	}
	if session.TeacherID != actor.ID && !actor.IsAdmin() {
		return dto.AttendanceSessionResponse{}, ErrAttendanceSessionForbidden
	}

	now := s.now()
	if state, left := sessionStateAt(session.StoppedAt, session.ExpiryTime, now); state != SessionStateActive {
		return dto.NewAttendanceSessionResponse(session, string(state), left), nil
	}

	if err := s.markStopped(ctx, &session, now); err != nil {
		return dto.AttendanceSessionResponse{}, err
	}

	return dto.NewAttendanceSessionResponse(session, string(SessionStateStopped), 0), nil
}

func (s *attendanceSessionService) GetSession(ctx context.Context, sessionID uint) (dto.AttendanceSessionResponse, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return dto.AttendanceSessionResponse{}, err
	}

	state, left := sessionStateAt(session.StoppedAt, session.ExpiryTime, s.now())
	return dto.NewAttendanceSessionResponse(session, string(state), left), nil
}

func (s *attendanceSessionService) SessionQRCode(ctx context.Context, sessionID uint) ([]byte, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.IsActive(s.now()) || session.QRCodeData == "" {
		return nil, ErrAttendanceSessionInactive
	}

	return s.renderer.PNG(session.QRCodeData)
}

// Close stops every countdown watcher.
func (s *attendanceSessionService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for teacherID, watch := range s.watches {
		watch.cancel()
		delete(s.watches, teacherID)
	}
}

func (s *attendanceSessionService) ensureCourse(ctx context.Context, courseID uint, subjectID *uint) error {
	if _, err := s.courses.GetByID(ctx, courseID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrCourseNotFound
		}
		return err
	}

	if subjectID == nil {
		return nil
	}

	subjects, err := s.courses.ListSubjects(ctx, courseID)
	if err != nil {
		return err
	}
	for _, subject := range subjects {
		if subject.SubjectID == *subjectID {
			return nil
		}
	}
	return ErrSubjectNotInCourse
}

// stopActiveSessions ends whatever the teacher is displaying so only one code is shown at a time.
func (s *attendanceSessionService) stopActiveSessions(ctx context.Context, teacherID uint) error {
	now := s.now()
	active, err := s.sessions.ListActiveByTeacher(ctx, teacherID, now)
	if err != nil {
		return err
	}

	for i := range active {
		if err := s.markStopped(ctx, &active[i], now); err != nil {
			return err
		}
	}

	s.mu.Lock()
	watch, ok := s.watches[teacherID]
	s.mu.Unlock()
	if ok {
		watch.timer.Stop()
	}

	return nil
}

func (s *attendanceSessionService) markStopped(ctx context.Context, session *models.AttendanceSession, now time.Time) error {
	stoppedAt := now.UTC()
	session.StoppedAt = &stoppedAt
	if err := s.sessions.Update(ctx, session); err != nil {
		return err
	}

	s.mu.Lock()
	if watch, ok := s.watches[session.TeacherID]; ok && watch.timer.SessionID() == session.ID {
		watch.timer.Stop()
	}
	s.mu.Unlock()

	s.logger.Info().Uint("session_id", session.ID).Uint("teacher_id", session.TeacherID).Msg("attendance session stopped")

	if s.feed != nil {
		s.feed.Publish(ctx, dto.AttendanceEvent{
			Type:      dto.AttendanceEventStopped,
			SessionID: session.ID,
			State:     string(SessionStateStopped),
		})
	}

	return nil
}

// watch replaces the teacher's countdown with one driven by the new timer.
func (s *attendanceSessionService) watch(teacherID uint, timer *SessionTimer) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if previous, ok := s.watches[teacherID]; ok {
		previous.cancel()
	}
	current := &sessionWatch{timer: timer, cancel: cancel}
	s.watches[teacherID] = current
	s.mu.Unlock()

	sessionID := timer.SessionID()
	go func() {
		defer cancel()
		timer.Run(ctx, countdownInterval, s.now, func(state SessionState, left time.Duration) {
			s.onTick(ctx, sessionID, state, left)
		})

		s.mu.Lock()
		if s.watches[teacherID] == current {
			delete(s.watches, teacherID)
		}
		s.mu.Unlock()
	}()
}

func (s *attendanceSessionService) onTick(ctx context.Context, sessionID uint, state SessionState, left time.Duration) {
	if s.feed == nil {
		return
	}

	seconds := secondsLeft(left)
	switch state {
	case SessionStateExpired:
		s.logger.Info().Uint("session_id", sessionID).Msg("attendance session expired")
		s.feed.Publish(context.WithoutCancel(ctx), dto.AttendanceEvent{
			Type:      dto.AttendanceEventExpired,
			SessionID: sessionID,
			State:     string(SessionStateExpired),
		})
	case SessionStateActive:
		if seconds%countdownBroadcastStep != 0 {
			return
		}
		s.feed.Publish(ctx, dto.AttendanceEvent{
			Type:            dto.AttendanceEventCountdown,
			SessionID:       sessionID,
			State:           string(SessionStateActive),
			TimeLeftSeconds: seconds,
		})
	}
}

func (s *attendanceSessionService) hostImage(ctx context.Context, session models.AttendanceSession) string {
	if s.uploader == nil {
		return ""
	}

	image, err := s.renderer.PNG(session.QRCodeData)
	if err != nil {
		s.logger.Warn().Err(err).Uint("session_id", session.ID).Msg("failed to render session qr code")
		return ""
	}

	url, err := s.uploader.Upload(ctx, fmt.Sprintf("session-%d.png", session.ID), bytes.NewReader(image))
	if err != nil {
		s.logger.Warn().Err(err).Uint("session_id", session.ID).Msg("failed to host session qr code")
		return ""
	}

	return url
}

func (s *attendanceSessionService) getSession(ctx context.Context, sessionID uint) (models.AttendanceSession, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.AttendanceSession{}, ErrAttendanceSessionNotFound
		}
		return models.AttendanceSession{}, err
	}
	return session, nil
}

func secondsLeft(left time.Duration) int64 {
	if left <= 0 {
		return 0
	}
	seconds := int64(left / time.Second)
	if left%time.Second != 0 {
		seconds++
	}
	return seconds
}
