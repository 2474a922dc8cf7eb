package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-attendance-api/internal/dto"
	"github.com/noah-isme/gema-attendance-api/internal/models"
	"github.com/noah-isme/gema-attendance-api/internal/repository"
)

type scanHarness struct {
	db      *gorm.DB
	fx      attendanceFixture
	svc     *scanService
	feed    *recordingFeed
	rosters *RosterCache
}

func newScanHarness(t *testing.T) scanHarness {
	t.Helper()

	db := newTestDB(t)
	fx := seedAttendance(t, db)
	feed := &recordingFeed{}

	rosters := NewRosterCache(repository.NewEnrollmentRepository(db), nil, time.Minute, zerolog.Nop())
	schedules := NewScheduleCache(repository.NewScheduleRepository(db), time.Minute, zerolog.Nop())

	svc := NewScanService(
		rosters,
		schedules,
		repository.NewAttendanceSessionRepository(db),
		repository.NewAttendanceRepository(db),
		repository.NewStudentRepository(db),
		feed,
		10*time.Minute,
		zerolog.Nop(),
	).(*scanService)
	svc.location = time.UTC
	svc.now = fixedClock(fx.day.Add(8*time.Hour + 5*time.Minute))

	return scanHarness{db: db, fx: fx, svc: svc, feed: feed, rosters: rosters}
}

func (h scanHarness) request(raw string) ScanRequest {
	return ScanRequest{
		Raw:         raw,
		CourseID:    h.fx.course.ID,
		ScheduleID:  uintPtr(h.fx.schedule.ID),
		TeacherID:   7,
		SessionDate: "2024-05-06",
	}
}

func (h scanHarness) recordCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, h.db.Model(&models.AttendanceRecord{}).Count(&count).Error)
	return count
}

func requireScanError(t *testing.T, err error, kind ScanErrorKind, target error) *ScanError {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, target)
	scanErr, ok := err.(*ScanError)
	require.True(t, ok, "expected *ScanError, got %T", err)
	require.Equal(t, kind, scanErr.Kind)
	return scanErr
}

func TestScanServiceRecordsPresentStudent(t *testing.T) {
	h := newScanHarness(t)

	result, err := h.svc.Validate(context.Background(), h.request(studentCard(h.fx.student.ID, h.fx.course.ID, h.fx.subject.ID)))
	require.NoError(t, err)
	require.Equal(t, ScanStatusSuccess, result.Status)
	require.Equal(t, AudioCueSingleBeep, result.Cue)
	require.Equal(t, "Attendance recorded for Siti Aminah", result.Message)
	require.Equal(t, "Siti Aminah", result.StudentName)
	require.NotNil(t, result.Record)
	require.Equal(t, models.AttendanceStatusPresent, result.Record.Status)
	require.Equal(t, h.fx.session.ID, result.Record.SessionID)
	require.Equal(t, uint(7), result.Record.TeacherID)
	require.NotNil(t, result.Record.SessionStartTime)
	require.Equal(t, 8, result.Record.SessionStartTime.Hour())
	require.Equal(t, "2024-05-06", result.Record.AttendanceDate.Format("2006-01-02"))
	require.NotEmpty(t, result.Record.ScanClaims)

	require.EqualValues(t, 1, h.recordCount(t))

	events := h.feed.EventsOfType(dto.AttendanceEventRecorded)
	require.Len(t, events, 1)
	require.Equal(t, h.fx.session.ID, events[0].SessionID)
	require.NotNil(t, events[0].Record)

	response := result.Response()
	require.Equal(t, "success", response.Status)
	require.Equal(t, "single-beep", response.Cue)
	require.NotNil(t, response.Record)
}

func TestScanServiceMarksLateArrivals(t *testing.T) {
	h := newScanHarness(t)
	h.svc.now = fixedClock(h.fx.day.Add(8*time.Hour + 25*time.Minute))

	result, err := h.svc.Validate(context.Background(), h.request(studentCard(h.fx.student.ID, h.fx.course.ID, h.fx.subject.ID)))
	require.NoError(t, err)
	require.Equal(t, models.AttendanceStatusLate, result.Record.Status)
	require.Equal(t, "Attendance recorded for Siti Aminah (late)", result.Message)
}

func TestScanServiceTeacherSelectedClockOverridesSchedule(t *testing.T) {
	h := newScanHarness(t)
	h.svc.now = fixedClock(h.fx.day.Add(8*time.Hour + 25*time.Minute))

	req := h.request(studentCard(h.fx.student.ID, h.fx.course.ID, h.fx.subject.ID))
	req.StartTime = "08:20"
	req.EndTime = "09:00"

	result, err := h.svc.Validate(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, models.AttendanceStatusPresent, result.Record.Status)
	require.Equal(t, 20, result.Record.SessionStartTime.Minute())
	require.Equal(t, 9, result.Record.SessionEndTime.Hour())
}

func TestScanServiceRejectsDuplicateScan(t *testing.T) {
	h := newScanHarness(t)
	card := studentCard(h.fx.student.ID, h.fx.course.ID, h.fx.subject.ID)

	_, err := h.svc.Validate(context.Background(), h.request(card))
	require.NoError(t, err)

	result, err := h.svc.Validate(context.Background(), h.request(card))
	scanErr := requireScanError(t, err, ScanErrorAuthorization, ErrAttendanceAlreadyRecorded)
	require.Equal(t, AudioCueDoubleBeep, scanErr.Cue())
	require.Equal(t, ScanStatusError, result.Status)
	require.Equal(t, AudioCueDoubleBeep, result.Cue)
	require.NotNil(t, result.Record)
	require.Equal(t, "Siti Aminah", result.StudentName)
	require.EqualValues(t, 1, h.recordCount(t))
}

// lateInsertRepository lets another scan of the same card land between the duplicate check and the insert.
type lateInsertRepository struct {
	repository.AttendanceRepository
	once   sync.Once
	insert func()
}

func (r *lateInsertRepository) FindBySessionAndStudent(ctx context.Context, sessionID, studentID uint) (*models.AttendanceRecord, error) {
	first := false
	r.once.Do(func() { first = true })
	if first {
		r.insert()
		return nil, nil
	}
	return r.AttendanceRepository.FindBySessionAndStudent(ctx, sessionID, studentID)
}

func TestScanServiceConcurrentDuplicateIsReportedAsAlreadyRecorded(t *testing.T) {
	h := newScanHarness(t)
	card := studentCard(h.fx.student.ID, h.fx.course.ID, h.fx.subject.ID)

	winner := models.AttendanceRecord{
		SessionID:      h.fx.session.ID,
		StudentID:      h.fx.student.ID,
		CourseID:       h.fx.course.ID,
		TeacherID:      7,
		Status:         models.AttendanceStatusPresent,
		ScanTime:       h.fx.day.Add(8 * time.Hour),
		AttendanceDate: h.fx.day,
	}
	h.svc.records = &lateInsertRepository{
		AttendanceRepository: h.svc.records,
		insert:               func() { require.NoError(t, h.db.Omit("Student").Create(&winner).Error) },
	}

	result, err := h.svc.Validate(context.Background(), h.request(card))
	requireScanError(t, err, ScanErrorAuthorization, ErrAttendanceAlreadyRecorded)
	require.Equal(t, ScanStatusError, result.Status)
	require.NotNil(t, result.Record)
	require.Equal(t, winner.ID, result.Record.ID)
	require.EqualValues(t, 1, h.recordCount(t))
}

func TestScanServiceInputErrorsAreSilent(t *testing.T) {
	h := newScanHarness(t)
	card := studentCard(h.fx.student.ID, h.fx.course.ID, h.fx.subject.ID)

	cases := []struct {
		name    string
		mutate  func(*ScanRequest)
		target  error
		message string
	}{
		{name: "empty frame", mutate: func(r *ScanRequest) { r.Raw = "  " }, target: ErrScanEmpty, message: "Empty QR result"},
		{name: "no course", mutate: func(r *ScanRequest) { r.CourseID = 0 }, target: ErrScheduleNotSelected},
		{name: "no schedule", mutate: func(r *ScanRequest) { r.ScheduleID = nil }, target: ErrScheduleNotSelected},
		{name: "unknown schedule", mutate: func(r *ScanRequest) { r.ScheduleID = uintPtr(9999) }, target: ErrScheduleNotFound},
		{name: "bad date", mutate: func(r *ScanRequest) { r.SessionDate = "06/05/2024" }, target: ErrValidation},
		{name: "session card", mutate: func(r *ScanRequest) { r.Raw = `{"type":"class-session","sessionId":1}` }, target: ErrScanUnexpectedType},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := h.request(card)
			tc.mutate(&req)

			result, err := h.svc.Validate(context.Background(), req)
			scanErr := requireScanError(t, err, ScanErrorInput, tc.target)
			require.Equal(t, AudioCueNone, scanErr.Cue())
			require.Equal(t, AudioCueNone, result.Cue)
			require.Equal(t, ScanStatusError, result.Status)
			require.False(t, result.Retryable)
			if tc.message != "" {
				require.Equal(t, tc.message, result.Message)
			}
		})
	}

	require.EqualValues(t, 0, h.recordCount(t))
}

func TestScanServiceScheduleOfAnotherCourse(t *testing.T) {
	h := newScanHarness(t)

	other := models.Course{Code: "MTK-10", Name: "Matematika"}
	require.NoError(t, h.db.Create(&other).Error)

	req := h.request(studentCard(h.fx.student.ID, other.ID, h.fx.subject.ID))
	req.CourseID = other.ID

	_, err := h.svc.Validate(context.Background(), req)
	requireScanError(t, err, ScanErrorInput, ErrScheduleCourseMismatch)
}

func TestScanServiceRequiresBothCourseAndSubjectClaims(t *testing.T) {
	cases := []struct {
		name      string
		courseOK  bool
		subjectOK bool
		target    error
	}{
		{name: "course and subject", courseOK: true, subjectOK: true},
		{name: "course only", courseOK: true, subjectOK: false, target: ErrStudentNotEnrolledInSubject},
		{name: "subject under another course", courseOK: false, subjectOK: true, target: ErrStudentNotEnrolledInCourse},
		{name: "neither", courseOK: false, subjectOK: false, target: ErrStudentNotEnrolledInCourse},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newScanHarness(t)

			courseID := h.fx.course.ID
			if !tc.courseOK {
				courseID = h.fx.course.ID + 100
			}
			subjectID := h.fx.subject.ID
			if !tc.subjectOK {
				subjectID = h.fx.subject.ID + 100
			}

			result, err := h.svc.Validate(context.Background(), h.request(studentCard(h.fx.student.ID, courseID, subjectID)))
			if tc.target == nil {
				require.NoError(t, err)
				require.Equal(t, ScanStatusSuccess, result.Status)
				require.EqualValues(t, 1, h.recordCount(t))
				return
			}

			requireScanError(t, err, ScanErrorAuthorization, tc.target)
			require.Equal(t, AudioCueDoubleBeep, result.Cue)
			require.EqualValues(t, 0, h.recordCount(t))
		})
	}
}

func TestScanServiceAcceptsZeroPaddedClaims(t *testing.T) {
	h := newScanHarness(t)

	card := fmt.Sprintf(`{"type":"student-attendance","studentId":"0%d","enrollments":[{"courseId":"0%d","subjectIds":["%d.0"]}]}`,
		h.fx.student.ID, h.fx.course.ID, h.fx.subject.ID)

	result, err := h.svc.Validate(context.Background(), h.request(card))
	require.NoError(t, err)
	require.Equal(t, ScanStatusSuccess, result.Status)
	require.Equal(t, h.fx.student.ID, result.Record.StudentID)
}

func TestScanServiceLegacyCardWithoutClaimsIsRejected(t *testing.T) {
	h := newScanHarness(t)

	_, err := h.svc.Validate(context.Background(), h.request(fmt.Sprintf("STD-%d", h.fx.student.ID)))
	requireScanError(t, err, ScanErrorAuthorization, ErrStudentNotEnrolledInCourse)
}

func TestScanServiceRejectsStudentOutsideRoster(t *testing.T) {
	h := newScanHarness(t)

	outsider := models.Student{Name: "Budi", Email: "budi@example.com", IsActive: true}
	require.NoError(t, h.db.Create(&outsider).Error)

	_, err := h.svc.Validate(context.Background(), h.request(studentCard(outsider.ID, h.fx.course.ID, h.fx.subject.ID)))
	requireScanError(t, err, ScanErrorAuthorization, ErrStudentNotInRoster)
	require.EqualValues(t, 0, h.recordCount(t))
}

func TestScanServiceRosterLoadingIsRetryable(t *testing.T) {
	h := newScanHarness(t)

	h.rosters.mu.Lock()
	h.rosters.beginLoadLocked(h.fx.course.ID)
	h.rosters.mu.Unlock()

	result, err := h.svc.Validate(context.Background(), h.request(studentCard(h.fx.student.ID, h.fx.course.ID, h.fx.subject.ID)))
	scanErr := requireScanError(t, err, ScanErrorInput, ErrRosterLoading)
	require.True(t, scanErr.Retryable)
	require.True(t, result.Retryable)
	require.Equal(t, AudioCueNone, result.Cue)
}

func TestScanServiceStoppedSessionIsUpstreamFailure(t *testing.T) {
	h := newScanHarness(t)

	stoppedAt := h.fx.day.Add(8 * time.Hour)
	require.NoError(t, h.db.Model(&models.AttendanceSession{}).Where("id = ?", h.fx.session.ID).Update("stopped_at", stoppedAt).Error)

	result, err := h.svc.Validate(context.Background(), h.request(studentCard(h.fx.student.ID, h.fx.course.ID, h.fx.subject.ID)))
	requireScanError(t, err, ScanErrorUpstream, ErrAttendanceSessionInactive)
	require.Equal(t, AudioCueDoubleBeep, result.Cue)
	require.Contains(t, result.Message, "Recording attendance failed")
}

func TestScanServiceSessionFallsBackToRouteThenPayload(t *testing.T) {
	h := newScanHarness(t)
	require.NoError(t, h.db.Model(&models.Schedule{}).Where("id = ?", h.fx.schedule.ID).Update("session_id", nil).Error)

	card := fmt.Sprintf(`{"type":"student-attendance","studentId":%d,"sessionId":%d,"enrollments":[{"courseId":%d,"subjectIds":[%d]}]}`,
		h.fx.student.ID, h.fx.session.ID, h.fx.course.ID, h.fx.subject.ID)

	result, err := h.svc.Validate(context.Background(), h.request(card))
	require.NoError(t, err)
	require.Equal(t, h.fx.session.ID, result.Record.SessionID)

	req := h.request(studentCard(h.fx.student.ID, h.fx.course.ID, h.fx.subject.ID))
	req.RouteSessionID = uintPtr(4242)
	_, err = h.svc.Validate(context.Background(), req)
	requireScanError(t, err, ScanErrorUpstream, ErrAttendanceSessionNotFound)
}

func TestScanServiceMissingSessionIsValidationFailure(t *testing.T) {
	h := newScanHarness(t)
	require.NoError(t, h.db.Model(&models.Schedule{}).Where("id = ?", h.fx.schedule.ID).Update("session_id", nil).Error)

	_, err := h.svc.Validate(context.Background(), h.request(studentCard(h.fx.student.ID, h.fx.course.ID, h.fx.subject.ID)))
	requireScanError(t, err, ScanErrorUpstream, ErrValidation)
}
