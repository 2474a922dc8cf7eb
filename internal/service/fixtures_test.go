package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-attendance-api/internal/database"
	"github.com/noah-isme/gema-attendance-api/internal/dto"
	"github.com/noah-isme/gema-attendance-api/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

type attendanceFixture struct {
	student  models.Student
	course   models.Course
	subject  models.Subject
	link     models.CourseSubject
	schedule models.Schedule
	session  models.AttendanceSession
	day      time.Time
}

// seedAttendance creates one student enrolled in one course with a schedule and an active session
// on 2024-05-06 starting at 08:00 UTC.
func seedAttendance(t *testing.T, db *gorm.DB) attendanceFixture {
	t.Helper()

	day := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	fx := attendanceFixture{day: day}

	fx.student = models.Student{Name: "Siti Aminah", Email: "siti@example.com", NIS: "2024001", IsActive: true}
	require.NoError(t, db.Create(&fx.student).Error)

	fx.course = models.Course{Code: "INF-10", Name: "Informatika"}
	require.NoError(t, db.Create(&fx.course).Error)

	fx.subject = models.Subject{Name: "Pemrograman Dasar"}
	require.NoError(t, db.Create(&fx.subject).Error)

	fx.link = models.CourseSubject{CourseID: fx.course.ID, SubjectID: fx.subject.ID}
	require.NoError(t, db.Create(&fx.link).Error)

	subjectID := fx.subject.ID
	linkID := fx.link.ID
	enrollment := models.Enrollment{
		StudentID:       fx.student.ID,
		CourseID:        fx.course.ID,
		SubjectID:       &subjectID,
		CourseSubjectID: &linkID,
		EnrollmentDate:  day,
		IsActive:        true,
	}
	require.NoError(t, db.Create(&enrollment).Error)

	start := day.Add(8 * time.Hour)
	fx.session = models.AttendanceSession{
		CourseID:   fx.course.ID,
		SubjectID:  &subjectID,
		TeacherID:  7,
		QRCodeData: `{"type":"class-session"}`,
		StartTime:  start,
		EndTime:    start.Add(90 * time.Minute),
		ExpiryTime: start.Add(90 * time.Minute),
	}
	require.NoError(t, db.Create(&fx.session).Error)

	sessionID := fx.session.ID
	fx.schedule = models.Schedule{
		CourseID:  fx.course.ID,
		SubjectID: &subjectID,
		SessionID: &sessionID,
		TeacherID: 7,
		Date:      day,
		StartTime: "08:00",
		EndTime:   "09:30",
		Room:      "Lab 1",
	}
	require.NoError(t, db.Create(&fx.schedule).Error)

	return fx
}

func studentCard(studentID, courseID, subjectID uint) string {
	return fmt.Sprintf(`{"type":"student-attendance","studentId":"%d","enrollments":[{"courseId":%d,"subjectIds":[%d]}]}`, studentID, courseID, subjectID)
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func uintPtr(v uint) *uint {
	return &v
}

type recordingFeed struct {
	mu     sync.Mutex
	events []dto.AttendanceEvent
}

func (f *recordingFeed) Publish(_ context.Context, event dto.AttendanceEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *recordingFeed) Subscribe(uint) (<-chan dto.AttendanceEvent, func()) {
	ch := make(chan dto.AttendanceEvent)
	return ch, func() {}
}

func (f *recordingFeed) Start(context.Context) {}

func (f *recordingFeed) Events() []dto.AttendanceEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	events := make([]dto.AttendanceEvent, len(f.events))
	copy(events, f.events)
	return events
}

func (f *recordingFeed) EventsOfType(kind string) []dto.AttendanceEvent {
	var matched []dto.AttendanceEvent
	for _, event := range f.Events() {
		if event.Type == kind {
			matched = append(matched, event)
		}
	}
	return matched
}
