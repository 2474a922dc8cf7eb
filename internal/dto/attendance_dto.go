package dto

import (
	"time"

	"github.com/noah-isme/gema-attendance-api/internal/models"
)

// AttendanceSessionCreateRequest captures the payload for starting a QR attendance session.
type AttendanceSessionCreateRequest struct {
	CourseID        uint  `json:"course_id" validate:"required"`
	SubjectID       *uint `json:"subject_id" validate:"omitempty,gt=0"`
	DurationMinutes int   `json:"duration_minutes" validate:"omitempty,min=1,max=240"`
}

// AttendanceSessionResponse describes a session together with its derived countdown state.
type AttendanceSessionResponse struct {
	ID              uint       `json:"id"`
	CourseID        uint       `json:"course_id"`
	SubjectID       *uint      `json:"subject_id,omitempty"`
	TeacherID       uint       `json:"teacher_id"`
	QRCodeData      string     `json:"qr_code_data,omitempty"`
	QRImageURL      string     `json:"qr_image_url,omitempty"`
	State           string     `json:"state"`
	TimeLeftSeconds int64      `json:"time_left_seconds"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         time.Time  `json:"end_time"`
	ExpiryTime      time.Time  `json:"expiry_time"`
	StoppedAt       *time.Time `json:"stopped_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// NewAttendanceSessionResponse converts a session model into a DTO. The QR code data is only
// exposed while the session is displayable.
func NewAttendanceSessionResponse(model models.AttendanceSession, state string, timeLeft time.Duration) AttendanceSessionResponse {
	response := AttendanceSessionResponse{
		ID:              model.ID,
		CourseID:        model.CourseID,
		SubjectID:       model.SubjectID,
		TeacherID:       model.TeacherID,
		State:           state,
		TimeLeftSeconds: ceilSeconds(timeLeft),
		StartTime:       model.StartTime,
		EndTime:         model.EndTime,
		ExpiryTime:      model.ExpiryTime,
		StoppedAt:       model.StoppedAt,
		CreatedAt:       model.CreatedAt,
	}

	if response.TimeLeftSeconds > 0 {
		response.QRCodeData = model.QRCodeData
		response.QRImageURL = model.QRImageURL
	}

	return response
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	seconds := int64(d / time.Second)
	if d%time.Second != 0 {
		seconds++
	}
	return seconds
}

// AttendanceScanRequest is one decoded QR frame submitted by a teacher's scanner.
type AttendanceScanRequest struct {
	Raw         string `json:"raw"`
	CourseID    uint   `json:"course_id" validate:"required"`
	ScheduleID  *uint  `json:"schedule_id"`
	SessionID   *uint  `json:"session_id"`
	SessionDate string `json:"session_date" validate:"omitempty,datetime=2006-01-02"`
	StartTime   string `json:"start_time" validate:"omitempty,datetime=15:04"`
	EndTime     string `json:"end_time" validate:"omitempty,datetime=15:04"`
}

// AttendanceScanResponse reports the outcome of one scan for the scanner UI.
type AttendanceScanResponse struct {
	Status      string                    `json:"status"`
	Message     string                    `json:"message"`
	Cue         string                    `json:"cue"`
	Retryable   bool                      `json:"retryable"`
	StudentID   string                    `json:"student_id,omitempty"`
	StudentName string                    `json:"student_name,omitempty"`
	Record      *AttendanceRecordResponse `json:"record,omitempty"`
}

// AttendanceRecordResponse serializes a recorded attendance event.
type AttendanceRecordResponse struct {
	ID               uint       `json:"id"`
	SessionID        uint       `json:"session_id"`
	StudentID        uint       `json:"student_id"`
	StudentName      string     `json:"student_name,omitempty"`
	CourseID         uint       `json:"course_id"`
	SubjectID        *uint      `json:"subject_id,omitempty"`
	TeacherID        uint       `json:"teacher_id"`
	Status           string     `json:"status"`
	Note             string     `json:"note,omitempty"`
	ScanTime         time.Time  `json:"scan_time"`
	SessionStartTime *time.Time `json:"session_start_time,omitempty"`
	SessionEndTime   *time.Time `json:"session_end_time,omitempty"`
	AttendanceDate   string     `json:"attendance_date"`
	CreatedAt        time.Time  `json:"created_at"`
}

// NewAttendanceRecordResponse converts a record model into a DTO.
func NewAttendanceRecordResponse(model models.AttendanceRecord) AttendanceRecordResponse {
	return AttendanceRecordResponse{
		ID:               model.ID,
		SessionID:        model.SessionID,
		StudentID:        model.StudentID,
		StudentName:      model.Student.Name,
		CourseID:         model.CourseID,
		SubjectID:        model.SubjectID,
		TeacherID:        model.TeacherID,
		Status:           model.Status,
		Note:             model.Note,
		ScanTime:         model.ScanTime,
		SessionStartTime: model.SessionStartTime,
		SessionEndTime:   model.SessionEndTime,
		AttendanceDate:   model.AttendanceDate.Format("2006-01-02"),
		CreatedAt:        model.CreatedAt,
	}
}

// NewAttendanceRecordResponseSlice converts a slice of records into DTOs.
func NewAttendanceRecordResponseSlice(records []models.AttendanceRecord) []AttendanceRecordResponse {
	responses := make([]AttendanceRecordResponse, 0, len(records))
	for _, record := range records {
		responses = append(responses, NewAttendanceRecordResponse(record))
	}
	return responses
}

// AttendanceStatusUpdateRequest lets a teacher override the status of a record.
type AttendanceStatusUpdateRequest struct {
	Status string `json:"status" validate:"required,oneof=present absent late excused"`
	Note   string `json:"note" validate:"max=500"`
}

// AttendanceEvent is pushed to live subscribers of a session.
type AttendanceEvent struct {
	Type            string                    `json:"type"`
	SessionID       uint                      `json:"session_id"`
	Record          *AttendanceRecordResponse `json:"record,omitempty"`
	State           string                    `json:"state,omitempty"`
	TimeLeftSeconds int64                     `json:"time_left_seconds"`
	OccurredAt      time.Time                 `json:"occurred_at"`
}

// Attendance event types.
const (
	AttendanceEventRecorded  = "attendance.recorded"
	AttendanceEventUpdated   = "attendance.updated"
	AttendanceEventCountdown = "session.countdown"
	AttendanceEventStopped   = "session.stopped"
	AttendanceEventExpired   = "session.expired"
)
