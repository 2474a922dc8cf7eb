package dto

import (
	"time"

	"github.com/noah-isme/gema-attendance-api/internal/models"
)

// ClassSelectionRequest is the class picked for one desired course.
type ClassSelectionRequest struct {
	SubjectID       *uint `json:"subject_id" validate:"omitempty,gt=0"`
	CourseSubjectID *uint `json:"course_subject_id" validate:"omitempty,gt=0"`
}

// EnrollmentSyncRequest carries the desired ordered course list of a student.
type EnrollmentSyncRequest struct {
	CourseIDs       []uint                         `json:"course_ids" validate:"dive,gt=0"`
	ClassSelections map[uint]ClassSelectionRequest `json:"class_selections" validate:"dive"`
}

// EnrollmentResponse serializes an enrollment row.
type EnrollmentResponse struct {
	ID              uint      `json:"id"`
	StudentID       uint      `json:"student_id"`
	CourseID        uint      `json:"course_id"`
	CourseName      string    `json:"course_name,omitempty"`
	SubjectID       *uint     `json:"subject_id,omitempty"`
	CourseSubjectID *uint     `json:"course_subject_id,omitempty"`
	EnrollmentDate  time.Time `json:"enrollment_date"`
	IsActive        bool      `json:"is_active"`
}

// NewEnrollmentResponse converts an enrollment model into a DTO.
func NewEnrollmentResponse(model models.Enrollment) EnrollmentResponse {
	return EnrollmentResponse{
		ID:              model.ID,
		StudentID:       model.StudentID,
		CourseID:        model.CourseID,
		CourseName:      model.Course.Name,
		SubjectID:       model.SubjectID,
		CourseSubjectID: model.CourseSubjectID,
		EnrollmentDate:  model.EnrollmentDate,
		IsActive:        model.IsActive,
	}
}

// NewEnrollmentResponseSlice converts a slice of enrollments into DTOs.
func NewEnrollmentResponseSlice(enrollments []models.Enrollment) []EnrollmentResponse {
	responses := make([]EnrollmentResponse, 0, len(enrollments))
	for _, enrollment := range enrollments {
		responses = append(responses, NewEnrollmentResponse(enrollment))
	}
	return responses
}

// EnrollmentSyncResponse reports the operations applied while reconciling enrollments.
type EnrollmentSyncResponse struct {
	Accepted        bool                 `json:"accepted"`
	PendingCourseID *uint                `json:"pending_course_id,omitempty"`
	Updated         []EnrollmentResponse `json:"updated"`
	Created         []EnrollmentResponse `json:"created"`
	Removed         []uint               `json:"removed"`
	Unchanged       int                  `json:"unchanged"`
	Enrollments     []EnrollmentResponse `json:"enrollments"`
}

// RosterResponse lists the active students of a course.
type RosterResponse struct {
	CourseID   uint      `json:"course_id"`
	StudentIDs []uint    `json:"student_ids"`
	LoadedAt   time.Time `json:"loaded_at"`
}

// ScheduleResponse serializes a schedule entry.
type ScheduleResponse struct {
	ID        uint   `json:"id"`
	CourseID  uint   `json:"course_id"`
	SubjectID *uint  `json:"subject_id,omitempty"`
	SessionID *uint  `json:"session_id,omitempty"`
	TeacherID uint   `json:"teacher_id"`
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Room      string `json:"room,omitempty"`
}

// NewScheduleResponseSlice converts schedules into DTOs.
func NewScheduleResponseSlice(schedules []models.Schedule) []ScheduleResponse {
	responses := make([]ScheduleResponse, 0, len(schedules))
	for _, schedule := range schedules {
		responses = append(responses, ScheduleResponse{
			ID:        schedule.ID,
			CourseID:  schedule.CourseID,
			SubjectID: schedule.SubjectID,
			SessionID: schedule.SessionID,
			TeacherID: schedule.TeacherID,
			Date:      schedule.Date.Format("2006-01-02"),
			StartTime: schedule.StartTime,
			EndTime:   schedule.EndTime,
			Room:      schedule.Room,
		})
	}
	return responses
}
