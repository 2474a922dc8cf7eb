package models

import "time"

// Schedule is a dated, timed course/subject occurrence a teacher selects to scope scanning.
type Schedule struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CourseID  uint      `gorm:"not null;index" json:"course_id"`
	SubjectID *uint     `json:"subject_id"`
	SessionID *uint     `json:"session_id"`
	TeacherID uint      `gorm:"not null;index" json:"teacher_id"`
	Date      time.Time `gorm:"type:date;not null;index" json:"date"`
	StartTime string    `gorm:"size:5;not null" json:"start_time"`
	EndTime   string    `gorm:"size:5;not null" json:"end_time"`
	Room      string    `gorm:"size:64" json:"room"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
