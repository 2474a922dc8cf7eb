package models

import (
	"time"

	"gorm.io/datatypes"
)

// Attendance statuses.
const (
	AttendanceStatusPresent = "present"
	AttendanceStatusAbsent  = "absent"
	AttendanceStatusLate    = "late"
	AttendanceStatusExcused = "excused"
)

// AttendanceSession is a time-bounded window during which a QR code authorizes attendance capture.
type AttendanceSession struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	CourseID   uint       `gorm:"not null;index" json:"course_id"`
	SubjectID  *uint      `json:"subject_id"`
	TeacherID  uint       `gorm:"not null;index" json:"teacher_id"`
	QRCodeData string     `gorm:"type:text" json:"qr_code_data"`
	QRImageURL string     `gorm:"size:512" json:"qr_image_url"`
	StartTime  time.Time  `gorm:"not null" json:"start_time"`
	EndTime    time.Time  `gorm:"not null" json:"end_time"`
	ExpiryTime time.Time  `gorm:"not null;index" json:"expiry_time"`
	StoppedAt  *time.Time `json:"stopped_at"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// IsActive reports whether the session accepts scans at the given instant.
func (s AttendanceSession) IsActive(now time.Time) bool {
	if s.StoppedAt != nil {
		return false
	}
	if now.Before(s.StartTime) {
		return false
	}
	return now.Before(s.ExpiryTime)
}

// AttendanceRecord is one recorded attendance event; one per session and student.
type AttendanceRecord struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	SessionID        uint           `gorm:"not null;uniqueIndex:idx_attendance_session_student" json:"session_id"`
	StudentID        uint           `gorm:"not null;uniqueIndex:idx_attendance_session_student;index" json:"student_id"`
	CourseID         uint           `gorm:"not null;index" json:"course_id"`
	SubjectID        *uint          `json:"subject_id"`
	TeacherID        uint           `gorm:"not null" json:"teacher_id"`
	Status           string         `gorm:"size:16;not null" json:"status"`
	Note             string         `gorm:"type:text" json:"note"`
	ScanTime         time.Time      `gorm:"not null" json:"scan_time"`
	SessionStartTime *time.Time     `json:"session_start_time"`
	SessionEndTime   *time.Time     `json:"session_end_time"`
	AttendanceDate   time.Time      `gorm:"type:date;not null;index" json:"attendance_date"`
	ScanClaims       datatypes.JSON `gorm:"type:json" json:"-"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	Student          Student        `gorm:"foreignKey:StudentID;references:ID" json:"-"`
}

// IsValidAttendanceStatus reports whether the provided status is one of the known values.
func IsValidAttendanceStatus(status string) bool {
	switch status {
	case AttendanceStatusPresent, AttendanceStatusAbsent, AttendanceStatusLate, AttendanceStatusExcused:
		return true
	default:
		return false
	}
}
