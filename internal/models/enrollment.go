package models

import "time"

// Enrollment binds a student to a course and optionally to one of its classes.
type Enrollment struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	StudentID       uint           `gorm:"not null;index" json:"student_id"`
	CourseID        uint           `gorm:"not null;index" json:"course_id"`
	SubjectID       *uint          `json:"subject_id"`
	CourseSubjectID *uint          `json:"course_subject_id"`
	EnrollmentDate  time.Time      `gorm:"not null" json:"enrollment_date"`
	IsActive        bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Course          Course         `gorm:"foreignKey:CourseID;references:ID" json:"-"`
	CourseSubject   *CourseSubject `gorm:"foreignKey:CourseSubjectID;references:ID" json:"-"`
}

// SameTarget reports whether both enrollments point at the same course and class.
func (e Enrollment) SameTarget(other Enrollment) bool {
	return e.CourseID == other.CourseID &&
		equalUintPtr(e.SubjectID, other.SubjectID) &&
		equalUintPtr(e.CourseSubjectID, other.CourseSubjectID)
}

func equalUintPtr(a, b *uint) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
