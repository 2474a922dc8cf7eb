package models

import "time"

// Course is a unit of study students enroll in.
type Course struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	Code        string          `gorm:"size:64;uniqueIndex;not null" json:"code"`
	Name        string          `gorm:"size:255;not null" json:"name"`
	Description string          `gorm:"type:text" json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Subjects    []CourseSubject `gorm:"foreignKey:CourseID" json:"-"`
}

// Subject is a class a course can be split into.
type Subject struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CourseSubject links a subject to a course; enrollments point at it when a class was picked.
type CourseSubject struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CourseID  uint      `gorm:"not null;uniqueIndex:idx_course_subject" json:"course_id"`
	SubjectID uint      `gorm:"not null;uniqueIndex:idx_course_subject" json:"subject_id"`
	TeacherID *uint     `json:"teacher_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Subject   Subject   `gorm:"foreignKey:SubjectID;references:ID" json:"subject"`
}
