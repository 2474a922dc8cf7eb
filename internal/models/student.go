package models

import "time"

// Student represents a learner that can be enrolled in courses and scanned into sessions.
type Student struct {
	ID          uint         `gorm:"primaryKey" json:"id"`
	Name        string       `gorm:"size:255;not null" json:"name"`
	Email       string       `gorm:"size:255;uniqueIndex;not null" json:"email"`
	NIS         string       `gorm:"size:64;index" json:"nis"`
	IsActive    bool         `gorm:"not null;default:true" json:"is_active"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Enrollments []Enrollment `gorm:"foreignKey:StudentID" json:"-"`
}

// Teacher owns attendance sessions and schedules.
type Teacher struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	Email     string    `gorm:"size:255;uniqueIndex;not null" json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
