package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-attendance-api/internal/models"
)

// AttendanceSessionRepository persists QR attendance sessions.
type AttendanceSessionRepository interface {
	Create(ctx context.Context, session *models.AttendanceSession) error
	Update(ctx context.Context, session *models.AttendanceSession) error
	GetByID(ctx context.Context, id uint) (models.AttendanceSession, error)
	ListActiveByTeacher(ctx context.Context, teacherID uint, now time.Time) ([]models.AttendanceSession, error)
}

type attendanceSessionRepository struct {
	db *gorm.DB
}

// NewAttendanceSessionRepository constructs an attendance session repository.
func NewAttendanceSessionRepository(db *gorm.DB) AttendanceSessionRepository {
	return &attendanceSessionRepository{db: db}
}

func (r *attendanceSessionRepository) Create(ctx context.Context, session *models.AttendanceSession) error {
	return r.db.WithContext(ctx).Create(session).Error
}

func (r *attendanceSessionRepository) Update(ctx context.Context, session *models.AttendanceSession) error {
	return r.db.WithContext(ctx).Save(session).Error
}

func (r *attendanceSessionRepository) GetByID(ctx context.Context, id uint) (models.AttendanceSession, error) {
	var session models.AttendanceSession
	if err := r.db.WithContext(ctx).First(&session, id).Error; err != nil {
		return models.AttendanceSession{}, err
	}

	return session, nil
}

func (r *attendanceSessionRepository) ListActiveByTeacher(ctx context.Context, teacherID uint, now time.Time) ([]models.AttendanceSession, error) {
	var sessions []models.AttendanceSession
	if err := r.db.WithContext(ctx).
		Where("teacher_id = ? AND stopped_at IS NULL AND expiry_time > ?", teacherID, now).
		Order("created_at DESC").
		Find(&sessions).Error; err != nil {
		return nil, err
	}

	return sessions, nil
}
