package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-attendance-api/internal/models"
)

// AttendanceRepository persists attendance records.
type AttendanceRepository interface {
	Create(ctx context.Context, record *models.AttendanceRecord) error
	Update(ctx context.Context, record *models.AttendanceRecord) error
	GetByID(ctx context.Context, id uint) (models.AttendanceRecord, error)
	FindBySessionAndStudent(ctx context.Context, sessionID, studentID uint) (*models.AttendanceRecord, error)
	ListBySession(ctx context.Context, sessionID uint) ([]models.AttendanceRecord, error)
	ListByCourseAndDate(ctx context.Context, courseID uint, date time.Time) ([]models.AttendanceRecord, error)
}

type attendanceRepository struct {
	db *gorm.DB
}

// NewAttendanceRepository constructs an attendance repository.
func NewAttendanceRepository(db *gorm.DB) AttendanceRepository {
	return &attendanceRepository{db: db}
}

func (r *attendanceRepository) Create(ctx context.Context, record *models.AttendanceRecord) error {
	return r.db.WithContext(ctx).Omit("Student").Create(record).Error
}

func (r *attendanceRepository) Update(ctx context.Context, record *models.AttendanceRecord) error {
	return r.db.WithContext(ctx).Omit("Student").Save(record).Error
}

func (r *attendanceRepository) GetByID(ctx context.Context, id uint) (models.AttendanceRecord, error) {
	var record models.AttendanceRecord
	if err := r.db.WithContext(ctx).Preload("Student").First(&record, id).Error; err != nil {
		return models.AttendanceRecord{}, err
	}

	return record, nil
}

func (r *attendanceRepository) FindBySessionAndStudent(ctx context.Context, sessionID, studentID uint) (*models.AttendanceRecord, error) {
	var records []models.AttendanceRecord
	if err := r.db.WithContext(ctx).
		Where("session_id = ? AND student_id = ?", sessionID, studentID).
		Limit(1).
		Find(&records).Error; err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, nil
	}

	return &records[0], nil
}

func (r *attendanceRepository) ListBySession(ctx context.Context, sessionID uint) ([]models.AttendanceRecord, error) {
	var records []models.AttendanceRecord
	if err := r.db.WithContext(ctx).
		Preload("Student").
		Where("session_id = ?", sessionID).
		Order("scan_time ASC, id ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}

	return records, nil
}

func (r *attendanceRepository) ListByCourseAndDate(ctx context.Context, courseID uint, date time.Time) ([]models.AttendanceRecord, error) {
	start, end := dayBounds(date)

	var records []models.AttendanceRecord
	if err := r.db.WithContext(ctx).
		Preload("Student").
		Where("course_id = ? AND attendance_date >= ? AND attendance_date < ?", courseID, start, end).
		Order("scan_time ASC, id ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}

	return records, nil
}
