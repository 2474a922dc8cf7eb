package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-attendance-api/internal/models"
)

// EnrollmentRepository persists student enrollment rows and answers roster queries.
type EnrollmentRepository interface {
	ListByStudent(ctx context.Context, studentID uint) ([]models.Enrollment, error)
	GetByID(ctx context.Context, id uint) (models.Enrollment, error)
	Create(ctx context.Context, enrollment *models.Enrollment) error
	Update(ctx context.Context, enrollment *models.Enrollment) error
	Delete(ctx context.Context, id uint) (bool, error)
	ListActiveStudentIDsByCourse(ctx context.Context, courseID uint) ([]uint, error)
}

type enrollmentRepository struct {
	db *gorm.DB
}

// NewEnrollmentRepository constructs an enrollment repository.
func NewEnrollmentRepository(db *gorm.DB) EnrollmentRepository {
	return &enrollmentRepository{db: db}
}

func (r *enrollmentRepository) ListByStudent(ctx context.Context, studentID uint) ([]models.Enrollment, error) {
	var enrollments []models.Enrollment
	if err := r.db.WithContext(ctx).
		Preload("Course").
		Where("student_id = ?", studentID).
		Order("id ASC").
		Find(&enrollments).Error; err != nil {
		return nil, err
	}

	return enrollments, nil
}

func (r *enrollmentRepository) GetByID(ctx context.Context, id uint) (models.Enrollment, error) {
	var enrollment models.Enrollment
	if err := r.db.WithContext(ctx).First(&enrollment, id).Error; err != nil {
		return models.Enrollment{}, err
	}

	return enrollment, nil
}

func (r *enrollmentRepository) Create(ctx context.Context, enrollment *models.Enrollment) error {
	return r.db.WithContext(ctx).Omit("Course", "CourseSubject").Create(enrollment).Error
}

func (r *enrollmentRepository) Update(ctx context.Context, enrollment *models.Enrollment) error {
	return r.db.WithContext(ctx).
		Model(&models.Enrollment{ID: enrollment.ID}).
		Select("course_id", "subject_id", "course_subject_id", "is_active").
		Updates(map[string]interface{}{
			"course_id":         enrollment.CourseID,
			"subject_id":        enrollment.SubjectID,
			"course_subject_id": enrollment.CourseSubjectID,
			"is_active":         enrollment.IsActive,
		}).Error
}

func (r *enrollmentRepository) Delete(ctx context.Context, id uint) (bool, error) {
	result := r.db.WithContext(ctx).Delete(&models.Enrollment{}, id)
	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected > 0, nil
}

func (r *enrollmentRepository) ListActiveStudentIDsByCourse(ctx context.Context, courseID uint) ([]uint, error) {
	var ids []uint
	if err := r.db.WithContext(ctx).
		Model(&models.Enrollment{}).
		Where("course_id = ? AND is_active = ?", courseID, true).
		Distinct().
		Order("student_id ASC").
		Pluck("student_id", &ids).Error; err != nil {
		return nil, err
	}

	return ids, nil
}
