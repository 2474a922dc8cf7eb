package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-attendance-api/internal/models"
)

// CourseRepository exposes read access to courses and their classes.
type CourseRepository interface {
	GetByID(ctx context.Context, id uint) (models.Course, error)
	ListSubjects(ctx context.Context, courseID uint) ([]models.CourseSubject, error)
}

type courseRepository struct {
	db *gorm.DB
}

// NewCourseRepository constructs a course repository.
func NewCourseRepository(db *gorm.DB) CourseRepository {
	return &courseRepository{db: db}
}

func (r *courseRepository) GetByID(ctx context.Context, id uint) (models.Course, error) {
	var course models.Course
	if err := r.db.WithContext(ctx).First(&course, id).Error; err != nil {
		return models.Course{}, err
	}

	return course, nil
}

func (r *courseRepository) ListSubjects(ctx context.Context, courseID uint) ([]models.CourseSubject, error) {
	var subjects []models.CourseSubject
	if err := r.db.WithContext(ctx).
		Preload("Subject").
		Where("course_id = ?", courseID).
		Order("id ASC").
		Find(&subjects).Error; err != nil {
		return nil, err
	}

	return subjects, nil
}
