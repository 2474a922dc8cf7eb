package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-attendance-api/internal/models"
)

// ScheduleRepository exposes dated course/subject occurrences.
type ScheduleRepository interface {
	ListByDate(ctx context.Context, date time.Time) ([]models.Schedule, error)
}

type scheduleRepository struct {
	db *gorm.DB
}

// NewScheduleRepository constructs a schedule repository.
func NewScheduleRepository(db *gorm.DB) ScheduleRepository {
	return &scheduleRepository{db: db}
}

func (r *scheduleRepository) ListByDate(ctx context.Context, date time.Time) ([]models.Schedule, error) {
	start, end := dayBounds(date)

	var schedules []models.Schedule
	if err := r.db.WithContext(ctx).
		Where("date >= ? AND date < ?", start, end).
		Order("start_time ASC, id ASC").
		Find(&schedules).Error; err != nil {
		return nil, err
	}

	return schedules, nil
}

// dayBounds returns the UTC midnight of the given day and of the day after.
func dayBounds(date time.Time) (time.Time, time.Time) {
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}
