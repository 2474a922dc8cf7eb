package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-attendance-api/internal/models"
)

type countingScheduleRepo struct {
	schedules []models.Schedule
	calls     int
}

func (r *countingScheduleRepo) ListByDate(_ context.Context, date time.Time) ([]models.Schedule, error) {
	r.calls++
	var matched []models.Schedule
	for _, schedule := range r.schedules {
		if schedule.Date.Format("2006-01-02") == date.Format("2006-01-02") {
			matched = append(matched, schedule)
		}
	}
	return matched, nil
}

func TestScheduleCacheMemoizesDay(t *testing.T) {
	day := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	repo := &countingScheduleRepo{schedules: []models.Schedule{
		{ID: 1, CourseID: 3, Date: day, StartTime: "08:00", EndTime: "09:30"},
		{ID: 2, CourseID: 4, Date: day.AddDate(0, 0, 1), StartTime: "10:00", EndTime: "11:00"},
	}}
	cache := NewScheduleCache(repo, time.Minute, zerolog.Nop())
	now := day.Add(7 * time.Hour)
	cache.now = func() time.Time { return now }

	schedules, err := cache.ForDate(context.Background(), day)
	require.NoError(t, err)
	require.Len(t, schedules, 1)

	_, err = cache.ForDate(context.Background(), day.Add(3*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, repo.calls)

	now = now.Add(2 * time.Minute)
	_, err = cache.ForDate(context.Background(), day)
	require.NoError(t, err)
	require.Equal(t, 2, repo.calls)
}

func TestScheduleCacheEvictsExpiredDays(t *testing.T) {
	day := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	repo := &countingScheduleRepo{}
	cache := NewScheduleCache(repo, time.Minute, zerolog.Nop())
	now := day.Add(7 * time.Hour)
	cache.now = func() time.Time { return now }

	for offset := 0; offset < 5; offset++ {
		_, err := cache.ForDate(context.Background(), day.AddDate(0, 0, -offset))
		require.NoError(t, err)
	}
	require.Len(t, cache.entries, 5)

	now = now.Add(time.Minute)
	_, err := cache.ForDate(context.Background(), day)
	require.NoError(t, err)
	require.Len(t, cache.entries, 1)
	require.Contains(t, cache.entries, "2024-05-06")
	require.Equal(t, 6, repo.calls)
}

func TestScheduleCacheResolve(t *testing.T) {
	day := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	repo := &countingScheduleRepo{schedules: []models.Schedule{{ID: 1, CourseID: 3, Date: day, StartTime: "08:00"}}}
	cache := NewScheduleCache(repo, 0, zerolog.Nop())

	schedule, err := cache.Resolve(context.Background(), day, uintPtr(1))
	require.NoError(t, err)
	require.Equal(t, uint(3), schedule.CourseID)

	_, err = cache.Resolve(context.Background(), day, nil)
	require.ErrorIs(t, err, ErrScheduleNotSelected)

	_, err = cache.Resolve(context.Background(), day, uintPtr(0))
	require.ErrorIs(t, err, ErrScheduleNotSelected)

	_, err = cache.Resolve(context.Background(), day, uintPtr(9))
	require.ErrorIs(t, err, ErrScheduleNotFound)

	_, err = cache.Resolve(context.Background(), day.AddDate(0, 0, 1), uintPtr(1))
	require.ErrorIs(t, err, ErrScheduleNotFound)
}
