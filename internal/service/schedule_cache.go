package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-attendance-api/internal/models"
	"github.com/noah-isme/gema-attendance-api/internal/repository"
)

var (
	// ErrScheduleNotSelected is returned when a scan arrives before the teacher picked a schedule.
	ErrScheduleNotSelected = errors.New("no schedule selected")
	// ErrScheduleNotFound is returned when the selected schedule does not exist on the session date.
	ErrScheduleNotFound = errors.New("schedule not found")
)

type scheduleEntry struct {
	schedules []models.Schedule
	loadedAt  time.Time
}

// ScheduleCache memoizes the schedules of a day so every decoded frame does not hit the database.
type ScheduleCache struct {
	repo    repository.ScheduleRepository
	ttl     time.Duration
	logger  zerolog.Logger
	now     func() time.Time
	mu      sync.RWMutex
	entries map[string]scheduleEntry
}

// NewScheduleCache builds a schedule cache backed by the repository.
func NewScheduleCache(repo repository.ScheduleRepository, ttl time.Duration, logger zerolog.Logger) *ScheduleCache {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}

	return &ScheduleCache{
		repo:    repo,
		ttl:     ttl,
		logger:  logger.With().Str("component", "schedule_cache").Logger(),
		now:     time.Now,
		entries: make(map[string]scheduleEntry),
	}
}

// ForDate returns the schedules of the given calendar day. Storing a day evicts every expired one.
func (c *ScheduleCache) ForDate(ctx context.Context, date time.Time) ([]models.Schedule, error) {
	key := date.Format("2006-01-02")

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Sub(entry.loadedAt) < c.ttl {
		return entry.schedules, nil
	}

	schedules, err := c.repo.ListByDate(ctx, date)
	if err != nil {
		return nil, err
	}

	now := c.now()
	c.mu.Lock()
	for day, cached := range c.entries {
		if now.Sub(cached.loadedAt) >= c.ttl {
			delete(c.entries, day)
		}
	}
	c.entries[key] = scheduleEntry{schedules: schedules, loadedAt: now}
	c.mu.Unlock()

	c.logger.Debug().Str("date", key).Int("count", len(schedules)).Msg("schedules loaded")

	return schedules, nil
}

// Resolve finds the selected schedule among the schedules of the given day.
func (c *ScheduleCache) Resolve(ctx context.Context, date time.Time, scheduleID *uint) (models.Schedule, error) {
	if scheduleID == nil || *scheduleID == 0 {
		return models.Schedule{}, ErrScheduleNotSelected
	}

	schedules, err := c.ForDate(ctx, date)
	if err != nil {
		return models.Schedule{}, err
	}

	for _, schedule := range schedules {
		if schedule.ID == *scheduleID {
			return schedule, nil
		}
	}

	return models.Schedule{}, ErrScheduleNotFound
}
