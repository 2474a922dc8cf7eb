package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	// ErrRosterLoading is a retryable rejection while the course roster is still being fetched.
	ErrRosterLoading = errors.New("student roster is still loading")
	// ErrRosterUnavailable is a retryable rejection when the course roster could not be fetched.
	ErrRosterUnavailable = errors.New("student roster is unavailable")
)

const rosterFailureBackoff = 5 * time.Second

// RosterSource loads the authoritative list of active students of a course.
type RosterSource interface {
	ListActiveStudentIDsByCourse(ctx context.Context, courseID uint) ([]uint, error)
}

// RosterState describes the readiness of a cached course roster.
type RosterState string

// Roster readiness states.
const (
	RosterStateMissing RosterState = "missing"
	RosterStateLoading RosterState = "loading"
	RosterStateReady   RosterState = "ready"
	RosterStateFailed  RosterState = "failed"
)

// Roster is the loaded membership of one course.
type Roster struct {
	CourseID uint
	LoadedAt time.Time
	members  map[string]struct{}
}

// NewRoster builds a roster from student ids.
func NewRoster(courseID uint, studentIDs []uint, loadedAt time.Time) Roster {
	members := make(map[string]struct{}, len(studentIDs))
	for _, id := range studentIDs {
		members[formatUint(id)] = struct{}{}
	}
	return Roster{CourseID: courseID, LoadedAt: loadedAt, members: members}
}

// Contains reports whether the canonical student id is on the roster.
func (r Roster) Contains(studentID string) bool {
	_, ok := r.members[studentID]
	return ok
}

// StudentIDs returns the roster members in ascending order.
func (r Roster) StudentIDs() []uint {
	ids := make([]uint, 0, len(r.members))
	for member := range r.members {
		if id, err := ParseUintID("student_id", member); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type rosterEntry struct {
	state    RosterState
	roster   Roster
	err      error
	failedAt time.Time
	done     chan struct{}
	// invalidated is set when the entry is dropped while its load is in flight. The load then
	// completes for its own callers but is neither kept in process nor mirrored to Redis.
	invalidated bool
}

// RosterCache is the explicit roster cache handed to the scan pipeline. It keeps an in-process
// view with loading state per course and mirrors loaded rosters into Redis when a client is set.
type RosterCache struct {
	source  RosterSource
	redis   *redis.Client
	ttl     time.Duration
	logger  zerolog.Logger
	now     func() time.Time
	mu      sync.Mutex
	entries map[uint]*rosterEntry
	// storeMu orders Redis writes of loaded rosters against invalidation deletes.
	storeMu sync.Mutex
}

// NewRosterCache builds a roster cache. redisClient may be nil.
func NewRosterCache(source RosterSource, redisClient *redis.Client, ttl time.Duration, logger zerolog.Logger) *RosterCache {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}

	return &RosterCache{
		source:  source,
		redis:   redisClient,
		ttl:     ttl,
		logger:  logger.With().Str("component", "roster_cache").Logger(),
		now:     time.Now,
		entries: make(map[uint]*rosterEntry),
	}
}

// State reports the readiness of the roster of a course.
func (c *RosterCache) State(courseID uint) RosterState {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[courseID]
	if !ok {
		return RosterStateMissing
	}
	if entry.state == RosterStateReady && c.expired(entry) {
		return RosterStateMissing
	}
	return entry.state
}

// Ready returns the roster when it can be served without waiting on another caller's load.
// A load in flight yields ErrRosterLoading and a recent failed load ErrRosterUnavailable;
// a missing roster is loaded synchronously.
func (c *RosterCache) Ready(ctx context.Context, courseID uint) (Roster, error) {
	c.mu.Lock()
	if entry, ok := c.entries[courseID]; ok {
		switch entry.state {
		case RosterStateReady:
			if !c.expired(entry) {
				c.mu.Unlock()
				return entry.roster, nil
			}
		case RosterStateLoading:
			c.mu.Unlock()
			return Roster{}, ErrRosterLoading
		case RosterStateFailed:
			if c.now().Sub(entry.failedAt) < rosterFailureBackoff {
				err := entry.err
				c.mu.Unlock()
				return Roster{}, fmt.Errorf("%w: %v", ErrRosterUnavailable, err)
			}
		}
	}
	entry := c.beginLoadLocked(courseID)
	c.mu.Unlock()

	return c.load(ctx, courseID, entry)
}

// Get returns the roster, waiting for a load already in flight.
func (c *RosterCache) Get(ctx context.Context, courseID uint) (Roster, error) {
	c.mu.Lock()
	if entry, ok := c.entries[courseID]; ok {
		switch {
		case entry.state == RosterStateReady && !c.expired(entry):
			c.mu.Unlock()
			return entry.roster, nil
		case entry.state == RosterStateLoading:
			done := entry.done
			c.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return Roster{}, ctx.Err()
			}
			return c.Get(ctx, courseID)
		}
	}
	entry := c.beginLoadLocked(courseID)
	c.mu.Unlock()

	return c.load(ctx, courseID, entry)
}

// Prefetch starts loading the roster in the background unless it is ready or already loading.
func (c *RosterCache) Prefetch(ctx context.Context, courseID uint) {
	c.mu.Lock()
	if entry, ok := c.entries[courseID]; ok {
		if entry.state == RosterStateLoading || (entry.state == RosterStateReady && !c.expired(entry)) {
			c.mu.Unlock()
			return
		}
	}
	entry := c.beginLoadLocked(courseID)
	c.mu.Unlock()

	go func() {
		if _, err := c.load(context.WithoutCancel(ctx), courseID, entry); err != nil {
			c.logger.Warn().Err(err).Uint("course_id", courseID).Msg("roster prefetch failed")
		}
	}()
}

// Invalidate drops the cached rosters of the given courses. A load still in flight for one of
// them is detached so its result, read before the change, is not cached.
func (c *RosterCache) Invalidate(ctx context.Context, courseIDs ...uint) {
	if len(courseIDs) == 0 {
		return
	}

	c.storeMu.Lock()
	defer c.storeMu.Unlock()

	c.mu.Lock()
	for _, courseID := range courseIDs {
		if entry, ok := c.entries[courseID]; ok {
			entry.invalidated = true
			delete(c.entries, courseID)
		}
	}
	c.mu.Unlock()

	if c.redis == nil {
		return
	}

	keys := make([]string, 0, len(courseIDs))
	for _, courseID := range courseIDs {
		keys = append(keys, rosterCacheKey(courseID))
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to invalidate roster cache")
	}
}

func (c *RosterCache) beginLoadLocked(courseID uint) *rosterEntry {
	entry := &rosterEntry{state: RosterStateLoading, done: make(chan struct{})}
	c.entries[courseID] = entry
	return entry
}

func (c *RosterCache) load(ctx context.Context, courseID uint, entry *rosterEntry) (Roster, error) {
	roster, fromSource, err := c.fetch(ctx, courseID)
	if err == nil && fromSource {
		c.store(ctx, courseID, entry, roster)
	}

	c.mu.Lock()
	if err != nil {
		entry.state = RosterStateFailed
		entry.err = err
		entry.failedAt = c.now()
	} else {
		entry.state = RosterStateReady
		entry.roster = roster
	}
	close(entry.done)
	c.mu.Unlock()

	if err != nil {
		return Roster{}, fmt.Errorf("%w: %v", ErrRosterUnavailable, err)
	}
	return roster, nil
}

// fetch reads the roster from Redis, falling back to the source. fromSource reports whether the
// roster came from the source and still needs mirroring.
func (c *RosterCache) fetch(ctx context.Context, courseID uint) (Roster, bool, error) {
	if c.redis != nil {
		if cached, err := c.redis.Get(ctx, rosterCacheKey(courseID)).Result(); err == nil {
			var ids []uint
			if unmarshalErr := json.Unmarshal([]byte(cached), &ids); unmarshalErr == nil {
				c.logger.Debug().Uint("course_id", courseID).Msg("roster cache hit")
				return NewRoster(courseID, ids, c.now()), false, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Msg("failed to read roster cache")
		}
	}

	ids, err := c.source.ListActiveStudentIDsByCourse(ctx, courseID)
	if err != nil {
		return Roster{}, false, err
	}
	return NewRoster(courseID, ids, c.now()), true, nil
}

// store mirrors a freshly loaded roster into Redis unless the entry was invalidated meanwhile.
func (c *RosterCache) store(ctx context.Context, courseID uint, entry *rosterEntry, roster Roster) {
	if c.redis == nil {
		return
	}

	c.storeMu.Lock()
	defer c.storeMu.Unlock()

	c.mu.Lock()
	stale := entry.invalidated
	c.mu.Unlock()
	if stale {
		c.logger.Debug().Uint("course_id", courseID).Msg("roster invalidated while loading, not cached")
		return
	}

	payload, err := json.Marshal(roster.StudentIDs())
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, rosterCacheKey(courseID), payload, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to store roster cache")
	}
}

func (c *RosterCache) expired(entry *rosterEntry) bool {
	return c.now().Sub(entry.roster.LoadedAt) >= c.ttl
}

func rosterCacheKey(courseID uint) string {
	return fmt.Sprintf("roster:course:%d", courseID)
}
