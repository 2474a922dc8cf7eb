package service

import (
	"context"
	"sync"
	"time"
)

// SessionState is the lifecycle state of a displayed attendance session.
type SessionState string

// Session lifecycle states. Expired and Stopped are terminal and fall back to Idle.
const (
	SessionStateIdle    SessionState = "idle"
	SessionStateActive  SessionState = "active"
	SessionStateExpired SessionState = "expired"
	SessionStateStopped SessionState = "stopped"
)

// SessionTimer drives the Idle -> Active -> Expired|Stopped -> Idle lifecycle of one displayed
// session code. The countdown is always recomputed from expiry - now.
type SessionTimer struct {
	mu        sync.Mutex
	state     SessionState
	sessionID uint
	code      string
	expiry    time.Time
}

// NewSessionTimer returns an idle timer.
func NewSessionTimer() *SessionTimer {
	return &SessionTimer{state: SessionStateIdle}
}

// Start activates the timer for a session code expiring at the given instant.
func (t *SessionTimer) Start(sessionID uint, code string, expiry time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = SessionStateActive
	t.sessionID = sessionID
	t.code = code
	t.expiry = expiry
}

// Stop ends an active session by teacher action. It returns the id of the stopped session and
// false when nothing was active.
func (t *SessionTimer) Stop() (uint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != SessionStateActive {
		return 0, false
	}

	sessionID := t.sessionID
	t.reset()
	return sessionID, true
}

// Tick re-evaluates the countdown. It returns SessionStateExpired on the tick where the remaining
// time reaches zero, after which the timer is idle again with its code cleared.
func (t *SessionTimer) Tick(now time.Time) (SessionState, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != SessionStateActive {
		return t.state, 0
	}

	left := t.expiry.Sub(now)
	if left > 0 {
		return SessionStateActive, left
	}

	t.reset()
	return SessionStateExpired, 0
}

// TimeLeft returns the remaining time without changing state.
func (t *SessionTimer) TimeLeft(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != SessionStateActive {
		return 0
	}
	left := t.expiry.Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// State returns the current state.
func (t *SessionTimer) State() SessionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SessionID returns the id of the active session, or zero.
func (t *SessionTimer) SessionID() uint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Code returns the currently displayed code; empty once the timer is idle.
func (t *SessionTimer) Code() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.code
}

// Run ticks the countdown every interval until the session leaves the active state or ctx is done.
// onTick receives every observed state, including the final expired one.
func (t *SessionTimer) Run(ctx context.Context, interval time.Duration, now func() time.Time, onTick func(SessionState, time.Duration)) {
	if interval <= 0 {
		interval = time.Second
	}
	if now == nil {
		now = time.Now
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		state, left := t.Tick(now())
		if onTick != nil {
			onTick(state, left)
		}
		if state != SessionStateActive {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *SessionTimer) reset() {
	t.state = SessionStateIdle
	t.sessionID = 0
	t.code = ""
	t.expiry = time.Time{}
}

// sessionStateAt derives the state of a persisted session at the given instant.
func sessionStateAt(stoppedAt *time.Time, expiry, now time.Time) (SessionState, time.Duration) {
	if stoppedAt != nil {
		return SessionStateStopped, 0
	}
	left := expiry.Sub(now)
	if left <= 0 {
		return SessionStateExpired, 0
	}
	return SessionStateActive, left
}
