package service

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// ErrScannerClosed is returned when a closed scanner is used again.
	ErrScannerClosed = errors.New("scanner closed")
	// ErrScanInFlight is returned when the camera is resumed while a scan is still being validated.
	ErrScanInFlight = errors.New("a scan is still being validated")
)

// Camera is the decode stream owned by one scanner.
type Camera interface {
	Start(ctx context.Context) error
	Stop() error
}

// AudioCue plays scan feedback. Implementations are owned by one scanner and released on Close.
type AudioCue interface {
	Play(ctx context.Context, cue AudioCueKind) error
	Close() error
}

// RosterPrefetcher warms the roster of a course when a teacher selects it.
type RosterPrefetcher interface {
	Prefetch(ctx context.Context, courseID uint)
}

// ScannerSelection is the course, schedule and time window chosen by the teacher.
type ScannerSelection struct {
	CourseID    uint   `json:"course_id"`
	ScheduleID  *uint  `json:"schedule_id"`
	SessionID   *uint  `json:"session_id"`
	SessionDate string `json:"session_date"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
}

// ScannerSnapshot is the observable state of a scanner.
type ScannerSnapshot struct {
	Status    ScanStatus
	Message   string
	Retryable bool
	Scanning  bool
	Result    *ScanResult
}

// Scanner binds one camera and one audio output to a teacher's selection and lets at most one
// decoded frame be validated at a time.
type Scanner struct {
	validator ScanService
	rosters   RosterPrefetcher
	camera    Camera
	audio     AudioCue
	teacherID uint
	logger    zerolog.Logger

	mu         sync.Mutex
	selection  ScannerSelection
	status     ScanStatus
	message    string
	retryable  bool
	lastResult *ScanResult
	cameraOn   bool
	inFlight   bool
	cancelled  bool
	closed     bool
	generation uint64
	cues       sync.WaitGroup
}

// NewScanner acquires the camera and audio output for one teacher. rosters may be nil.
func NewScanner(validator ScanService, rosters RosterPrefetcher, camera Camera, audio AudioCue, teacherID uint, logger zerolog.Logger) *Scanner {
	return &Scanner{
		validator: validator,
		rosters:   rosters,
		camera:    camera,
		audio:     audio,
		teacherID: teacherID,
		logger:    logger.With().Str("component", "scanner").Uint("teacher_id", teacherID).Logger(),
		status:    ScanStatusIdle,
	}
}

// Select changes the teacher selection and warms its roster.
func (s *Scanner) Select(ctx context.Context, selection ScannerSelection) {
	s.mu.Lock()
	s.selection = selection
	s.mu.Unlock()

	if s.rosters != nil && selection.CourseID != 0 {
		s.rosters.Prefetch(ctx, selection.CourseID)
	}
}

// Start turns the camera on and begins accepting decoded frames.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrScannerClosed
	}
	if s.inFlight {
		return ErrScanInFlight
	}

	s.cancelled = false
	return s.startCameraLocked(ctx)
}

// Resume re-arms the camera after a result was shown.
func (s *Scanner) Resume(ctx context.Context) error {
	return s.Start(ctx)
}

// OnDecode handles one decoded frame. The camera is stopped before validation so later frames of
// the same card are dropped. It returns false when the frame was dropped or its result arrived
// after cancellation.
func (s *Scanner) OnDecode(ctx context.Context, raw string) (ScanResult, bool) {
	s.mu.Lock()
	if s.closed || s.cancelled || !s.cameraOn || s.inFlight {
		s.mu.Unlock()
		return ScanResult{}, false
	}

	if strings.TrimSpace(raw) == "" {
		s.status = ScanStatusError
		s.message = "Empty QR result"
		s.retryable = false
		s.mu.Unlock()
		return ScanResult{Status: ScanStatusError, Message: "Empty QR result", Cue: AudioCueNone}, true
	}

	s.inFlight = true
	s.stopCameraLocked()
	s.status = ScanStatusLoading
	s.message = ""
	generation := s.generation
	request := ScanRequest{
		Raw:            raw,
		CourseID:       s.selection.CourseID,
		ScheduleID:     s.selection.ScheduleID,
		RouteSessionID: s.selection.SessionID,
		TeacherID:      s.teacherID,
		SessionDate:    s.selection.SessionDate,
		StartTime:      s.selection.StartTime,
		EndTime:        s.selection.EndTime,
	}
	s.mu.Unlock()

	result, err := s.validator.Validate(ctx, request)
	if err != nil {
		s.logger.Debug().Err(err).Msg("scan rejected")
	}

	s.mu.Lock()
	s.inFlight = false
	if s.closed || s.cancelled || generation != s.generation {
		s.mu.Unlock()
		s.logger.Debug().Msg("discarding scan result after cancellation")
		return result, false
	}

	s.status = result.Status
	s.message = result.Message
	s.retryable = result.Retryable
	applied := result
	s.lastResult = &applied
	play := s.reserveCueLocked(result.Cue)
	s.mu.Unlock()

	if play {
		s.playCue(result.Cue)
	}

	return result, true
}

// Cancel stops the camera and ignores any result still in flight.
func (s *Scanner) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelled = true
	s.generation++
	s.stopCameraLocked()
	s.status = ScanStatusIdle
	s.message = ""
	s.retryable = false
}

// Close cancels the scanner and releases its camera and audio output.
func (s *Scanner) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.cancelled = true
	s.closed = true
	s.generation++
	s.stopCameraLocked()
	s.status = ScanStatusIdle
	s.mu.Unlock()

	s.cues.Wait()

	if s.audio != nil {
		return s.audio.Close()
	}
	return nil
}

// Snapshot returns the current scanner state.
func (s *Scanner) Snapshot() ScannerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := ScannerSnapshot{
		Status:    s.status,
		Message:   s.message,
		Retryable: s.retryable,
		Scanning:  s.cameraOn,
	}
	if s.lastResult != nil {
		result := *s.lastResult
		snapshot.Result = &result
	}
	return snapshot
}

func (s *Scanner) startCameraLocked(ctx context.Context) error {
	if s.camera != nil && !s.cameraOn {
		if err := s.camera.Start(ctx); err != nil {
			s.status = ScanStatusError
			s.message = "Camera could not be started"
			return err
		}
	}
	s.cameraOn = true
	s.status = ScanStatusScanning
	s.message = ""
	s.retryable = false
	return nil
}

func (s *Scanner) stopCameraLocked() {
	if !s.cameraOn {
		return
	}
	s.cameraOn = false
	if s.camera == nil {
		return
	}
	if err := s.camera.Stop(); err != nil {
		s.logger.Debug().Err(err).Msg("failed to stop camera")
	}
}

// reserveCueLocked registers a pending cue so Close waits for it before releasing the audio output.
func (s *Scanner) reserveCueLocked(cue AudioCueKind) bool {
	if s.audio == nil || cue == "" || cue == AudioCueNone {
		return false
	}
	s.cues.Add(1)
	return true
}

func (s *Scanner) playCue(cue AudioCueKind) {
	go func() {
		defer s.cues.Done()
		if err := s.audio.Play(context.Background(), cue); err != nil {
			s.logger.Debug().Err(err).Str("cue", string(cue)).Msg("audio cue failed")
		}
	}()
}
