package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/noah-isme/gema-attendance-api/internal/repository"
)

type selectionOutcome struct {
	selection ClassSelection
	err       error
}

// PendingSelection is a suspended class pick waiting for the caller's answer.
type PendingSelection struct {
	StudentID uint
	CourseID  uint

	once sync.Once
	done chan selectionOutcome
}

// Resolve resumes the reconciler with the chosen class.
func (p *PendingSelection) Resolve(selection ClassSelection) {
	p.once.Do(func() {
		p.done <- selectionOutcome{selection: selection}
	})
}

// Cancel abandons the pick; the reconcile call reports an unaccepted plan.
func (p *PendingSelection) Cancel() {
	p.once.Do(func() {
		p.done <- selectionOutcome{err: ErrClassSelectionCancelled}
	})
}

// InteractiveClassSelector hands every pick to a consumer of Pending and blocks until it is
// resolved or cancelled.
type InteractiveClassSelector struct {
	pending chan *PendingSelection
}

// NewInteractiveClassSelector builds a selector with an unbuffered pending channel.
func NewInteractiveClassSelector() *InteractiveClassSelector {
	return &InteractiveClassSelector{pending: make(chan *PendingSelection)}
}

// Pending delivers the picks the reconciler is waiting on, one at a time.
func (s *InteractiveClassSelector) Pending() <-chan *PendingSelection {
	return s.pending
}

func (s *InteractiveClassSelector) SelectClass(ctx context.Context, studentID, courseID uint) (ClassSelection, error) {
	pending := &PendingSelection{
		StudentID: studentID,
		CourseID:  courseID,
		done:      make(chan selectionOutcome, 1),
	}

	select {
	case s.pending <- pending:
	case <-ctx.Done():
		return ClassSelection{}, fmt.Errorf("%w: %v", ErrClassSelectionCancelled, ctx.Err())
	}

	select {
	case outcome := <-pending.done:
		return outcome.selection, outcome.err
	case <-ctx.Done():
		pending.Cancel()
		return ClassSelection{}, fmt.Errorf("%w: %v", ErrClassSelectionCancelled, ctx.Err())
	}
}

// RequestClassSelector answers picks for API callers that cannot be prompted: a course taught as a
// single class is picked automatically and a course with several classes reports cancellation.
type RequestClassSelector struct {
	courses repository.CourseRepository
}

// NewRequestClassSelector constructs a selector backed by the course catalogue.
func NewRequestClassSelector(courses repository.CourseRepository) *RequestClassSelector {
	return &RequestClassSelector{courses: courses}
}

func (s *RequestClassSelector) SelectClass(ctx context.Context, _ uint, courseID uint) (ClassSelection, error) {
	subjects, err := s.courses.ListSubjects(ctx, courseID)
	if err != nil {
		return ClassSelection{}, err
	}

	switch len(subjects) {
	case 0:
		return ClassSelection{}, nil
	case 1:
		subjectID := subjects[0].SubjectID
		courseSubjectID := subjects[0].ID
		return ClassSelection{SubjectID: &subjectID, CourseSubjectID: &courseSubjectID}, nil
	default:
		return ClassSelection{}, ErrClassSelectionCancelled
	}
}
