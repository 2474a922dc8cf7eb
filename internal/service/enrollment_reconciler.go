package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-attendance-api/internal/models"
	"github.com/noah-isme/gema-attendance-api/internal/observability"
	"github.com/noah-isme/gema-attendance-api/internal/repository"
)

// Reconcile operation names.
const (
	ReconcileOpUpdate = "update"
	ReconcileOpCreate = "create"
	ReconcileOpRemove = "remove"
)

// ErrClassSelectionCancelled is returned by a ClassSelector when the caller abandons the pick.
var ErrClassSelectionCancelled = errors.New("class selection cancelled")

// ClassSelection is the class chosen for one course.
type ClassSelection struct {
	SubjectID       *uint
	CourseSubjectID *uint
}

// ClassSelector asks the caller which class a newly added course should use.
type ClassSelector interface {
	SelectClass(ctx context.Context, studentID, courseID uint) (ClassSelection, error)
}

// ReconcileInput is the desired and current enrollment state of one student.
type ReconcileInput struct {
	StudentID        uint
	DesiredCourseIDs []uint
	ClassSelections  map[uint]ClassSelection
	Current          []models.Enrollment
}

// EnrollmentUpdate reassigns an existing row to the course desired at its position.
type EnrollmentUpdate struct {
	Previous models.Enrollment
	Next     models.Enrollment
	Changed  bool
}

// ReconcilePlan lists the operations moving the current rows to the desired courses.
type ReconcilePlan struct {
	Accepted        bool
	PendingCourseID *uint
	ToUpdate        []EnrollmentUpdate
	ToCreate        []models.Enrollment
	ToRemove        []models.Enrollment
	Selections      map[uint]ClassSelection
}

// ApplyReport lists the operations that reached the repository.
type ApplyReport struct {
	Updated   []models.Enrollment
	Created   []models.Enrollment
	Removed   []uint
	Unchanged int
}

// ReconcileApplyError is the first failed operation of a batch. Operations in Report stay applied.
type ReconcileApplyError struct {
	Op           string
	EnrollmentID uint
	CourseID     uint
	Err          error
	Report       ApplyReport
}

func (e *ReconcileApplyError) Error() string {
	return fmt.Sprintf("enrollment %s failed (enrollment %d, course %d): %v", e.Op, e.EnrollmentID, e.CourseID, e.Err)
}

func (e *ReconcileApplyError) Unwrap() error {
	return e.Err
}

// EnrollmentReconciler aligns existing enrollment rows with a desired course list by position so
// rows are reused instead of deleted and recreated.
type EnrollmentReconciler struct {
	repo   repository.EnrollmentRepository
	logger zerolog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewEnrollmentReconciler constructs a reconciler applying plans through the repository.
func NewEnrollmentReconciler(repo repository.EnrollmentRepository, logger zerolog.Logger) *EnrollmentReconciler {
	return &EnrollmentReconciler{
		repo:   repo,
		logger: logger.With().Str("component", "enrollment_reconciler").Logger(),
		tracer: otel.Tracer("github.com/noah-isme/gema-attendance-api/internal/service/enrollment_reconciler"),
		now:    time.Now,
	}
}

// Reconcile computes the plan. Newly added courses without a class selection are resolved through
// selector one at a time; a cancelled selection yields an unaccepted plan carrying the previous
// selections and no operations.
func (r *EnrollmentReconciler) Reconcile(ctx context.Context, input ReconcileInput, selector ClassSelector) (ReconcilePlan, error) {
	previous := copySelections(input.ClassSelections)
	selections := copySelections(input.ClassSelections)

	current := make([]models.Enrollment, len(input.Current))
	copy(current, input.Current)
	sort.SliceStable(current, func(i, j int) bool { return current[i].ID < current[j].ID })

	existingCourses := make(map[uint]struct{}, len(current))
	for _, row := range current {
		existingCourses[row.CourseID] = struct{}{}
		if _, ok := selections[row.CourseID]; !ok {
			selections[row.CourseID] = ClassSelection{SubjectID: row.SubjectID, CourseSubjectID: row.CourseSubjectID}
		}
	}

	desired := dedupeCourseIDs(input.DesiredCourseIDs)

	for _, courseID := range desired {
		if _, exists := existingCourses[courseID]; exists {
			continue
		}
		if _, selected := selections[courseID]; selected || selector == nil {
			continue
		}

		selection, err := selector.SelectClass(ctx, input.StudentID, courseID)
		if err != nil {
			if errors.Is(err, ErrClassSelectionCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				pending := courseID
				r.logger.Debug().Uint("student_id", input.StudentID).Uint("course_id", courseID).Msg("class selection cancelled")
				return ReconcilePlan{Accepted: false, PendingCourseID: &pending, Selections: previous}, nil
			}
			return ReconcilePlan{Selections: previous}, err
		}
		selections[courseID] = selection
	}

	plan := ReconcilePlan{Accepted: true, Selections: selections}

	size := len(current)
	if len(desired) > size {
		size = len(desired)
	}

	for index := 0; index < size; index++ {
		switch {
		case index < len(current) && index < len(desired):
			row := current[index]
			next := row
			selection := selections[desired[index]]
			next.CourseID = desired[index]
			next.SubjectID = selection.SubjectID
			next.CourseSubjectID = selection.CourseSubjectID
			next.IsActive = true
			if next.CourseID != row.CourseID {
				next.Course = models.Course{}
			}
			plan.ToUpdate = append(plan.ToUpdate, EnrollmentUpdate{
				Previous: row,
				Next:     next,
				Changed:  !row.SameTarget(next) || !row.IsActive,
			})
		case index < len(desired):
			selection := selections[desired[index]]
			plan.ToCreate = append(plan.ToCreate, models.Enrollment{
				StudentID:       input.StudentID,
				CourseID:        desired[index],
				SubjectID:       selection.SubjectID,
				CourseSubjectID: selection.CourseSubjectID,
				EnrollmentDate:  r.now().UTC(),
				IsActive:        true,
			})
		default:
			plan.ToRemove = append(plan.ToRemove, current[index])
		}
	}

	return plan, nil
}

// Apply runs updates, then creates, then removals. The first failure stops the batch; earlier
// operations are not rolled back.
func (r *EnrollmentReconciler) Apply(ctx context.Context, plan ReconcilePlan) (ApplyReport, error) {
	var report ApplyReport
	if !plan.Accepted {
		return report, nil
	}

	spanCtx, span := r.tracer.Start(ctx, "enrollment.reconcile.apply", trace.WithAttributes(
		attribute.Int("enrollment.updates", len(plan.ToUpdate)),
		attribute.Int("enrollment.creates", len(plan.ToCreate)),
		attribute.Int("enrollment.removals", len(plan.ToRemove)),
	))
	defer span.End()

	fail := func(op string, enrollmentID, courseID uint, err error) (ApplyReport, error) {
		span.RecordError(err)
		r.logger.Error().Err(err).Str("op", op).Uint("enrollment_id", enrollmentID).Msg("enrollment reconcile aborted")
		return report, &ReconcileApplyError{Op: op, EnrollmentID: enrollmentID, CourseID: courseID, Err: err, Report: report}
	}

	for _, update := range plan.ToUpdate {
		if !update.Changed {
			report.Unchanged++
			continue
		}
		next := update.Next
		if err := r.repo.Update(spanCtx, &next); err != nil {
			return fail(ReconcileOpUpdate, next.ID, next.CourseID, err)
		}
		report.Updated = append(report.Updated, next)
		observability.ReconcileOperationsTotal().WithLabelValues(ReconcileOpUpdate).Inc()
	}

	for _, create := range plan.ToCreate {
		row := create
		if err := r.repo.Create(spanCtx, &row); err != nil {
			return fail(ReconcileOpCreate, 0, row.CourseID, err)
		}
		report.Created = append(report.Created, row)
		observability.ReconcileOperationsTotal().WithLabelValues(ReconcileOpCreate).Inc()
	}

	for _, remove := range plan.ToRemove {
		deleted, err := r.repo.Delete(spanCtx, remove.ID)
		if err != nil {
			return fail(ReconcileOpRemove, remove.ID, remove.CourseID, err)
		}
		if !deleted {
			r.logger.Warn().Uint("enrollment_id", remove.ID).Msg("enrollment already removed")
		}
		report.Removed = append(report.Removed, remove.ID)
		observability.ReconcileOperationsTotal().WithLabelValues(ReconcileOpRemove).Inc()
	}

	return report, nil
}

func dedupeCourseIDs(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	result := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	return result
}

func copySelections(selections map[uint]ClassSelection) map[uint]ClassSelection {
	copied := make(map[uint]ClassSelection, len(selections))
	for courseID, selection := range selections {
		copied[courseID] = selection
	}
	return copied
}
