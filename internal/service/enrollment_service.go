package service

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-attendance-api/internal/dto"
	"github.com/noah-isme/gema-attendance-api/internal/models"
	"github.com/noah-isme/gema-attendance-api/internal/repository"
)

var (
	// ErrStudentNotFound is returned when the student does not exist.
	ErrStudentNotFound = errors.New("student not found")
	// ErrEnrollmentNotFound is returned when the enrollment does not exist.
	ErrEnrollmentNotFound = errors.New("enrollment not found")
)

// EnrollmentService keeps student enrollments in sync with the desired course list.
type EnrollmentService interface {
	ListByStudent(ctx context.Context, studentID uint) ([]dto.EnrollmentResponse, error)
	Sync(ctx context.Context, studentID uint, req dto.EnrollmentSyncRequest) (dto.EnrollmentSyncResponse, error)
	Remove(ctx context.Context, enrollmentID uint) error
	Roster(ctx context.Context, courseID uint) (dto.RosterResponse, error)
}

type enrollmentService struct {
	repo       repository.EnrollmentRepository
	students   repository.StudentRepository
	courses    repository.CourseRepository
	reconciler *EnrollmentReconciler
	rosters    *RosterCache
	validator  *validator.Validate
	logger     zerolog.Logger
}

// NewEnrollmentService constructs the enrollment service.
func NewEnrollmentService(
	repo repository.EnrollmentRepository,
	students repository.StudentRepository,
	courses repository.CourseRepository,
	reconciler *EnrollmentReconciler,
	rosters *RosterCache,
	validate *validator.Validate,
	logger zerolog.Logger,
) EnrollmentService {
	return &enrollmentService{
		repo:       repo,
		students:   students,
		courses:    courses,
		reconciler: reconciler,
		rosters:    rosters,
		validator:  validate,
		logger:     logger.With().Str("component", "enrollment_service").Logger(),
	}
}

func (s *enrollmentService) ListByStudent(ctx context.Context, studentID uint) ([]dto.EnrollmentResponse, error) {
	if err := s.ensureStudent(ctx, studentID); err != nil {
		return nil, err
	}

	enrollments, err := s.repo.ListByStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}

	return dto.NewEnrollmentResponseSlice(enrollments), nil
}

func (s *enrollmentService) Sync(ctx context.Context, studentID uint, req dto.EnrollmentSyncRequest) (dto.EnrollmentSyncResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.EnrollmentSyncResponse{}, err
	}
	if err := s.ensureStudent(ctx, studentID); err != nil {
		return dto.EnrollmentSyncResponse{}, err
	}

	selections, err := s.completeSelections(ctx, req)
	if err != nil {
		return dto.EnrollmentSyncResponse{}, err
	}

	current, err := s.repo.ListByStudent(ctx, studentID)
	if err != nil {
		return dto.EnrollmentSyncResponse{}, err
	}

	plan, err := s.reconciler.Reconcile(ctx, ReconcileInput{
		StudentID:        studentID,
		DesiredCourseIDs: req.CourseIDs,
		ClassSelections:  selections,
		Current:          current,
	}, NewRequestClassSelector(s.courses))
	if err != nil {
		return dto.EnrollmentSyncResponse{}, err
	}

	if !plan.Accepted {
		return dto.EnrollmentSyncResponse{
			Accepted:        false,
			PendingCourseID: plan.PendingCourseID,
			Updated:         []dto.EnrollmentResponse{},
			Created:         []dto.EnrollmentResponse{},
			Removed:         []uint{},
			Enrollments:     dto.NewEnrollmentResponseSlice(current),
		}, nil
	}

	report, applyErr := s.reconciler.Apply(ctx, plan)
	s.rosters.Invalidate(ctx, touchedCourses(plan)...)
	if applyErr != nil {
		return dto.EnrollmentSyncResponse{}, applyErr
	}

	s.logger.Info().
		Uint("student_id", studentID).
		Int("updated", len(report.Updated)).
		Int("created", len(report.Created)).
		Int("removed", len(report.Removed)).
		Int("unchanged", report.Unchanged).
		Msg("enrollments reconciled")

	refreshed, err := s.repo.ListByStudent(ctx, studentID)
	if err != nil {
		return dto.EnrollmentSyncResponse{}, err
	}

	removed := report.Removed
	if removed == nil {
		removed = []uint{}
	}

	return dto.EnrollmentSyncResponse{
		Accepted:    true,
		Updated:     dto.NewEnrollmentResponseSlice(report.Updated),
		Created:     dto.NewEnrollmentResponseSlice(report.Created),
		Removed:     removed,
		Unchanged:   report.Unchanged,
		Enrollments: dto.NewEnrollmentResponseSlice(refreshed),
	}, nil
}

func (s *enrollmentService) Remove(ctx context.Context, enrollmentID uint) error {
	enrollment, err := s.repo.GetByID(ctx, enrollmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrEnrollmentNotFound
		}
		return err
	}

	deleted, err := s.repo.Delete(ctx, enrollmentID)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrEnrollmentNotFound
	}

	s.rosters.Invalidate(ctx, enrollment.CourseID)
	s.logger.Info().Uint("enrollment_id", enrollmentID).Uint("course_id", enrollment.CourseID).Msg("enrollment removed")

	return nil
}

func (s *enrollmentService) Roster(ctx context.Context, courseID uint) (dto.RosterResponse, error) {
	if _, err := s.courses.GetByID(ctx, courseID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.RosterResponse{}, ErrCourseNotFound
		}
		return dto.RosterResponse{}, err
	}

	roster, err := s.rosters.Get(ctx, courseID)
	if err != nil {
		return dto.RosterResponse{}, err
	}

	return dto.RosterResponse{
		CourseID:   courseID,
		StudentIDs: roster.StudentIDs(),
		LoadedAt:   roster.LoadedAt,
	}, nil
}

func (s *enrollmentService) ensureStudent(ctx context.Context, studentID uint) error {
	if _, err := s.students.GetByID(ctx, studentID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrStudentNotFound
		}
		return err
	}
	return nil
}

// completeSelections checks every desired course and fills in the course-subject link of
// selections that only name a subject.
func (s *enrollmentService) completeSelections(ctx context.Context, req dto.EnrollmentSyncRequest) (map[uint]ClassSelection, error) {
	selections := make(map[uint]ClassSelection, len(req.ClassSelections))

	for _, courseID := range dedupeCourseIDs(req.CourseIDs) {
		if _, err := s.courses.GetByID(ctx, courseID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrCourseNotFound
			}
			return nil, err
		}

		requested, ok := req.ClassSelections[courseID]
		if !ok {
			continue
		}
		if requested.SubjectID == nil && requested.CourseSubjectID == nil {
			selections[courseID] = ClassSelection{}
			continue
		}

		subjects, err := s.courses.ListSubjects(ctx, courseID)
		if err != nil {
			return nil, err
		}
		match, found := matchCourseSubject(subjects, requested)
		if !found {
			return nil, ErrSubjectNotInCourse
		}

		subjectID := match.SubjectID
		courseSubjectID := match.ID
		selections[courseID] = ClassSelection{SubjectID: &subjectID, CourseSubjectID: &courseSubjectID}
	}

	return selections, nil
}

func matchCourseSubject(subjects []models.CourseSubject, requested dto.ClassSelectionRequest) (models.CourseSubject, bool) {
	for _, subject := range subjects {
		if requested.CourseSubjectID != nil && subject.ID != *requested.CourseSubjectID {
			continue
		}
		if requested.SubjectID != nil && subject.SubjectID != *requested.SubjectID {
			continue
		}
		return subject, true
	}
	return models.CourseSubject{}, false
}

func touchedCourses(plan ReconcilePlan) []uint {
	seen := make(map[uint]struct{})
	var courses []uint
	add := func(courseID uint) {
		if _, ok := seen[courseID]; ok || courseID == 0 {
			return
		}
		seen[courseID] = struct{}{}
		courses = append(courses, courseID)
	}

	for _, update := range plan.ToUpdate {
		if update.Changed {
			add(update.Previous.CourseID)
			add(update.Next.CourseID)
		}
	}
	for _, create := range plan.ToCreate {
		add(create.CourseID)
	}
	for _, remove := range plan.ToRemove {
		add(remove.CourseID)
	}

	return courses
}
