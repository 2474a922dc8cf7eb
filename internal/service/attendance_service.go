package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-attendance-api/internal/dto"
	"github.com/noah-isme/gema-attendance-api/internal/models"
	"github.com/noah-isme/gema-attendance-api/internal/repository"
)

const attendanceExportSheet = "Attendance"

var (
	// ErrAttendanceRecordNotFound is returned when the record does not exist.
	ErrAttendanceRecordNotFound = errors.New("attendance record not found")
	// ErrAttendanceRecordForbidden is returned when the caller does not own the record.
	ErrAttendanceRecordForbidden = errors.New("attendance record belongs to another teacher")
)

// AttendanceExport is a rendered spreadsheet of one session.
type AttendanceExport struct {
	FileName string
	Content  []byte
}

// AttendanceService answers attendance queries and manual status changes.
type AttendanceService interface {
	ListBySession(ctx context.Context, sessionID uint) ([]dto.AttendanceRecordResponse, error)
	ListByCourseAndDate(ctx context.Context, courseID uint, date string) ([]dto.AttendanceRecordResponse, error)
	UpdateStatus(ctx context.Context, recordID uint, actor Actor, req dto.AttendanceStatusUpdateRequest) (dto.AttendanceRecordResponse, error)
	ExportSession(ctx context.Context, sessionID uint) (AttendanceExport, error)
}

type attendanceService struct {
	records   repository.AttendanceRepository
	sessions  repository.AttendanceSessionRepository
	feed      AttendanceFeed
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	now       func() time.Time
}

// NewAttendanceService constructs the attendance query service. feed may be nil.
func NewAttendanceService(records repository.AttendanceRepository, sessions repository.AttendanceSessionRepository, feed AttendanceFeed, validate *validator.Validate, logger zerolog.Logger) AttendanceService {
	return &attendanceService{
		records:   records,
		sessions:  sessions,
		feed:      feed,
		validator: validate,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "attendance_service").Logger(),
		now:       time.Now,
	}
}

func (s *attendanceService) ListBySession(ctx context.Context, sessionID uint) ([]dto.AttendanceRecordResponse, error) {
	if _, err := s.sessions.GetByID(ctx, sessionID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAttendanceSessionNotFound
		}
		return nil, err
	}

	records, err := s.records.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return dto.NewAttendanceRecordResponseSlice(records), nil
}

func (s *attendanceService) ListByCourseAndDate(ctx context.Context, courseID uint, date string) ([]dto.AttendanceRecordResponse, error) {
	day := s.now()
	if trimmed := strings.TrimSpace(date); trimmed != "" {
		parsed, err := time.Parse("2006-01-02", trimmed)
		if err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrValidation)
		}
		day = parsed
	}

	records, err := s.records.ListByCourseAndDate(ctx, courseID, day)
	if err != nil {
		return nil, err
	}

	return dto.NewAttendanceRecordResponseSlice(records), nil
}

func (s *attendanceService) UpdateStatus(ctx context.Context, recordID uint, actor Actor, req dto.AttendanceStatusUpdateRequest) (dto.AttendanceRecordResponse, error) {
	req.Status = strings.ToLower(strings.TrimSpace(req.Status))
	if err := s.validator.Struct(req); err != nil {
		return dto.AttendanceRecordResponse{}, err
	}

	record, err := s.records.GetByID(ctx, recordID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.AttendanceRecordResponse{}, ErrAttendanceRecordNotFound
		}
		return dto.AttendanceRecordResponse{}, err
	}
	if record.TeacherID != actor.ID && !actor.IsAdmin() {
		return dto.AttendanceRecordResponse{}, ErrAttendanceRecordForbidden
	}

	record.Status = req.Status
	record.Note = strings.TrimSpace(s.sanitizer.Sanitize(req.Note))

	if err := s.records.Update(ctx, &record); err != nil {
		return dto.AttendanceRecordResponse{}, err
	}

	s.logger.Info().
		Uint("record_id", record.ID).
		Uint("actor_id", actor.ID).
		Str("status", record.Status).
		Msg("attendance status updated")

	response := dto.NewAttendanceRecordResponse(record)
	if s.feed != nil {
		s.feed.Publish(ctx, dto.AttendanceEvent{
			Type:      dto.AttendanceEventUpdated,
			SessionID: record.SessionID,
			Record:    &response,
		})
	}

	return response, nil
}

func (s *attendanceService) ExportSession(ctx context.Context, sessionID uint) (AttendanceExport, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return AttendanceExport{}, ErrAttendanceSessionNotFound
		}
		return AttendanceExport{}, err
	}

	records, err := s.records.ListBySession(ctx, sessionID)
	if err != nil {
		return AttendanceExport{}, err
	}

	content, err := renderAttendanceSheet(session, records)
	if err != nil {
		return AttendanceExport{}, err
	}

	return AttendanceExport{
		FileName: fmt.Sprintf("attendance-session-%d-%s.xlsx", session.ID, session.StartTime.Format("20060102")),
		Content:  content,
	}, nil
}

func renderAttendanceSheet(session models.AttendanceSession, records []models.AttendanceRecord) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", attendanceExportSheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(attendanceExportSheet, "A1", fmt.Sprintf("Session %d, course %d", session.ID, session.CourseID))
	_ = f.SetCellValue(attendanceExportSheet, "A2", session.StartTime.Format("2006-01-02 15:04"))

	headers := []interface{}{"Student ID", "Student", "Status", "Scan time", "Date", "Note"}
	if err := f.SetSheetRow(attendanceExportSheet, "A4", &headers); err != nil {
		return nil, err
	}
	if bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err == nil {
		_ = f.SetCellStyle(attendanceExportSheet, "A4", "F4", bold)
	}

	for i, record := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+5)
		if err != nil {
			return nil, err
		}
		row := []interface{}{
			record.StudentID,
			record.Student.Name,
			record.Status,
			record.ScanTime.Format("15:04:05"),
			record.AttendanceDate.Format("2006-01-02"),
			record.Note,
		}
		if err := f.SetSheetRow(attendanceExportSheet, cell, &row); err != nil {
			return nil, err
		}
	}

	_ = f.SetColWidth(attendanceExportSheet, "A", "A", 12)
	_ = f.SetColWidth(attendanceExportSheet, "B", "B", 32)
	_ = f.SetColWidth(attendanceExportSheet, "C", "E", 14)
	_ = f.SetColWidth(attendanceExportSheet, "F", "F", 40)

	buffer, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}

	return buffer.Bytes(), nil
}
