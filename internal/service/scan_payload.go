package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// QR payload type markers.
const (
	ScanTypeStudentAttendance = "student-attendance"
	ScanTypeClassSession      = "class-session"
)

const legacyStudentPrefix = "STD-"

var (
	// ErrScanEmpty is returned when the decoder produced no text.
	ErrScanEmpty = errors.New("empty QR result")
	// ErrScanUnexpectedType signals a QR payload declaring a type other than a student card.
	ErrScanUnexpectedType = errors.New("QR code is not a student attendance card")
	// ErrScanStudentMissing signals a payload without any student identifier.
	ErrScanStudentMissing = errors.New("QR code does not contain a student id")
)

// ScanPayload is the decoded content of one scanned QR code. It only lives for one scan cycle.
type ScanPayload struct {
	Type           string
	StudentID      string
	SessionID      string
	Enrollments    map[string]map[string]struct{}
	HasEnrollments bool
	Legacy         bool
	Claims         map[string]interface{}
}

// EnrolledInCourse reports whether the payload claims an enrollment in the course.
func (p ScanPayload) EnrolledInCourse(courseID string) bool {
	_, ok := p.Enrollments[courseID]
	return ok
}

// EnrolledInSubject reports whether the payload claims the subject within the course.
func (p ScanPayload) EnrolledInSubject(courseID, subjectID string) bool {
	subjects, ok := p.Enrollments[courseID]
	if !ok {
		return false
	}
	_, ok = subjects[subjectID]
	return ok
}

// ParseScanPayload decodes the raw text of a scanned QR code. JSON objects are read through the
// alias-aware normalizers; anything else is treated as an opaque student identifier, including
// the legacy "STD-<id>" card format.
func ParseScanPayload(raw string) (ScanPayload, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ScanPayload{}, ErrScanEmpty
	}

	record, ok := decodeObject(text)
	if !ok {
		return parseOpaquePayload(text)
	}

	payload := ScanPayload{Claims: record}

	if value, exists := record["type"]; exists {
		kind, _ := value.(string)
		payload.Type = strings.TrimSpace(kind)
		if payload.Type != ScanTypeStudentAttendance {
			return payload, ErrScanUnexpectedType
		}
	}

	studentID, ok := NormalizeStudentID(record)
	if !ok {
		return payload, ErrScanStudentMissing
	}
	payload.StudentID = studentID

	if sessionID, ok := NormalizeSessionID(record); ok {
		payload.SessionID = sessionID
	}

	payload.Enrollments, payload.HasEnrollments = NormalizeScanEnrollments(record)

	return payload, nil
}

func decodeObject(text string) (map[string]interface{}, bool) {
	if !strings.HasPrefix(text, "{") {
		return nil, false
	}

	decoder := json.NewDecoder(bytes.NewReader([]byte(text)))
	decoder.UseNumber()

	var record map[string]interface{}
	if err := decoder.Decode(&record); err != nil {
		return nil, false
	}

	return record, true
}

func parseOpaquePayload(text string) (ScanPayload, error) {
	identifier := strings.Trim(text, `"`)
	legacy := false

	if len(identifier) > len(legacyStudentPrefix) && strings.EqualFold(identifier[:len(legacyStudentPrefix)], legacyStudentPrefix) {
		parts := strings.Split(identifier, "-")
		identifier = strings.TrimSpace(parts[1])
		legacy = true
	}

	if identifier == "" {
		return ScanPayload{}, ErrScanStudentMissing
	}

	return ScanPayload{
		StudentID:   identifier,
		Legacy:      legacy,
		Enrollments: map[string]map[string]struct{}{},
		Claims:      map[string]interface{}{"raw": text},
	}, nil
}
