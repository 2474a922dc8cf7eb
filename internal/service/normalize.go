package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrValidation marks identifiers that cannot be coerced into the numeric ids the persistence layer uses.
var ErrValidation = errors.New("validation error")

var (
	studentIDKeys      = []string{"studentId", "student_id", "StudentId", "StudentID", "studentID", "id", "userId", "user_id"}
	sessionIDKeys      = []string{"sessionId", "session_id", "SessionId", "SessionID"}
	scanEnrollmentKeys = []string{"enrollments", "Enrollments", "courses"}
	courseIDKeys       = []string{"courseId", "course_id", "CourseId", "CourseID"}
	subjectIDListKeys  = []string{"subjectIds", "subject_ids", "SubjectIds", "subjects"}
	subjectIDKeys      = []string{"subjectId", "subject_id", "SubjectId", "SubjectID"}
)

// NormalizeID turns a loosely typed identifier (string, JSON number, integer) into its canonical
// decimal string form. Numeric strings such as "05" or "5.0" collapse to "5"; other strings are
// opaque identifiers and only trimmed.
func NormalizeID(value interface{}) (string, bool) {
	switch v := value.(type) {
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return "", false
		}
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			return strconv.FormatUint(parsed, 10), true
		}
		if parsed, err := strconv.ParseFloat(trimmed, 64); err == nil && parsed >= 0 && parsed == math.Trunc(parsed) && parsed <= math.MaxUint64 {
			return strconv.FormatFloat(parsed, 'f', 0, 64), true
		}
		return trimmed, true
	case json.Number:
		return NormalizeID(v.String())
	case float64:
		if v < 0 || v != math.Trunc(v) || math.IsInf(v, 0) {
			return "", false
		}
		return strconv.FormatFloat(v, 'f', 0, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case uint:
		return strconv.FormatUint(uint64(v), 10), true
	case uint64:
		return strconv.FormatUint(v, 10), true
	default:
		return "", false
	}
}

// NormalizeStudentID extracts the student identifier from a loosely typed record, trying the
// known key aliases in a fixed priority order.
func NormalizeStudentID(record map[string]interface{}) (string, bool) {
	return firstID(record, studentIDKeys)
}

// NormalizeSessionID extracts the session identifier from a loosely typed record.
func NormalizeSessionID(record map[string]interface{}) (string, bool) {
	return firstID(record, sessionIDKeys)
}

// NormalizeScanEnrollments builds the course -> subject set membership map embedded in a
// student QR payload. The boolean is false when the record carries no enrollment list.
func NormalizeScanEnrollments(record map[string]interface{}) (map[string]map[string]struct{}, bool) {
	var entries []interface{}
	found := false
	for _, key := range scanEnrollmentKeys {
		if raw, ok := record[key]; ok {
			if list, ok := raw.([]interface{}); ok {
				entries = list
				found = true
				break
			}
		}
	}

	membership := make(map[string]map[string]struct{})
	if !found {
		return membership, false
	}

	for _, entry := range entries {
		item, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}

		courseID, ok := firstID(item, courseIDKeys)
		if !ok {
			continue
		}

		subjects, exists := membership[courseID]
		if !exists {
			subjects = make(map[string]struct{})
			membership[courseID] = subjects
		}

		for _, key := range subjectIDListKeys {
			list, ok := item[key].([]interface{})
			if !ok {
				continue
			}
			for _, value := range list {
				if id, ok := NormalizeID(value); ok {
					subjects[id] = struct{}{}
				}
			}
		}

		if id, ok := firstID(item, subjectIDKeys); ok {
			subjects[id] = struct{}{}
		}
	}

	return membership, true
}

// ParseUintID coerces a canonical identifier into the numeric form used by the repositories.
func ParseUintID(field, value string) (uint, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: %s is required", ErrValidation, field)
	}

	parsed, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil || parsed == 0 {
		return 0, fmt.Errorf("%w: %s must be a positive number", ErrValidation, field)
	}

	return uint(parsed), nil
}

func firstID(record map[string]interface{}, keys []string) (string, bool) {
	for _, key := range keys {
		if value, ok := record[key]; ok {
			if id, ok := NormalizeID(value); ok {
				return id, true
			}
		}
	}
	return "", false
}

func formatUint(value uint) string {
	return strconv.FormatUint(uint64(value), 10)
}
