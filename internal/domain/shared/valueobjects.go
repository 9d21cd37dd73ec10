package shared

import (
	"fmt"
	"strings"
	"unicode"
)

// ══════════════════════════════════════════════════════════════════════════════
// IDENTIFIERS
// ══════════════════════════════════════════════════════════════════════════════

// MaxIDLength - предельная длина идентификаторов, приходящих извне
// (параметры запросов, payload уведомлений PostgreSQL).
const MaxIDLength = 64

// SemesterID - идентификатор семестра.
type SemesterID string

// IsValid проверяет, что ID непустой и не содержит пробелов и управляющих символов.
func (s SemesterID) IsValid() bool {
	return validIdentifier(string(s))
}

// String возвращает строковое представление.
func (s SemesterID) String() string {
	return string(s)
}

// NewSemesterID создаёт SemesterID с валидацией.
func NewSemesterID(id string) (SemesterID, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrEmptySemesterID
	}
	if !validIdentifier(id) {
		return "", invalidID("semester", id)
	}
	return SemesterID(id), nil
}

// StudentID - идентификатор студента (etudid).
type StudentID string

// IsValid проверяет корректность ID студента.
func (s StudentID) IsValid() bool {
	return validIdentifier(string(s))
}

// String возвращает строковое представление.
func (s StudentID) String() string {
	return string(s)
}

// NewStudentID создаёт StudentID с валидацией.
func NewStudentID(id string) (StudentID, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrEmptyStudentID
	}
	if !validIdentifier(id) {
		return "", invalidID("student", id)
	}
	return StudentID(id), nil
}

// GroupName - название группы (TD, TP, промо). Пустое значение означает
// "без группы", поэтому проверяется только длина.
type GroupName string

// NewGroupName нормализует и проверяет название группы.
func NewGroupName(name string) (GroupName, error) {
	name = strings.TrimSpace(name)
	if len(name) > MaxIDLength {
		return "", NewDomainError("gradebook", "Validate", ErrValueOutOfRange,
			fmt.Sprintf("group name longer than %d characters", MaxIDLength))
	}
	return GroupName(name), nil
}

// IsEmpty возвращает true, если группа не задана.
func (g GroupName) IsEmpty() bool {
	return g == ""
}

func validIdentifier(id string) bool {
	if id == "" || len(id) > MaxIDLength {
		return false
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

func invalidID(what, id string) error {
	if len(id) > MaxIDLength {
		id = id[:MaxIDLength] + "..."
	}
	return NewDomainError("gradebook", "Validate", ErrInvalidID,
		fmt.Sprintf("invalid %s id %q", what, id))
}
