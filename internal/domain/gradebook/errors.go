package gradebook

import (
	"fmt"

	"github.com/alem-hub/gradebook/internal/domain/shared"
)

// CoefficientError - фатальная ошибка конфигурации: у капитализированной UE
// не удалось определить коэффициент. Затрагивает только результаты одного студента.
type CoefficientError struct {
	SemesterID  string
	StudentID   string
	StudentName string
	UEID        string
	UECode      string

	// External - капитализация пришла извне (antérieure).
	External bool
}

// Error implements the error interface.
func (e *CoefficientError) Error() string {
	origin := "capitalized"
	if e.External {
		origin = "externally capitalized"
	}
	return fmt.Sprintf(
		"cannot resolve coefficient of %s UE %s for student %s (%s) in semester %s: set an explicit coefficient at %s",
		origin, e.UECode, e.StudentName, e.StudentID, e.SemesterID, e.FixLocation(),
	)
}

// FixLocation возвращает место, где администратор должен задать коэффициент.
func (e *CoefficientError) FixLocation() string {
	return fmt.Sprintf("/semesters/%s/ues/%s/coefficient", e.SemesterID, e.UEID)
}

// Is позволяет проверять errors.Is(err, shared.ErrConfiguration).
func (e *CoefficientError) Is(target error) bool {
	return target == shared.ErrConfiguration
}

// ══════════════════════════════════════════════════════════════════════════════
// WARNINGS & DIAGNOSTICS
// ══════════════════════════════════════════════════════════════════════════════

// WarningKind - тип нефатального предупреждения.
type WarningKind string

const (
	WarnModuleSubjectUE    WarningKind = "module_subject_ue_mismatch"
	WarnModuleFormation    WarningKind = "module_formation_mismatch"
	WarnUEFormation        WarningKind = "ue_formation_mismatch"
	WarnUnknownUE          WarningKind = "unknown_ue"
	WarnUnknownSubject     WarningKind = "unknown_subject"
	WarnUnknownModule      WarningKind = "unknown_module"
	WarnBonusInconsistent  WarningKind = "bonus_inconsistent_coefficients"
	WarnInvalidEvaluation  WarningKind = "invalid_evaluation"
	WarnInvalidCoefficient WarningKind = "invalid_coefficient"
)

// Warning - нарушение согласованности данных или пропущенный бонус.
type Warning struct {
	Kind      WarningKind `json:"kind"`
	EntityID  string      `json:"entity_id,omitempty"`
	StudentID string      `json:"student_id,omitempty"`
	Message   string      `json:"message"`
}

// String для логов.
func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Kind, w.Message)
}

// TargetKind - к чему привязана формула.
type TargetKind string

const (
	TargetModule TargetKind = "module"
	TargetUE     TargetKind = "ue"
)

// Diagnostic - результат вызова пользовательской формулы для одного студента.
type Diagnostic struct {
	Target    TargetKind `json:"target"`
	TargetID  string     `json:"target_id"`
	StudentID string     `json:"student_id"`
	Formula   string     `json:"formula"`

	// NAInputs - переменные, содержавшие NA.
	NAInputs []string `json:"na_inputs,omitempty"`

	// Result - "12.5", "NA" или пусто при ошибке.
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Failed сообщает, завершилась ли формула ошибкой.
func (d *Diagnostic) Failed() bool {
	return d != nil && d.Error != ""
}
