package gradebook

import (
	"fmt"
	"sort"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONSISTENCY CHECK
// ══════════════════════════════════════════════════════════════════════════════

// CheckConsistency проверяет перекрёстные ссылки входных данных.
// Нарушения не фатальны: они попадают в предупреждения GradeBook.
func CheckConsistency(in *Input) []Warning {
	if in == nil {
		return nil
	}

	ues := make(map[string]UE, len(in.UEs))
	for _, ue := range in.UEs {
		ues[ue.ID] = ue
	}
	subjects := make(map[string]Subject, len(in.Subjects))
	for _, s := range in.Subjects {
		subjects[s.ID] = s
	}
	modules := make(map[string]struct{}, len(in.Modules))

	var warnings []Warning

	for _, ue := range in.UEs {
		if in.FormationID != "" && ue.FormationID != "" && ue.FormationID != in.FormationID {
			warnings = append(warnings, Warning{
				Kind:     WarnUEFormation,
				EntityID: ue.ID,
				Message:  fmt.Sprintf("UE %s belongs to formation %s, semester uses %s", ue.Code, ue.FormationID, in.FormationID),
			})
		}
	}

	for _, m := range in.Modules {
		modules[m.ID] = struct{}{}

		if _, ok := ues[m.UEID]; !ok {
			warnings = append(warnings, Warning{
				Kind:     WarnUnknownUE,
				EntityID: m.ID,
				Message:  fmt.Sprintf("module %s references unknown UE %q", m.Code, m.UEID),
			})
		}

		if m.SubjectID != "" {
			s, ok := subjects[m.SubjectID]
			switch {
			case !ok:
				warnings = append(warnings, Warning{
					Kind:     WarnUnknownSubject,
					EntityID: m.ID,
					Message:  fmt.Sprintf("module %s references unknown subject %q", m.Code, m.SubjectID),
				})
			case s.UEID != m.UEID:
				warnings = append(warnings, Warning{
					Kind:     WarnModuleSubjectUE,
					EntityID: m.ID,
					Message:  fmt.Sprintf("module %s is in UE %s but its subject %s is in UE %s", m.Code, m.UEID, s.ID, s.UEID),
				})
			}
		}

		if in.FormationID != "" && m.FormationID != "" && m.FormationID != in.FormationID {
			warnings = append(warnings, Warning{
				Kind:     WarnModuleFormation,
				EntityID: m.ID,
				Message:  fmt.Sprintf("module %s belongs to formation %s, semester uses %s", m.Code, m.FormationID, in.FormationID),
			})
		}

		if m.Coefficient < 0 {
			warnings = append(warnings, Warning{
				Kind:     WarnInvalidCoefficient,
				EntityID: m.ID,
				Message:  fmt.Sprintf("module %s has negative coefficient %.2f", m.Code, m.Coefficient),
			})
		}
	}

	for _, ev := range in.Evaluations {
		if _, ok := modules[ev.ModuleID]; !ok {
			warnings = append(warnings, Warning{
				Kind:     WarnUnknownModule,
				EntityID: ev.ID,
				Message:  fmt.Sprintf("evaluation %s references unknown module %q", ev.ID, ev.ModuleID),
			})
		}
		if ev.Coefficient < 0 {
			warnings = append(warnings, Warning{
				Kind:     WarnInvalidEvaluation,
				EntityID: ev.ID,
				Message:  fmt.Sprintf("evaluation %s has negative coefficient %.2f", ev.ID, ev.Coefficient),
			})
		}
	}

	return warnings
}

// ══════════════════════════════════════════════════════════════════════════════
// REPAIR PLAN
// ══════════════════════════════════════════════════════════════════════════════

// Repair - исправление модуля: перенос в UE его дисциплины.
type Repair struct {
	ModuleID string `json:"module_id"`
	FromUEID string `json:"from_ue_id"`
	ToUEID   string `json:"to_ue_id"`
}

// PlanRepairs строит план исправлений для расхождений «UE модуля ≠ UE дисциплины».
// Источник истины - дисциплина. Расхождения формаций автоматически не чинятся.
// Пустой план означает «нечего исправлять»; повторный вызов на исправленных
// данных возвращает пустой план.
func PlanRepairs(in *Input) []Repair {
	if in == nil {
		return nil
	}

	subjects := make(map[string]Subject, len(in.Subjects))
	for _, s := range in.Subjects {
		subjects[s.ID] = s
	}
	ues := make(map[string]struct{}, len(in.UEs))
	for _, ue := range in.UEs {
		ues[ue.ID] = struct{}{}
	}

	var plan []Repair
	for _, m := range in.Modules {
		s, ok := subjects[m.SubjectID]
		if !ok || s.UEID == m.UEID {
			continue
		}
		if _, known := ues[s.UEID]; !known {
			continue
		}
		plan = append(plan, Repair{ModuleID: m.ID, FromUEID: m.UEID, ToUEID: s.UEID})
	}

	sort.Slice(plan, func(i, j int) bool { return plan[i].ModuleID < plan[j].ModuleID })
	return plan
}

// ApplyRepairs применяет план к копии входных данных (для проверки в памяти).
func ApplyRepairs(in *Input, plan []Repair) *Input {
	if in == nil {
		return nil
	}
	out := *in
	out.Modules = make([]Module, len(in.Modules))
	copy(out.Modules, in.Modules)

	byModule := make(map[string]string, len(plan))
	for _, r := range plan {
		byModule[r.ModuleID] = r.ToUEID
	}
	for i := range out.Modules {
		if to, ok := byModule[out.Modules[i].ID]; ok {
			out.Modules[i].UEID = to
		}
	}
	return &out
}
