package gradebook

import (
	"time"

	"github.com/alem-hub/gradebook/internal/domain/formula"
)

// UEStatus - итоговое состояние UE для студента.
type UEStatus struct {
	UEID string `json:"ue_id"`

	// Moy - значение, используемое дальше (после капитализации).
	Moy Value `json:"moy"`

	// CurMoy - средняя текущего семестра (после формулы, до капитализации).
	CurMoy Value `json:"cur_moy"`

	SumCoefs  float64 `json:"sum_coefs"`
	NbNotes   int     `json:"nb_notes"`
	NbMissing int     `json:"nb_missing"`

	IsEnrolled        bool      `json:"is_enrolled"`
	IsCapitalized     bool      `json:"is_capitalized"`
	WasCapitalized    bool      `json:"was_capitalized"`
	CapOriginSemester string    `json:"cap_origin_semester,omitempty"`
	CapEventDate      time.Time `json:"cap_event_date,omitempty"`
	CapExternal       bool      `json:"cap_external,omitempty"`

	// CoefUE - вес UE в общей средней (режим WeightModules).
	CoefUE float64 `json:"coef_ue"`

	ECTSPot  float64 `json:"ects_pot"`
	ECTSFond float64 `json:"ects_fond"`
	ECTSPro  float64 `json:"ects_pro"`

	IsBonus bool `json:"is_bonus"`

	// Diagnostic - результат формулы UE, если она задана.
	Diagnostic *Diagnostic `json:"diagnostic,omitempty"`

	// Err - ошибка определения коэффициента капитализированной UE.
	Err *CoefficientError `json:"-"`
}

// ueStatus вычисляет состояние UE для студента. Модули уже посчитаны.
func (b *builder) ueStatus(st Student, ue UE) UEStatus {
	s := UEStatus{UEID: ue.ID, IsBonus: ue.Type.IsBonus()}

	modules := b.modulesByUE[ue.ID]
	notes := make([]float64, 0, len(modules))
	coefs := make([]float64, 0, len(modules))
	mask := make([]float64, 0, len(modules))

	var sum, enrolledCoefs, malus float64
	hasMalus := false
	for _, m := range modules {
		r := b.moduleRes[st.ID][m.ID]
		if !b.isEnrolled(m.ID, st.ID) {
			if !m.IsMalus() {
				notes = append(notes, r.Moy.OrNaN())
				coefs = append(coefs, m.Coefficient)
				mask = append(mask, 0)
			}
			continue
		}
		s.IsEnrolled = true

		if m.IsMalus() {
			if v, ok := r.Moy.Float(); ok {
				malus += v
				hasMalus = true
			}
			continue
		}

		s.NbNotes += r.NbNotes
		s.NbMissing += r.NbMissing
		if m.Coefficient > 0 {
			enrolledCoefs += m.Coefficient
		}

		v, ok := r.Moy.Float()
		notes = append(notes, r.Moy.OrNaN())
		coefs = append(coefs, m.Coefficient)
		if !ok {
			mask = append(mask, 0)
			continue
		}
		mask = append(mask, 1)
		if m.Coefficient > 0 {
			sum += v * m.Coefficient
			s.SumCoefs += m.Coefficient
		}
	}

	// 1. Средняя текущего семестра
	cur := NI
	if s.IsEnrolled {
		if s.SumCoefs > 0 {
			v := sum / s.SumCoefs
			if hasMalus {
				v = clamp(v-malus, b.settings.MinGrade, b.settings.MaxGrade)
			}
			cur = Num(v)
		} else {
			cur = NA
		}
	}

	// 2. Формула UE заменяет среднюю текущего семестра
	if s.IsEnrolled && formula.IsActive(ue.Formula) {
		bindings := formula.Bindings{
			"notes":        formula.Vector(notes),
			"coefs":        formula.Vector(coefs),
			"coefs_mask":   formula.Vector(mask),
			"moy":          formula.Scalar(cur.OrNaN()),
			"moy_is_valid": formula.Bool(cur.IsNumber()),
			"nb_missing":   formula.Scalar(float64(s.NbMissing)),
			"sum_coefs":    formula.Scalar(s.SumCoefs),
		}
		cur, s.Diagnostic = b.applyFormula(TargetUE, ue.ID, st.ID, ue.Formula, bindings)
	}
	s.CurMoy = cur
	s.Moy = cur

	// 3. Капитализация (бонусные UE не капитализируются)
	var best *CapitalizedUE
	if !s.IsBonus {
		best = b.bestCapitalization(st.ID, ue.Code)
	}
	if best != nil {
		s.WasCapitalized = true
		curV, curOK := cur.Float()
		if (s.IsEnrolled || b.settings.CapitalizeUnenrolled) && (!curOK || best.Average > curV) {
			s.Moy = Num(best.Average)
			s.IsCapitalized = true
			s.CapOriginSemester = best.OriginSemesterID
			s.CapEventDate = best.EventDate
			s.CapExternal = best.External
		}
	}

	// 4. Коэффициент UE
	forced, isForced := b.in.ForcedCoefficients[ue.ID]
	switch {
	case isForced && forced >= 0:
		s.CoefUE = forced
	case s.IsCapitalized:
		var c float64
		if !best.External {
			for _, x := range best.OriginModuleCoefficients {
				c += x
			}
		}
		if c <= 0 {
			c = enrolledCoefs
		}
		// В режиме WeightUEs вес задаёт сама UE, суммы модулей не нужны.
		if c <= 0 && b.settings.WeightingMode == WeightUEs && ue.Coefficient != nil && *ue.Coefficient > 0 {
			c = *ue.Coefficient
		}
		if c <= 0 {
			s.Err = &CoefficientError{
				SemesterID:  b.in.SemesterID,
				StudentID:   st.ID,
				StudentName: st.DisplayName(),
				UEID:        ue.ID,
				UECode:      ue.Code,
				External:    best.External,
			}
		} else {
			s.CoefUE = c
		}
	default:
		s.CoefUE = s.SumCoefs
	}

	// 5. ECTS
	if v, ok := s.Moy.Float(); ok && !s.IsBonus && v >= b.settings.UEThreshold {
		s.ECTSPot = ue.ECTS
		if ue.Type.IsProfessional() {
			s.ECTSPro = ue.ECTS
		} else {
			s.ECTSFond = ue.ECTS
		}
	}

	return s
}

// bestCapitalization возвращает лучшую запись с числовой средней
// (при равенстве - самую позднюю).
func (b *builder) bestCapitalization(studentID, ueCode string) *CapitalizedUE {
	var best *CapitalizedUE
	for i := range b.caps[studentID][ueCode] {
		c := &b.caps[studentID][ueCode][i]
		if !Num(c.Average).IsNumber() {
			continue
		}
		if best == nil || c.Average > best.Average ||
			(c.Average == best.Average && c.EventDate.After(best.EventDate)) {
			best = c
		}
	}
	return best
}

// subjectAverages вычисляет средние по дисциплинам (только для просмотра).
func (b *builder) subjectAverages(st Student) map[string]Value {
	type acc struct{ sum, coefs float64 }
	sums := make(map[string]*acc)
	out := make(map[string]Value, len(b.in.Subjects))

	for _, m := range b.modules {
		if m.SubjectID == "" || m.IsMalus() || !b.isEnrolled(m.ID, st.ID) {
			continue
		}
		a, ok := sums[m.SubjectID]
		if !ok {
			a = &acc{}
			sums[m.SubjectID] = a
			out[m.SubjectID] = NA
		}
		v, isNum := b.moduleRes[st.ID][m.ID].Moy.Float()
		if !isNum || m.Coefficient <= 0 {
			continue
		}
		a.sum += v * m.Coefficient
		a.coefs += m.Coefficient
	}

	for id, a := range sums {
		if a.coefs > 0 {
			out[id] = Num(a.sum / a.coefs)
		}
	}
	return out
}
