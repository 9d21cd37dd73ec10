package gradebook

import (
	"fmt"
)

// GeneralResult - общая средняя студента за семестр.
type GeneralResult struct {
	Moy       Value   `json:"moy"`
	NbNotes   int     `json:"nb_notes"`
	NbMissing int     `json:"nb_missing"`
	SumCoefs  float64 `json:"sum_coefs"`

	// MoyUEs - средние UE (по ID UE); присутствуют всегда, даже если общая средняя NA.
	MoyUEs map[string]Value `json:"moy_ues"`

	// Bonus - добавленный бонус (до ограничения шкалой).
	Bonus float64 `json:"bonus"`

	ECTSPot  float64 `json:"ects_pot"`
	ECTSFond float64 `json:"ects_fond"`
	ECTSPro  float64 `json:"ects_pro"`

	// Blocked - расчёт запрещён (отчисление, решение жюри или настройка семестра).
	Blocked     bool   `json:"blocked"`
	BlockReason string `json:"block_reason,omitempty"`
}

// ECTS возвращает сводку кредитов.
func (g GeneralResult) ECTS() ECTSSummary {
	return ECTSSummary{Potential: g.ECTSPot, Fondamental: g.ECTSFond, Professional: g.ECTSPro}
}

// ECTSSummary - сводка потенциальных кредитов студента.
type ECTSSummary struct {
	Potential    float64 `json:"potential"`
	Fondamental  float64 `json:"fondamental"`
	Professional float64 `json:"professional"`
}

// blockReason возвращает причину запрета расчёта или "".
func (b *builder) blockReason(st Student) string {
	switch {
	case b.settings.BlockComputation:
		return "semester computation blocked"
	case st.State == StateWithdrawn:
		return "student withdrawn"
	case st.State == StateFailed:
		return "student failed to complete"
	}
	if d, ok := b.jury[st.ID]; ok && d.Blocks() {
		return "jury decision " + d.Code
	}
	return ""
}

// generalAverage вычисляет общую среднюю. Статусы UE уже посчитаны.
func (b *builder) generalAverage(st Student) GeneralResult {
	g := GeneralResult{MoyUEs: make(map[string]Value, len(b.ues))}

	statuses := b.ueRes[st.ID]
	for _, ue := range b.ues {
		s := statuses[ue.ID]
		g.MoyUEs[ue.ID] = s.Moy
		if s.IsBonus {
			continue
		}
		g.NbNotes += s.NbNotes
		g.NbMissing += s.NbMissing
		g.ECTSPot += s.ECTSPot
		g.ECTSFond += s.ECTSFond
		g.ECTSPro += s.ECTSPro
	}

	if reason := b.blockReason(st); reason != "" {
		g.Moy = NA
		g.Blocked = true
		g.BlockReason = reason
		return g
	}

	var sum float64
	hasErr := false
	for _, ue := range b.ues {
		s := statuses[ue.ID]
		if s.IsBonus {
			continue
		}
		if s.Err != nil {
			hasErr = true
			continue
		}
		v, ok := s.Moy.Float()
		if !ok {
			continue
		}

		var coef float64
		switch b.settings.WeightingMode {
		case WeightUEs:
			if !s.IsEnrolled && !s.IsCapitalized {
				continue
			}
			if ue.Coefficient != nil {
				coef = *ue.Coefficient
			}
		default:
			coef = s.CoefUE
		}
		if coef <= 0 {
			continue
		}
		sum += v * coef
		g.SumCoefs += coef
	}

	switch {
	case hasErr:
		g.Moy = ERR
		return g
	case g.SumCoefs <= 0:
		g.Moy = NA
		return g
	}

	moy := sum / g.SumCoefs
	g.Bonus = b.bonusFor(st)
	g.Moy = Num(clamp(moy+g.Bonus, b.settings.MinGrade, b.settings.MaxGrade))
	return g
}

// bonusFor собирает пары (оценка, коэффициент) модулей бонусных UE
// и вызывает функцию бонуса. При несогласованных коэффициентах бонус пропускается.
func (b *builder) bonusFor(st Student) float64 {
	var grades []BonusGrade
	var coefs float64
	for _, ue := range b.ues {
		if !ue.Type.IsBonus() {
			continue
		}
		for _, m := range b.modulesByUE[ue.ID] {
			if !b.isEnrolled(m.ID, st.ID) {
				continue
			}
			v, ok := b.moduleRes[st.ID][m.ID].Moy.Float()
			if !ok {
				continue
			}
			grades = append(grades, BonusGrade{Grade: v, Coefficient: m.Coefficient})
			coefs += m.Coefficient
		}
	}

	if len(grades) == 0 {
		return 0
	}
	if coefs <= 0 && len(grades) > 1 {
		w := Warning{
			Kind:      WarnBonusInconsistent,
			StudentID: st.ID,
			Message:   fmt.Sprintf("bonus skipped: %d bonus grades with total coefficient %.2f", len(grades), coefs),
		}
		b.warnings = append(b.warnings, w)
		b.logger.Warn("bonus skipped",
			"semester_id", b.in.SemesterID,
			"student_id", st.ID,
			"grades", len(grades),
			"sum_coefs", coefs,
		)
		return 0
	}

	return b.bonus(grades, b.settings)
}
