package gradebook

import (
	"math"

	"github.com/alem-hub/gradebook/internal/domain/formula"
)

// ModuleResult - средняя студента по модулю.
type ModuleResult struct {
	Moy       Value   `json:"moy"`
	NbNotes   int     `json:"nb_notes"`
	NbMissing int     `json:"nb_missing"`
	NbAbs     int     `json:"nb_abs"`
	SumCoefs  float64 `json:"sum_coefs"`

	// Diagnostic - результат формулы модуля, если она задана.
	Diagnostic *Diagnostic `json:"diagnostic,omitempty"`
}

// validEvaluations возвращает оценки модуля, участвующие в расчёте:
// полностью заполненные или помеченные PublishIncomplete.
func (b *builder) validEvaluations(m Module) []Evaluation {
	all := b.evalsByModule[m.ID]
	valid := make([]Evaluation, 0, len(all))
	for _, ev := range all {
		if ev.PublishIncomplete || b.isComplete(ev, m) {
			valid = append(valid, ev)
		}
	}
	return valid
}

// isComplete - у каждого активного записанного студента есть запись (любого вида).
func (b *builder) isComplete(ev Evaluation, m Module) bool {
	for _, sid := range m.Enrolled {
		st, ok := b.students[sid]
		if !ok || !st.State.IsActive() {
			continue
		}
		if _, entered := ev.Grades[sid]; !entered {
			return false
		}
	}
	return true
}

// normalize приводит оценку к шкале семестра.
func (b *builder) normalize(score, maxScore float64) float64 {
	scale := b.settings.MaxGrade
	if maxScore <= 0 || maxScore == scale {
		return score
	}
	return score / maxScore * scale
}

// moduleAverage вычисляет среднюю студента по модулю.
func (b *builder) moduleAverage(st Student, m Module, evals []Evaluation) ModuleResult {
	if !b.isEnrolled(m.ID, st.ID) {
		return ModuleResult{Moy: NI}
	}

	res := ModuleResult{}
	notes := make([]float64, 0, len(evals))
	coefs := make([]float64, 0, len(evals))
	mask := make([]float64, 0, len(evals))

	var sum float64
	for _, ev := range evals {
		g, entered := ev.Grades[st.ID]
		v := math.NaN()
		switch {
		case !entered || g.Kind == GradePending:
			res.NbMissing++
		case g.Kind == GradeExcused:
			// нейтрализуется
		case g.Kind == GradeAbsent:
			v = 0
			res.NbAbs++
		default:
			v = b.normalize(g.Score, ev.MaxScore)
		}

		notes = append(notes, v)
		coefs = append(coefs, ev.Coefficient)
		if math.IsNaN(v) {
			mask = append(mask, 0)
			continue
		}
		mask = append(mask, 1)
		res.NbNotes++
		if ev.Coefficient > 0 {
			sum += v * ev.Coefficient
			res.SumCoefs += ev.Coefficient
		}
	}

	if res.SumCoefs > 0 {
		res.Moy = Num(sum / res.SumCoefs)
	} else {
		res.Moy = NA
	}

	if formula.IsActive(m.Formula) {
		bindings := formula.Bindings{
			"notes":        formula.Vector(notes),
			"coefs":        formula.Vector(coefs),
			"coefs_mask":   formula.Vector(mask),
			"moy":          formula.Scalar(res.Moy.OrNaN()),
			"moy_is_valid": formula.Bool(res.Moy.IsNumber()),
			"nb_abs":       formula.Scalar(float64(res.NbAbs)),
			"nb_missing":   formula.Scalar(float64(res.NbMissing)),
		}
		res.Moy, res.Diagnostic = b.applyFormula(TargetModule, m.ID, st.ID, m.Formula, bindings)
	}

	return res
}

// applyFormula вызывает пользовательскую формулу и возвращает её значение
// вместе с диагностикой. Ошибка формулы даёт ERR, а не панику.
func (b *builder) applyFormula(target TargetKind, targetID, studentID, src string, bindings formula.Bindings) (Value, *Diagnostic) {
	diag := &Diagnostic{
		Target:    target,
		TargetID:  targetID,
		StudentID: studentID,
		Formula:   src,
		NAInputs:  bindings.NANames(),
	}

	res, err := b.evaluator.Evaluate(src, bindings)
	if err != nil {
		diag.Error = err.Error()
		b.diagnostics = append(b.diagnostics, *diag)
		b.logger.Debug("formula failed",
			"target", target,
			"target_id", targetID,
			"student_id", studentID,
			"error", err,
		)
		return ERR, diag
	}

	diag.Result = res.String()
	b.diagnostics = append(b.diagnostics, *diag)
	if res.NA {
		return NA, diag
	}
	return Num(res.Value), diag
}
