package gradebook

import (
	"log/slog"
	"sort"
	"time"

	"github.com/alem-hub/gradebook/internal/domain/formula"
	"github.com/alem-hub/gradebook/internal/domain/ranking"
	"github.com/alem-hub/gradebook/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// OPTIONS
// ══════════════════════════════════════════════════════════════════════════════

// FormulaEvaluator вычисляет пользовательские формулы.
type FormulaEvaluator interface {
	Evaluate(src string, b formula.Bindings) (formula.Result, error)
}

type buildOptions struct {
	logger    *slog.Logger
	evaluator FormulaEvaluator
	bonus     BonusFunc
	now       func() time.Time
}

// Option настраивает Build.
type Option func(*buildOptions)

// WithLogger задаёт логгер для предупреждений расчёта.
func WithLogger(l *slog.Logger) Option {
	return func(o *buildOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithFormulaEvaluator задаёт вычислитель формул (например, общий кеш AST).
func WithFormulaEvaluator(e FormulaEvaluator) Option {
	return func(o *buildOptions) {
		if e != nil {
			o.evaluator = e
		}
	}
}

// WithBonusFunc подменяет функцию бонуса, выбранную в настройках.
func WithBonusFunc(fn BonusFunc) Option {
	return func(o *buildOptions) {
		if fn != nil {
			o.bonus = fn
		}
	}
}

// WithClock задаёт источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(o *buildOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// BUILDER
// ══════════════════════════════════════════════════════════════════════════════

// builder держит индексы входных данных и таблицы результатов во время расчёта.
type builder struct {
	in        *Input
	settings  Settings
	logger    *slog.Logger
	evaluator FormulaEvaluator
	bonus     BonusFunc

	students      map[string]Student
	ues           []UE
	modules       []Module
	modulesByUE   map[string][]Module
	evalsByModule map[string][]Evaluation
	enrolled      map[string]map[string]struct{}
	caps          map[string]map[string][]CapitalizedUE
	jury          map[string]JuryDecision

	moduleRes  map[string]map[string]ModuleResult
	subjectRes map[string]map[string]Value
	ueRes      map[string]map[string]UEStatus
	general    map[string]GeneralResult

	errors      []*CoefficientError
	warnings    []Warning
	diagnostics []Diagnostic
}

func (b *builder) isEnrolled(moduleID, studentID string) bool {
	_, ok := b.enrolled[moduleID][studentID]
	return ok
}

func newBuilder(in *Input, o buildOptions) *builder {
	b := &builder{
		in:            in,
		settings:      in.Settings,
		logger:        o.logger,
		evaluator:     o.evaluator,
		bonus:         o.bonus,
		students:      make(map[string]Student, len(in.Students)),
		modulesByUE:   make(map[string][]Module),
		evalsByModule: make(map[string][]Evaluation),
		enrolled:      make(map[string]map[string]struct{}, len(in.Modules)),
		caps:          make(map[string]map[string][]CapitalizedUE),
		jury:          make(map[string]JuryDecision, len(in.JuryDecisions)),
		moduleRes:     make(map[string]map[string]ModuleResult, len(in.Students)),
		subjectRes:    make(map[string]map[string]Value, len(in.Students)),
		ueRes:         make(map[string]map[string]UEStatus, len(in.Students)),
		general:       make(map[string]GeneralResult, len(in.Students)),
	}

	for _, st := range in.Students {
		b.students[st.ID] = st
	}

	b.ues = append([]UE(nil), in.UEs...)
	sort.SliceStable(b.ues, func(i, j int) bool {
		if b.ues[i].Number != b.ues[j].Number {
			return b.ues[i].Number < b.ues[j].Number
		}
		return b.ues[i].Code < b.ues[j].Code
	})
	ueOrder := make(map[string]int, len(b.ues))
	for i, ue := range b.ues {
		ueOrder[ue.ID] = i
	}

	b.modules = append([]Module(nil), in.Modules...)
	sort.SliceStable(b.modules, func(i, j int) bool {
		mi, mj := b.modules[i], b.modules[j]
		if ueOrder[mi.UEID] != ueOrder[mj.UEID] {
			return ueOrder[mi.UEID] < ueOrder[mj.UEID]
		}
		if mi.Number != mj.Number {
			return mi.Number < mj.Number
		}
		return mi.Code < mj.Code
	})
	for _, m := range b.modules {
		b.modulesByUE[m.UEID] = append(b.modulesByUE[m.UEID], m)
		set := make(map[string]struct{}, len(m.Enrolled))
		for _, sid := range m.Enrolled {
			set[sid] = struct{}{}
		}
		b.enrolled[m.ID] = set
	}

	for _, ev := range in.Evaluations {
		b.evalsByModule[ev.ModuleID] = append(b.evalsByModule[ev.ModuleID], ev)
	}
	for id := range b.evalsByModule {
		evs := b.evalsByModule[id]
		sort.SliceStable(evs, func(i, j int) bool {
			if evs[i].Number != evs[j].Number {
				return evs[i].Number < evs[j].Number
			}
			return evs[i].ID < evs[j].ID
		})
	}

	for _, c := range in.Capitalizations {
		if b.caps[c.StudentID] == nil {
			b.caps[c.StudentID] = make(map[string][]CapitalizedUE)
		}
		b.caps[c.StudentID][c.UECode] = append(b.caps[c.StudentID][c.UECode], c)
	}

	for _, d := range in.JuryDecisions {
		b.jury[d.StudentID] = d
	}

	return b
}

// ══════════════════════════════════════════════════════════════════════════════
// BUILD
// ══════════════════════════════════════════════════════════════════════════════

// Build строит GradeBook за один проход:
// модули → UE → общие средние → рейтинги.
// Возвращает ошибку только для некорректных входных данных; ошибки конфигурации
// отдельных студентов собираются в GradeBook.Errors().
func Build(in *Input, opts ...Option) (*GradeBook, error) {
	if in == nil {
		return nil, shared.ErrNilInput
	}
	if in.SemesterID == "" {
		return nil, shared.ErrEmptySemesterID
	}
	if err := in.Settings.Validate(); err != nil {
		return nil, err
	}

	o := buildOptions{
		logger:    slog.Default(),
		evaluator: formula.NewEvaluator(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.bonus == nil {
		o.bonus, _ = LookupBonus(in.Settings.BonusFunction)
	}

	start := o.now()
	b := newBuilder(in, o)

	b.warnings = append(b.warnings, CheckConsistency(in)...)
	for _, w := range b.warnings {
		b.logger.Warn("data consistency",
			"semester_id", in.SemesterID,
			"kind", w.Kind,
			"entity_id", w.EntityID,
			"message", w.Message,
		)
	}

	// Модули
	valid := make(map[string][]Evaluation, len(b.modules))
	for _, m := range b.modules {
		valid[m.ID] = b.validEvaluations(m)
	}
	for _, st := range in.Students {
		res := make(map[string]ModuleResult, len(b.modules))
		for _, m := range b.modules {
			res[m.ID] = b.moduleAverage(st, m, valid[m.ID])
		}
		b.moduleRes[st.ID] = res
		b.subjectRes[st.ID] = b.subjectAverages(st)
	}

	// UE
	for _, st := range in.Students {
		res := make(map[string]UEStatus, len(b.ues))
		for _, ue := range b.ues {
			s := b.ueStatus(st, ue)
			if s.Err != nil {
				b.errors = append(b.errors, s.Err)
				b.logger.Error("ue coefficient unresolved",
					"semester_id", in.SemesterID,
					"student_id", st.ID,
					"ue", ue.Code,
					"fix", s.Err.FixLocation(),
				)
			}
			res[ue.ID] = s
		}
		b.ueRes[st.ID] = res
	}

	// Общие средние
	for _, st := range in.Students {
		b.general[st.ID] = b.generalAverage(st)
	}

	gb := &GradeBook{
		semesterID:  in.SemesterID,
		title:       in.Title,
		settings:    in.Settings,
		students:    append([]Student(nil), in.Students...),
		studentByID: b.students,
		ues:         b.ues,
		modules:     b.modules,
		subjects:    append([]Subject(nil), in.Subjects...),
		moduleRes:   b.moduleRes,
		subjectRes:  b.subjectRes,
		ueRes:       b.ueRes,
		general:     b.general,
		errors:      b.errors,
		warnings:    b.warnings,
		diagnostics: b.diagnostics,
		digest:      in.Digest(),
		computedAt:  start,
	}
	gb.buildRankings()
	gb.duration = o.now().Sub(start)

	b.logger.Debug("gradebook built",
		"semester_id", in.SemesterID,
		"students", len(in.Students),
		"modules", len(b.modules),
		"ues", len(b.ues),
		"config_errors", len(b.errors),
		"warnings", len(b.warnings),
		"duration", gb.duration,
	)

	return gb, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// GRADEBOOK
// ══════════════════════════════════════════════════════════════════════════════

// GradeBook - результаты семестра. Неизменяем после Build, безопасен для
// конкурентного чтения.
type GradeBook struct {
	semesterID string
	title      string
	settings   Settings

	students    []Student
	studentByID map[string]Student
	ues         []UE
	modules     []Module
	subjects    []Subject

	moduleRes  map[string]map[string]ModuleResult
	subjectRes map[string]map[string]Value
	ueRes      map[string]map[string]UEStatus
	general    map[string]GeneralResult

	global   *ranking.Ranking
	groups   map[string]*ranking.Ranking
	byUE     map[string]*ranking.Ranking
	byModule map[string]*ranking.Ranking

	errors      []*CoefficientError
	warnings    []Warning
	diagnostics []Diagnostic

	digest     string
	computedAt time.Time
	duration   time.Duration
}

// buildRankings строит все рейтинги. Заблокированные студенты не ранжируются.
func (g *GradeBook) buildRankings() {
	var globalRows []ranking.Row
	ueRows := make(map[string][]ranking.Row, len(g.ues))
	moduleRows := make(map[string][]ranking.Row, len(g.modules))
	members := make(map[string][]string)

	for _, st := range g.students {
		gen := g.general[st.ID]
		if gen.Blocked {
			continue
		}
		globalRows = append(globalRows, row(st, gen.Moy))
		for _, ue := range g.ues {
			ueRows[ue.ID] = append(ueRows[ue.ID], row(st, g.ueRes[st.ID][ue.ID].Moy))
		}
		for _, m := range g.modules {
			moduleRows[m.ID] = append(moduleRows[m.ID], row(st, g.moduleRes[st.ID][m.ID].Moy))
		}
		for _, grp := range st.Groups {
			members[grp] = append(members[grp], st.ID)
		}
	}

	g.global = ranking.Compute(globalRows)
	g.groups = make(map[string]*ranking.Ranking, len(members))
	for grp, ids := range members {
		g.groups[grp] = g.global.Subset(ids)
	}
	g.byUE = make(map[string]*ranking.Ranking, len(ueRows))
	for id, rows := range ueRows {
		g.byUE[id] = ranking.Compute(rows)
	}
	g.byModule = make(map[string]*ranking.Ranking, len(moduleRows))
	for id, rows := range moduleRows {
		g.byModule[id] = ranking.Compute(rows)
	}
}

func row(st Student, v Value) ranking.Row {
	f, ok := v.Float()
	return ranking.Row{StudentID: st.ID, SortName: st.SortName(), Value: f, Valid: ok}
}

// SemesterID возвращает ID семестра.
func (g *GradeBook) SemesterID() string { return g.semesterID }

// Title возвращает название семестра.
func (g *GradeBook) Title() string { return g.title }

// Settings возвращает настройки, с которыми выполнен расчёт.
func (g *GradeBook) Settings() Settings { return g.settings }

// Students возвращает студентов в порядке входных данных.
func (g *GradeBook) Students() []Student { return append([]Student(nil), g.students...) }

// Student возвращает студента по ID.
func (g *GradeBook) Student(id string) (Student, bool) {
	st, ok := g.studentByID[id]
	return st, ok
}

// UEs возвращает UE в порядке отображения.
func (g *GradeBook) UEs() []UE { return append([]UE(nil), g.ues...) }

// Modules возвращает модули в порядке отображения (по UE, затем по номеру).
func (g *GradeBook) Modules() []Module { return append([]Module(nil), g.modules...) }

// Subjects возвращает дисциплины.
func (g *GradeBook) Subjects() []Subject { return append([]Subject(nil), g.subjects...) }

// ModuleAverage возвращает среднюю студента по модулю.
// Для неизвестного студента или модуля - NI.
func (g *GradeBook) ModuleAverage(studentID, moduleID string) ModuleResult {
	r, ok := g.moduleRes[studentID][moduleID]
	if !ok {
		return ModuleResult{Moy: NI}
	}
	return r
}

// SubjectAverage возвращает среднюю по дисциплине (NI, если студент не записан
// ни на один её модуль).
func (g *GradeBook) SubjectAverage(studentID, subjectID string) Value {
	v, ok := g.subjectRes[studentID][subjectID]
	if !ok {
		return NI
	}
	return v
}

// UEStatus возвращает состояние UE студента.
func (g *GradeBook) UEStatus(studentID, ueID string) (UEStatus, bool) {
	s, ok := g.ueRes[studentID][ueID]
	return s, ok
}

// General возвращает общую среднюю студента.
func (g *GradeBook) General(studentID string) (GeneralResult, bool) {
	r, ok := g.general[studentID]
	return r, ok
}

// ECTS возвращает сводку кредитов студента.
func (g *GradeBook) ECTS(studentID string) ECTSSummary {
	return g.general[studentID].ECTS()
}

// Rank возвращает метку общего рейтинга ("3", "1 ex" или "").
func (g *GradeBook) Rank(studentID string) string { return g.global.Label(studentID) }

// RankDenominator - число студентов с числовой общей средней.
func (g *GradeBook) RankDenominator() int { return g.global.Denominator() }

// Groups возвращает имена групп, для которых построен рейтинг.
func (g *GradeBook) Groups() []string {
	names := make([]string, 0, len(g.groups))
	for name := range g.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GroupRank возвращает метку и знаменатель рейтинга внутри группы.
func (g *GradeBook) GroupRank(studentID, group string) (string, int) {
	r, ok := g.groups[group]
	if !ok {
		return "", 0
	}
	return r.Label(studentID), r.Denominator()
}

// UERank возвращает метку и знаменатель рейтинга по UE.
func (g *GradeBook) UERank(studentID, ueID string) (string, int) {
	r, ok := g.byUE[ueID]
	if !ok {
		return "", 0
	}
	return r.Label(studentID), r.Denominator()
}

// ModuleRank возвращает метку и знаменатель рейтинга по модулю.
func (g *GradeBook) ModuleRank(studentID, moduleID string) (string, int) {
	r, ok := g.byModule[moduleID]
	if !ok {
		return "", 0
	}
	return r.Label(studentID), r.Denominator()
}

// RankSubset ранжирует произвольное подмножество студентов по общей средней.
func (g *GradeBook) RankSubset(studentIDs []string) map[string]string {
	return g.global.Subset(studentIDs).Labels()
}

// Errors возвращает ошибки конфигурации (по одной на студента и UE).
func (g *GradeBook) Errors() []*CoefficientError {
	return append([]*CoefficientError(nil), g.errors...)
}

// Warnings возвращает нефатальные предупреждения.
func (g *GradeBook) Warnings() []Warning { return append([]Warning(nil), g.warnings...) }

// Diagnostics возвращает результаты всех вызовов формул.
func (g *GradeBook) Diagnostics() []Diagnostic {
	return append([]Diagnostic(nil), g.diagnostics...)
}

// Digest возвращает отпечаток входных данных.
func (g *GradeBook) Digest() string { return g.digest }

// ComputedAt возвращает время начала расчёта.
func (g *GradeBook) ComputedAt() time.Time { return g.computedAt }

// Duration возвращает длительность расчёта.
func (g *GradeBook) Duration() time.Duration { return g.duration }

// ══════════════════════════════════════════════════════════════════════════════
// TABLE
// ══════════════════════════════════════════════════════════════════════════════

// TableRow - строка сводной таблицы семестра.
type TableRow struct {
	StudentID string          `json:"student_id"`
	Name      string          `json:"name"`
	FirstName string          `json:"first_name"`
	State     EnrollmentState `json:"state"`

	General Value   `json:"general"`
	Rank    string  `json:"rank,omitempty"`
	UEs     []Value `json:"ues"`
	Modules []Value `json:"modules"`

	ECTS    ECTSSummary `json:"ects"`
	Blocked bool        `json:"blocked"`
}

// Table возвращает строки, отсортированные по рейтингу: сначала ранжированные,
// затем студенты без числовой средней, затем заблокированные (по алфавиту).
// Колонки UEs и Modules совпадают с порядком UEs() и Modules().
func (g *GradeBook) Table() []TableRow {
	rows := make([]TableRow, 0, len(g.students))
	seen := make(map[string]struct{}, len(g.students))

	for _, e := range g.global.All() {
		rows = append(rows, g.tableRow(g.studentByID[e.StudentID], e.Rank.String()))
		seen[e.StudentID] = struct{}{}
	}

	var blocked []Student
	for _, st := range g.students {
		if _, ok := seen[st.ID]; !ok {
			blocked = append(blocked, st)
		}
	}
	sort.SliceStable(blocked, func(i, j int) bool {
		if blocked[i].SortName() != blocked[j].SortName() {
			return blocked[i].SortName() < blocked[j].SortName()
		}
		return blocked[i].ID < blocked[j].ID
	})
	for _, st := range blocked {
		rows = append(rows, g.tableRow(st, ""))
	}
	return rows
}

func (g *GradeBook) tableRow(st Student, rank string) TableRow {
	gen := g.general[st.ID]
	r := TableRow{
		StudentID: st.ID,
		Name:      st.Name,
		FirstName: st.FirstName,
		State:     st.State,
		General:   gen.Moy,
		Rank:      rank,
		UEs:       make([]Value, len(g.ues)),
		Modules:   make([]Value, len(g.modules)),
		ECTS:      gen.ECTS(),
		Blocked:   gen.Blocked,
	}
	for i, ue := range g.ues {
		r.UEs[i] = g.ueRes[st.ID][ue.ID].Moy
	}
	for i, m := range g.modules {
		r.Modules[i] = g.ModuleAverage(st.ID, m.ID).Moy
	}
	return r
}
