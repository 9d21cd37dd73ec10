package gradebook

import (
	"context"
	"strings"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// STUDENT
// ══════════════════════════════════════════════════════════════════════════════

// EnrollmentState - состояние записи студента в семестре.
type EnrollmentState string

const (
	// StateEnrolled - студент учится.
	StateEnrolled EnrollmentState = "I"
	// StateWithdrawn - студент отчислился (démission).
	StateWithdrawn EnrollmentState = "D"
	// StateFailed - студент не завершил семестр (défaillant).
	StateFailed EnrollmentState = "DEF"
)

// IsActive возвращает true, если студент реально учится в семестре.
func (s EnrollmentState) IsActive() bool {
	return s == StateEnrolled
}

// Student - студент семестра. Создаётся модулем записи, для движка - только чтение.
type Student struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	FirstName string          `json:"first_name"`
	State     EnrollmentState `json:"state"`

	// Groups - группы студента ("TD1", "TP-A", ...), для рейтингов по группам.
	Groups []string `json:"groups,omitempty"`
}

// DisplayName - "Имя Фамилия" без лишних пробелов, если имя не задано.
func (s Student) DisplayName() string {
	return strings.TrimSpace(s.FirstName + " " + s.Name)
}

// SortName - вторичный ключ сортировки рейтинга (алфавитный порядок).
func (s Student) SortName() string {
	return strings.ToUpper(s.Name) + "\x00" + strings.ToUpper(s.FirstName)
}

// ══════════════════════════════════════════════════════════════════════════════
// UE, SUBJECT, MODULE
// ══════════════════════════════════════════════════════════════════════════════

// UEType - тип UE.
type UEType string

const (
	UETypeStandard     UEType = "standard"
	UETypeSport        UEType = "sport" // бонусная UE (спорт, культура)
	UETypeProfessional UEType = "professional"
	UETypeInternship   UEType = "internship"
	UETypeElective     UEType = "elective"
)

// IsBonus возвращает true для UE, чья оценка добавляется к общей средней как бонус.
func (t UEType) IsBonus() bool {
	return t == UETypeSport
}

// IsProfessional возвращает true для UE, кредиты которых считаются «профессиональными».
func (t UEType) IsProfessional() bool {
	return t == UETypeProfessional || t == UETypeInternship
}

// UE - учебная единица (Teaching Unit).
type UE struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	Acronym     string `json:"acronym"`
	Title       string `json:"title"`
	Number      int    `json:"number"`
	Type        UEType `json:"type"`
	FormationID string `json:"formation_id"`

	// Coefficient - явный коэффициент UE; используется только в режиме WeightUEs.
	Coefficient *float64 `json:"coefficient,omitempty"`

	// ECTS - кредиты, которые даёт UE при валидации.
	ECTS float64 `json:"ects"`

	// Formula - формула департамента, заменяющая среднюю UE (пусто - нет).
	Formula string `json:"formula,omitempty"`
}

// Subject - дисциплина (matière), группирует модули внутри UE.
type Subject struct {
	ID     string `json:"id"`
	UEID   string `json:"ue_id"`
	Title  string `json:"title"`
	Number int    `json:"number"`
}

// ModuleType - тип модуля.
type ModuleType string

const (
	ModuleStandard ModuleType = "standard"
	// ModuleMalus - оценка модуля вычитается из средней UE как штраф.
	ModuleMalus ModuleType = "malus"
)

// Module - модуль в том виде, как он преподаётся в этом семестре (ModuleImplementation).
// Модули других типов считаются как обычные.
type Module struct {
	ID          string     `json:"id"`
	Code        string     `json:"code"`
	Title       string     `json:"title"`
	UEID        string     `json:"ue_id"`
	SubjectID   string     `json:"subject_id"`
	FormationID string     `json:"formation_id"`
	Number      int        `json:"number"`
	Coefficient float64    `json:"coefficient"`
	Type        ModuleType `json:"type"`

	// Formula - формула департамента, заменяющая среднюю модуля.
	Formula string `json:"formula,omitempty"`

	// Enrolled - студенты, записанные на модуль.
	Enrolled []string `json:"enrolled"`
}

// IsMalus возвращает true для штрафных модулей.
func (m Module) IsMalus() bool {
	return m.Type == ModuleMalus
}

// ══════════════════════════════════════════════════════════════════════════════
// EVALUATION & GRADES
// ══════════════════════════════════════════════════════════════════════════════

// GradeKind - тип введённой оценки.
type GradeKind uint8

const (
	// GradeScore - числовая оценка.
	GradeScore GradeKind = iota
	// GradeAbsent - неявка (ABS): считается как 0 с полным весом.
	GradeAbsent
	// GradeExcused - освобождён / не оценивается (EXC): нейтрализуется.
	GradeExcused
	// GradePending - оценка ожидается (ATT): не учитывается.
	GradePending
)

// Grade - оценка студента за контрольное мероприятие.
type Grade struct {
	Kind  GradeKind `json:"kind"`
	Score float64   `json:"score,omitempty"`
}

// Score создаёт числовую оценку.
func Score(f float64) Grade { return Grade{Kind: GradeScore, Score: f} }

// Absent создаёт оценку ABS.
func Absent() Grade { return Grade{Kind: GradeAbsent} }

// Excused создаёт оценку EXC.
func Excused() Grade { return Grade{Kind: GradeExcused} }

// Pending создаёт оценку ATT.
func Pending() Grade { return Grade{Kind: GradePending} }

// Evaluation - контрольное мероприятие модуля.
type Evaluation struct {
	ID          string  `json:"id"`
	ModuleID    string  `json:"module_id"`
	Number      int     `json:"number"`
	Coefficient float64 `json:"coefficient"`

	// MaxScore - шкала оценок ("на 40"); приводится к шкале семестра.
	MaxScore float64 `json:"max_score"`

	// PublishIncomplete - учитывать оценку, даже если не все оценки введены.
	PublishIncomplete bool `json:"publish_incomplete"`

	// Grades - оценки по ID студента.
	Grades map[string]Grade `json:"grades"`
}

// ══════════════════════════════════════════════════════════════════════════════
// CAPITALIZATION, JURY
// ══════════════════════════════════════════════════════════════════════════════

// CapitalizedUE - UE, средняя которой заработана ранее и может быть перенесена.
type CapitalizedUE struct {
	StudentID string  `json:"student_id"`
	UECode    string  `json:"ue_code"`
	Average   float64 `json:"average"`

	// OriginSemesterID - семестр, где UE была получена (пусто для внешних).
	OriginSemesterID string    `json:"origin_semester_id,omitempty"`
	EventDate        time.Time `json:"event_date"`

	// External - UE получена вне системы (antérieure).
	External bool `json:"external"`

	// OriginModuleCoefficients - коэффициенты модулей исходного семестра,
	// на которые был записан студент.
	OriginModuleCoefficients []float64 `json:"origin_module_coefficients,omitempty"`
}

// Jury decision codes that suppress computation.
const (
	JuryDemission = "DEM"
	JuryFailed    = "DEF"
)

// JuryDecision - решение жюри по студенту (семестр и UE).
type JuryDecision struct {
	StudentID string            `json:"student_id"`
	Code      string            `json:"code"`
	UECodes   map[string]string `json:"ue_codes,omitempty"`
}

// Blocks возвращает true, если решение запрещает расчёт средней.
func (d JuryDecision) Blocks() bool {
	return d.Code == JuryDemission || d.Code == JuryFailed
}

// ══════════════════════════════════════════════════════════════════════════════
// INPUT & SOURCE
// ══════════════════════════════════════════════════════════════════════════════

// Input - всё, что нужно для расчёта семестра. Загружается один раз.
type Input struct {
	SemesterID  string `json:"semester_id"`
	FormationID string `json:"formation_id"`
	Title       string `json:"title"`

	Students    []Student    `json:"students"`
	UEs         []UE         `json:"ues"`
	Subjects    []Subject    `json:"subjects"`
	Modules     []Module     `json:"modules"`
	Evaluations []Evaluation `json:"evaluations"`

	Capitalizations []CapitalizedUE `json:"capitalizations"`

	// ForcedCoefficients - коэффициенты UE, заданные вручную (по ID UE).
	ForcedCoefficients map[string]float64 `json:"forced_coefficients,omitempty"`

	JuryDecisions []JuryDecision `json:"jury_decisions"`

	Settings Settings `json:"settings"`
}

// Source - коллаборатор хранения: отдаёт данные семестра.
type Source interface {
	// LoadSemester загружает всё необходимое для расчёта семестра.
	// Возвращает shared.ErrSemesterNotFound, если семестра нет.
	LoadSemester(ctx context.Context, semesterID string) (*Input, error)
}
