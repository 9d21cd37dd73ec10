package query

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alem-hub/gradebook/internal/domain/gradebook"
	"github.com/alem-hub/gradebook/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET STUDENT RESULTS QUERY
// Полный бюллетень одного студента: общая средняя и ранг, UE с капитализацией,
// модули и дисциплины с рангами, ECTS, ошибки настройки.
// ══════════════════════════════════════════════════════════════════════════════

// GetStudentResultsQuery содержит параметры запроса бюллетеня.
type GetStudentResultsQuery struct {
	SemesterID string
	StudentID  string

	// IncludeDiagnostics - добавить результаты формул (для преподавателей).
	IncludeDiagnostics bool
}

// Validate проверяет корректность параметров запроса.
func (q GetStudentResultsQuery) Validate() error {
	if _, err := shared.NewSemesterID(q.SemesterID); err != nil {
		return err
	}
	_, err := shared.NewStudentID(q.StudentID)
	return err
}

// RankDTO - ранг и знаменатель ("1 ex / 42").
type RankDTO struct {
	Label string `json:"label"`
	Of    int    `json:"of"`
}

// UEResultDTO - результат по UE.
type UEResultDTO struct {
	UEID  string `json:"ue_id"`
	Code  string `json:"code"`
	Title string `json:"title"`

	// Moy - значение после капитализации, CurMoy - средняя текущего семестра.
	Moy    string  `json:"moy"`
	CurMoy string  `json:"cur_moy"`
	Coef   float64 `json:"coef"`
	ECTS   float64 `json:"ects"`
	Rank   RankDTO `json:"rank"`

	IsEnrolled        bool   `json:"is_enrolled"`
	IsCapitalized     bool   `json:"is_capitalized"`
	CapOriginSemester string `json:"cap_origin_semester,omitempty"`
	CapExternal       bool   `json:"cap_external,omitempty"`
}

// ModuleResultDTO - результат по модулю.
type ModuleResultDTO struct {
	ModuleID  string  `json:"module_id"`
	Code      string  `json:"code"`
	Title     string  `json:"title"`
	UEID      string  `json:"ue_id"`
	Moy       string  `json:"moy"`
	Coef      float64 `json:"coef"`
	NbNotes   int     `json:"nb_notes"`
	NbMissing int     `json:"nb_missing"`
	NbAbs     int     `json:"nb_abs"`
	Rank      RankDTO `json:"rank"`
	Malus     bool    `json:"malus,omitempty"`
}

// SubjectResultDTO - средняя по дисциплине.
type SubjectResultDTO struct {
	SubjectID string `json:"subject_id"`
	UEID      string `json:"ue_id"`
	Title     string `json:"title"`
	Moy       string `json:"moy"`
}

// StudentResultsDTO - DTO бюллетеня студента.
type StudentResultsDTO struct {
	SemesterID string `json:"semester_id"`
	StudentID  string `json:"student_id"`
	Name       string `json:"name"`
	FirstName  string `json:"first_name"`
	State      string `json:"state"`

	General     string             `json:"general"`
	Rank        RankDTO            `json:"rank"`
	GroupRanks  map[string]RankDTO `json:"group_ranks,omitempty"`
	Bonus       float64            `json:"bonus,omitempty"`
	Blocked     bool               `json:"blocked"`
	BlockReason string             `json:"block_reason,omitempty"`

	ECTS gradebook.ECTSSummary `json:"ects"`

	UEs      []UEResultDTO      `json:"ues"`
	Modules  []ModuleResultDTO  `json:"modules"`
	Subjects []SubjectResultDTO `json:"subjects"`

	ConfigErrors []string               `json:"config_errors,omitempty"`
	Diagnostics  []gradebook.Diagnostic `json:"diagnostics,omitempty"`

	ComputedAt time.Time `json:"computed_at"`
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// GetStudentResultsHandler обрабатывает запрос бюллетеня.
type GetStudentResultsHandler struct {
	provider GradeBookProvider
	logger   *slog.Logger
}

// NewGetStudentResultsHandler создаёт новый обработчик.
func NewGetStudentResultsHandler(provider GradeBookProvider, logger *slog.Logger) *GetStudentResultsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GetStudentResultsHandler{
		provider: provider,
		logger:   logger.With("query", "get_student_results"),
	}
}

// Handle выполняет запрос.
func (h *GetStudentResultsHandler) Handle(ctx context.Context, q GetStudentResultsQuery) (*StudentResultsDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	gb, err := h.provider.Get(ctx, q.SemesterID)
	if err != nil {
		return nil, fmt.Errorf("get grade book %s: %w", q.SemesterID, err)
	}

	st, ok := gb.Student(q.StudentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", shared.ErrStudentNotFound, q.StudentID)
	}

	gen, _ := gb.General(st.ID)
	dto := &StudentResultsDTO{
		SemesterID:  gb.SemesterID(),
		StudentID:   st.ID,
		Name:        st.Name,
		FirstName:   st.FirstName,
		State:       string(st.State),
		General:     gen.Moy.String(),
		Rank:        RankDTO{Label: gb.Rank(st.ID), Of: gb.RankDenominator()},
		Bonus:       gen.Bonus,
		Blocked:     gen.Blocked,
		BlockReason: gen.BlockReason,
		ECTS:        gb.ECTS(st.ID),
		ComputedAt:  gb.ComputedAt(),
	}

	for _, g := range st.Groups {
		label, of := gb.GroupRank(st.ID, g)
		if of == 0 {
			continue
		}
		if dto.GroupRanks == nil {
			dto.GroupRanks = make(map[string]RankDTO)
		}
		dto.GroupRanks[g] = RankDTO{Label: label, Of: of}
	}

	dto.UEs = ueResults(gb, st.ID)
	dto.Modules = moduleResults(gb, st.ID)
	for _, sub := range gb.Subjects() {
		dto.Subjects = append(dto.Subjects, SubjectResultDTO{
			SubjectID: sub.ID,
			UEID:      sub.UEID,
			Title:     sub.Title,
			Moy:       gb.SubjectAverage(st.ID, sub.ID).String(),
		})
	}

	for _, ce := range gb.Errors() {
		if ce.StudentID == st.ID {
			dto.ConfigErrors = append(dto.ConfigErrors, ce.Error())
		}
	}
	if q.IncludeDiagnostics {
		for _, d := range gb.Diagnostics() {
			if d.StudentID == st.ID {
				dto.Diagnostics = append(dto.Diagnostics, d)
			}
		}
	}

	h.logger.Debug("student results built",
		"semester_id", q.SemesterID,
		"student_id", st.ID,
		"general", dto.General,
	)
	return dto, nil
}

func ueResults(gb *gradebook.GradeBook, studentID string) []UEResultDTO {
	ues := gb.UEs()
	out := make([]UEResultDTO, 0, len(ues))
	for _, ue := range ues {
		status, ok := gb.UEStatus(studentID, ue.ID)
		if !ok {
			continue
		}
		label, of := gb.UERank(studentID, ue.ID)
		out = append(out, UEResultDTO{
			UEID:              ue.ID,
			Code:              ue.Code,
			Title:             ue.Title,
			Moy:               status.Moy.String(),
			CurMoy:            status.CurMoy.String(),
			Coef:              status.SumCoefs,
			ECTS:              ue.ECTS,
			Rank:              RankDTO{Label: label, Of: of},
			IsEnrolled:        status.IsEnrolled,
			IsCapitalized:     status.IsCapitalized,
			CapOriginSemester: status.CapOriginSemester,
			CapExternal:       status.CapExternal,
		})
	}
	return out
}

func moduleResults(gb *gradebook.GradeBook, studentID string) []ModuleResultDTO {
	modules := gb.Modules()
	out := make([]ModuleResultDTO, 0, len(modules))
	for _, m := range modules {
		if !isEnrolled(m, studentID) {
			continue
		}
		res := gb.ModuleAverage(studentID, m.ID)
		label, of := gb.ModuleRank(studentID, m.ID)
		out = append(out, ModuleResultDTO{
			ModuleID:  m.ID,
			Code:      m.Code,
			Title:     m.Title,
			UEID:      m.UEID,
			Moy:       res.Moy.String(),
			Coef:      m.Coefficient,
			NbNotes:   res.NbNotes,
			NbMissing: res.NbMissing,
			NbAbs:     res.NbAbs,
			Rank:      RankDTO{Label: label, Of: of},
			Malus:     m.IsMalus(),
		})
	}
	return out
}

func isEnrolled(m gradebook.Module, studentID string) bool {
	for _, id := range m.Enrolled {
		if id == studentID {
			return true
		}
	}
	return false
}
