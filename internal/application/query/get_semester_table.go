// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alem-hub/gradebook/internal/domain/gradebook"
	"github.com/alem-hub/gradebook/internal/domain/shared"
)

// GradeBookProvider отдаёт вычисленную (или закешированную) ведомость семестра.
type GradeBookProvider interface {
	Get(ctx context.Context, semesterID string) (*gradebook.GradeBook, error)
}

// ══════════════════════════════════════════════════════════════════════════════
// GET SEMESTER TABLE QUERY
// Сводная таблица семестра: строки студентов в порядке рейтинга,
// колонки UE и модулей. Основной запрос для экспорта и экрана жюри.
// ══════════════════════════════════════════════════════════════════════════════

// GetSemesterTableQuery содержит параметры запроса таблицы.
type GetSemesterTableQuery struct {
	SemesterID string

	// Group - если задана, в таблице только студенты группы,
	// а ранг считается внутри группы.
	Group string

	// HideBlocked - убрать строки заблокированных студентов (отчисленные, DEF,
	// решение жюри). По умолчанию они остаются в таблице без ранга.
	HideBlocked bool
}

// Validate проверяет корректность параметров запроса.
func (q GetSemesterTableQuery) Validate() error {
	if _, err := shared.NewSemesterID(q.SemesterID); err != nil {
		return err
	}
	_, err := shared.NewGroupName(q.Group)
	return err
}

// ColumnDTO - описание колонки (UE или модуль).
type ColumnDTO struct {
	ID      string  `json:"id"`
	Code    string  `json:"code"`
	Title   string  `json:"title"`
	UEID    string  `json:"ue_id,omitempty"`
	Coef    float64 `json:"coef,omitempty"`
	ECTS    float64 `json:"ects,omitempty"`
	IsBonus bool    `json:"is_bonus,omitempty"`
}

// TableRowDTO - строка таблицы.
type TableRowDTO struct {
	StudentID string `json:"student_id"`
	Name      string `json:"name"`
	FirstName string `json:"first_name"`
	State     string `json:"state"`

	// Rank - метка ранга ("3", "1 ex") или пусто для нератингуемых.
	Rank    string `json:"rank"`
	General string `json:"general"`

	// UEs и Modules выровнены по колонкам SemesterTableDTO.
	UEs     []string `json:"ues"`
	Modules []string `json:"modules"`

	ECTS    gradebook.ECTSSummary `json:"ects"`
	Blocked bool                  `json:"blocked"`
}

// SemesterTableDTO - DTO таблицы семестра.
type SemesterTableDTO struct {
	SemesterID string `json:"semester_id"`
	Title      string `json:"title"`
	Group      string `json:"group,omitempty"`

	UEs     []ColumnDTO   `json:"ues"`
	Modules []ColumnDTO   `json:"modules"`
	Rows    []TableRowDTO `json:"rows"`

	// RankedOf - знаменатель рейтинга ("3 / RankedOf").
	RankedOf int `json:"ranked_of"`

	// ConfigErrors - ошибки настройки коэффициентов с указанием, где их исправить.
	ConfigErrors []string `json:"config_errors,omitempty"`
	Warnings     int      `json:"warnings"`

	Digest     string    `json:"digest"`
	ComputedAt time.Time `json:"computed_at"`
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// GetSemesterTableHandler обрабатывает запрос таблицы семестра.
type GetSemesterTableHandler struct {
	provider GradeBookProvider
	logger   *slog.Logger
}

// NewGetSemesterTableHandler создаёт новый обработчик.
func NewGetSemesterTableHandler(provider GradeBookProvider, logger *slog.Logger) *GetSemesterTableHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GetSemesterTableHandler{
		provider: provider,
		logger:   logger.With("query", "get_semester_table"),
	}
}

// Handle выполняет запрос.
func (h *GetSemesterTableHandler) Handle(ctx context.Context, q GetSemesterTableQuery) (*SemesterTableDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	gb, err := h.provider.Get(ctx, q.SemesterID)
	if err != nil {
		return nil, fmt.Errorf("get grade book %s: %w", q.SemesterID, err)
	}

	dto := &SemesterTableDTO{
		SemesterID: gb.SemesterID(),
		Title:      gb.Title(),
		Group:      q.Group,
		UEs:        ueColumns(gb.UEs()),
		Modules:    moduleColumns(gb.Modules()),
		RankedOf:   gb.RankDenominator(),
		Warnings:   len(gb.Warnings()),
		Digest:     gb.Digest(),
		ComputedAt: gb.ComputedAt(),
	}
	for _, ce := range gb.Errors() {
		dto.ConfigErrors = append(dto.ConfigErrors, ce.Error())
	}

	// Строки Table() идут в порядке общего рейтинга; рейтинг группы
	// сохраняет этот порядок.
	var members map[string]struct{}
	if q.Group != "" {
		members = groupMembers(gb, q.Group)
		_, dto.RankedOf = gb.GroupRank("", q.Group)
	}

	for _, row := range gb.Table() {
		if row.Blocked && q.HideBlocked {
			continue
		}
		rank := row.Rank
		if members != nil {
			if _, ok := members[row.StudentID]; !ok {
				continue
			}
			rank, _ = gb.GroupRank(row.StudentID, q.Group)
		}
		dto.Rows = append(dto.Rows, tableRowDTO(row, rank))
	}

	h.logger.Debug("semester table built",
		"semester_id", q.SemesterID,
		"group", q.Group,
		"rows", len(dto.Rows),
	)
	return dto, nil
}

func groupMembers(gb *gradebook.GradeBook, group string) map[string]struct{} {
	members := make(map[string]struct{})
	for _, st := range gb.Students() {
		for _, g := range st.Groups {
			if g == group {
				members[st.ID] = struct{}{}
				break
			}
		}
	}
	return members
}

func tableRowDTO(row gradebook.TableRow, rank string) TableRowDTO {
	dto := TableRowDTO{
		StudentID: row.StudentID,
		Name:      row.Name,
		FirstName: row.FirstName,
		State:     string(row.State),
		Rank:      rank,
		General:   row.General.String(),
		UEs:       make([]string, len(row.UEs)),
		Modules:   make([]string, len(row.Modules)),
		ECTS:      row.ECTS,
		Blocked:   row.Blocked,
	}
	for i, v := range row.UEs {
		dto.UEs[i] = v.String()
	}
	for i, v := range row.Modules {
		dto.Modules[i] = v.String()
	}
	return dto
}

func ueColumns(ues []gradebook.UE) []ColumnDTO {
	cols := make([]ColumnDTO, len(ues))
	for i, ue := range ues {
		cols[i] = ColumnDTO{
			ID:      ue.ID,
			Code:    ue.Code,
			Title:   ue.Title,
			ECTS:    ue.ECTS,
			IsBonus: ue.Type.IsBonus(),
		}
		if ue.Coefficient != nil {
			cols[i].Coef = *ue.Coefficient
		}
	}
	return cols
}

func moduleColumns(modules []gradebook.Module) []ColumnDTO {
	cols := make([]ColumnDTO, len(modules))
	for i, m := range modules {
		cols[i] = ColumnDTO{
			ID:    m.ID,
			Code:  m.Code,
			Title: m.Title,
			UEID:  m.UEID,
			Coef:  m.Coefficient,
		}
	}
	return cols
}
