package query

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/gradebook/internal/domain/gradebook"
	"github.com/alem-hub/gradebook/internal/domain/shared"
)

// cohortInput - четыре студента, одна UE с двумя модулями.
// Adams и Clark делят первое место, Dent отчислен.
func cohortInput() *gradebook.Input {
	enrolled := []string{"a", "b", "c", "d"}
	return &gradebook.Input{
		SemesterID:  "S1",
		FormationID: "F",
		Title:       "Semestre 1",
		Students: []gradebook.Student{
			{ID: "a", Name: "Adams", State: gradebook.StateEnrolled, Groups: []string{"G1"}},
			{ID: "b", Name: "Brown", State: gradebook.StateEnrolled, Groups: []string{"G1"}},
			{ID: "c", Name: "Clark", State: gradebook.StateEnrolled, Groups: []string{"G2"}},
			{ID: "d", Name: "Dent", State: gradebook.StateWithdrawn, Groups: []string{"G1"}},
		},
		UEs:      []gradebook.UE{{ID: "u", Code: "U", Title: "Informatique", Type: gradebook.UETypeStandard, ECTS: 6, FormationID: "F"}},
		Subjects: []gradebook.Subject{{ID: "sub", UEID: "u", Title: "Programmation"}},
		Modules: []gradebook.Module{
			{ID: "m1", Code: "M1", UEID: "u", SubjectID: "sub", FormationID: "F", Coefficient: 1, Type: gradebook.ModuleStandard, Enrolled: enrolled},
			{ID: "m2", Code: "M2", UEID: "u", SubjectID: "sub", FormationID: "F", Coefficient: 1, Type: gradebook.ModuleStandard, Enrolled: []string{"a", "b", "d"}},
		},
		Evaluations: []gradebook.Evaluation{
			{ID: "e1", ModuleID: "m1", Coefficient: 1, MaxScore: 20, Grades: map[string]gradebook.Grade{
				"a": gradebook.Score(15), "b": gradebook.Score(12), "c": gradebook.Score(15), "d": gradebook.Score(18),
			}},
			{ID: "e2", ModuleID: "m2", Coefficient: 1, MaxScore: 20, Grades: map[string]gradebook.Grade{
				"a": gradebook.Score(15), "b": gradebook.Score(12), "d": gradebook.Score(18),
			}},
		},
		Settings: gradebook.DefaultSettings(),
	}
}

type stubProvider struct {
	gb  *gradebook.GradeBook
	err error
}

func (p stubProvider) Get(context.Context, string) (*gradebook.GradeBook, error) {
	return p.gb, p.err
}

func buildProvider(t *testing.T) stubProvider {
	t.Helper()
	gb, err := gradebook.Build(cohortInput())
	require.NoError(t, err)
	return stubProvider{gb: gb}
}

// ══════════════════════════════════════════════════════════════════════════════
// SEMESTER TABLE
// ══════════════════════════════════════════════════════════════════════════════

func TestGetSemesterTable_RankOrder(t *testing.T) {
	h := NewGetSemesterTableHandler(buildProvider(t), nil)

	dto, err := h.Handle(context.Background(), GetSemesterTableQuery{SemesterID: "S1"})
	require.NoError(t, err)

	require.Len(t, dto.Rows, 4)
	assert.Equal(t, "a", dto.Rows[0].StudentID)
	assert.Equal(t, "1 ex", dto.Rows[0].Rank)
	assert.Equal(t, "c", dto.Rows[1].StudentID)
	assert.Equal(t, "1 ex", dto.Rows[1].Rank)
	assert.Equal(t, "b", dto.Rows[2].StudentID)
	assert.Equal(t, "3", dto.Rows[2].Rank)
	assert.Equal(t, 3, dto.RankedOf)

	// Заблокированный студент остаётся в таблице, но без ранга.
	last := dto.Rows[3]
	assert.Equal(t, "d", last.StudentID)
	assert.True(t, last.Blocked)
	assert.Empty(t, last.Rank)

	require.Len(t, dto.UEs, 1)
	require.Len(t, dto.Modules, 2)
	assert.Len(t, dto.Rows[0].Modules, 2)
	assert.Equal(t, "Semestre 1", dto.Title)
	assert.NotEmpty(t, dto.Digest)
}

func TestGetSemesterTable_HideBlocked(t *testing.T) {
	h := NewGetSemesterTableHandler(buildProvider(t), nil)

	dto, err := h.Handle(context.Background(), GetSemesterTableQuery{SemesterID: "S1", HideBlocked: true})
	require.NoError(t, err)

	require.Len(t, dto.Rows, 3)
	for _, row := range dto.Rows {
		assert.False(t, row.Blocked)
	}
	assert.Equal(t, 3, dto.RankedOf)
}

func TestGetSemesterTable_Group(t *testing.T) {
	h := NewGetSemesterTableHandler(buildProvider(t), nil)

	dto, err := h.Handle(context.Background(), GetSemesterTableQuery{SemesterID: "S1", Group: "G1"})
	require.NoError(t, err)

	require.Len(t, dto.Rows, 3)
	assert.Equal(t, "a", dto.Rows[0].StudentID)
	assert.Equal(t, "1", dto.Rows[0].Rank)
	assert.Equal(t, "b", dto.Rows[1].StudentID)
	assert.Equal(t, "2", dto.Rows[1].Rank)
	assert.Equal(t, "d", dto.Rows[2].StudentID)
	assert.Empty(t, dto.Rows[2].Rank)
	assert.Equal(t, 2, dto.RankedOf)
}

func TestGetSemesterTable_Errors(t *testing.T) {
	h := NewGetSemesterTableHandler(stubProvider{err: shared.ErrSemesterNotFound}, nil)

	_, err := h.Handle(context.Background(), GetSemesterTableQuery{})
	assert.ErrorIs(t, err, shared.ErrEmptySemesterID)

	_, err = h.Handle(context.Background(), GetSemesterTableQuery{SemesterID: "S9"})
	assert.ErrorIs(t, err, shared.ErrSemesterNotFound)
	assert.True(t, shared.IsNotFound(err))
}

// ══════════════════════════════════════════════════════════════════════════════
// STUDENT RESULTS
// ══════════════════════════════════════════════════════════════════════════════

func TestGetStudentResults(t *testing.T) {
	h := NewGetStudentResultsHandler(buildProvider(t), nil)

	dto, err := h.Handle(context.Background(), GetStudentResultsQuery{SemesterID: "S1", StudentID: "b"})
	require.NoError(t, err)

	assert.Equal(t, "Brown", dto.Name)
	assert.Equal(t, RankDTO{Label: "3", Of: 3}, dto.Rank)
	assert.Equal(t, RankDTO{Label: "2", Of: 2}, dto.GroupRanks["G1"])
	assert.False(t, dto.Blocked)

	require.Len(t, dto.UEs, 1)
	assert.Equal(t, "U", dto.UEs[0].Code)
	assert.Equal(t, RankDTO{Label: "3", Of: 3}, dto.UEs[0].Rank)

	require.Len(t, dto.Modules, 2)
	assert.Equal(t, "M1", dto.Modules[0].Code)
	assert.Equal(t, 1, dto.Modules[0].NbNotes)

	require.Len(t, dto.Subjects, 1)
	assert.Equal(t, "Programmation", dto.Subjects[0].Title)
}

func TestGetStudentResults_OnlyEnrolledModules(t *testing.T) {
	h := NewGetStudentResultsHandler(buildProvider(t), nil)

	dto, err := h.Handle(context.Background(), GetStudentResultsQuery{SemesterID: "S1", StudentID: "c"})
	require.NoError(t, err)
	require.Len(t, dto.Modules, 1)
	assert.Equal(t, "m1", dto.Modules[0].ModuleID)
	assert.Equal(t, "1 ex", dto.Rank.Label)
}

func TestGetStudentResults_Blocked(t *testing.T) {
	h := NewGetStudentResultsHandler(buildProvider(t), nil)

	dto, err := h.Handle(context.Background(), GetStudentResultsQuery{SemesterID: "S1", StudentID: "d"})
	require.NoError(t, err)
	assert.True(t, dto.Blocked)
	assert.NotEmpty(t, dto.BlockReason)
	assert.Empty(t, dto.Rank.Label)
}

func TestGetStudentResults_Errors(t *testing.T) {
	h := NewGetStudentResultsHandler(buildProvider(t), nil)

	_, err := h.Handle(context.Background(), GetStudentResultsQuery{SemesterID: "S1"})
	assert.ErrorIs(t, err, shared.ErrEmptyStudentID)

	_, err = h.Handle(context.Background(), GetStudentResultsQuery{SemesterID: "S1", StudentID: "zz"})
	assert.ErrorIs(t, err, shared.ErrStudentNotFound)

	errDB := errors.New("db down")
	h = NewGetStudentResultsHandler(stubProvider{err: errDB}, nil)
	_, err = h.Handle(context.Background(), GetStudentResultsQuery{SemesterID: "S1", StudentID: "a"})
	assert.ErrorIs(t, err, errDB)
}
