package command

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/gradebook/internal/domain/gradebook"
	"github.com/alem-hub/gradebook/internal/domain/shared"
)

// memoryStore keeps one semester and applies repairs to it, like the
// database would.
type memoryStore struct {
	in      *gradebook.Input
	applies int
	err     error
}

func (s *memoryStore) LoadSemester(_ context.Context, id string) (*gradebook.Input, error) {
	if s.in == nil || s.in.SemesterID != id {
		return nil, shared.ErrSemesterNotFound
	}
	return s.in, nil
}

func (s *memoryStore) ApplyRepairs(_ context.Context, plan []gradebook.Repair) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.applies++
	s.in = gradebook.ApplyRepairs(s.in, plan)
	return len(plan), nil
}

type recordingInvalidator struct {
	calls []shared.EventType
	err   error
}

func (r *recordingInvalidator) Invalidate(_ context.Context, _ string, cause shared.EventType) error {
	r.calls = append(r.calls, cause)
	return r.err
}

// misplaced - модуль m лежит в UE u1, а его дисциплина - в u2;
// формация UE u3 не совпадает с формацией семестра.
func misplaced() *gradebook.Input {
	return &gradebook.Input{
		SemesterID:  "S1",
		FormationID: "F",
		UEs: []gradebook.UE{
			{ID: "u1", Code: "U1", FormationID: "F"},
			{ID: "u2", Code: "U2", FormationID: "F"},
			{ID: "u3", Code: "U3", FormationID: "OTHER"},
		},
		Subjects: []gradebook.Subject{{ID: "sub", UEID: "u2"}},
		Modules:  []gradebook.Module{{ID: "m", Code: "M", UEID: "u1", SubjectID: "sub", FormationID: "F", Coefficient: 1}},
		Settings: gradebook.DefaultSettings(),
	}
}

func TestRepairConsistency_Idempotent(t *testing.T) {
	store := &memoryStore{in: misplaced()}
	inv := &recordingInvalidator{}
	h := NewRepairConsistencyHandler(store, store, inv, nil)

	res, err := h.Handle(context.Background(), RepairConsistencyCommand{SemesterID: "S1"})
	require.NoError(t, err)
	assert.False(t, res.NothingToFix)
	assert.Equal(t, []gradebook.Repair{{ModuleID: "m", FromUEID: "u1", ToUEID: "u2"}}, res.Planned)
	assert.Equal(t, 1, res.Applied)
	assert.True(t, res.Invalidated)
	assert.NotEmpty(t, res.CorrelationID)
	require.Len(t, res.Remaining, 1)
	assert.Equal(t, gradebook.WarnUEFormation, res.Remaining[0].Kind)
	assert.Equal(t, []shared.EventType{shared.EventRepairApplied}, inv.calls)

	res, err = h.Handle(context.Background(), RepairConsistencyCommand{SemesterID: "S1"})
	require.NoError(t, err)
	assert.True(t, res.NothingToFix)
	assert.Equal(t, "semester S1: nothing to fix", res.Message())
	assert.Equal(t, 1, store.applies)
	assert.Len(t, inv.calls, 1)
}

func TestRepairConsistency_DryRun(t *testing.T) {
	store := &memoryStore{in: misplaced()}
	inv := &recordingInvalidator{}
	h := NewRepairConsistencyHandler(store, store, inv, nil)

	res, err := h.Handle(context.Background(), RepairConsistencyCommand{SemesterID: "S1", DryRun: true})
	require.NoError(t, err)
	assert.Len(t, res.Planned, 1)
	assert.Zero(t, res.Applied)
	assert.Equal(t, "semester S1: 1 module(s) would be moved", res.Message())
	assert.Zero(t, store.applies)
	assert.Empty(t, inv.calls)
}

func TestRepairConsistency_Errors(t *testing.T) {
	errDB := errors.New("db down")

	t.Run("empty semester", func(t *testing.T) {
		h := NewRepairConsistencyHandler(&memoryStore{}, &memoryStore{}, &recordingInvalidator{}, nil)
		_, err := h.Handle(context.Background(), RepairConsistencyCommand{})
		assert.ErrorIs(t, err, shared.ErrEmptySemesterID)
	})

	t.Run("unknown semester", func(t *testing.T) {
		store := &memoryStore{in: misplaced()}
		h := NewRepairConsistencyHandler(store, store, &recordingInvalidator{}, nil)
		_, err := h.Handle(context.Background(), RepairConsistencyCommand{SemesterID: "S9"})
		assert.ErrorIs(t, err, shared.ErrSemesterNotFound)
	})

	t.Run("store failure", func(t *testing.T) {
		store := &memoryStore{in: misplaced(), err: errDB}
		inv := &recordingInvalidator{}
		h := NewRepairConsistencyHandler(store, store, inv, nil)
		_, err := h.Handle(context.Background(), RepairConsistencyCommand{SemesterID: "S1"})
		assert.ErrorIs(t, err, errDB)
		assert.Empty(t, inv.calls)
	})

	t.Run("invalidation failure is reported, not fatal", func(t *testing.T) {
		store := &memoryStore{in: misplaced()}
		inv := &recordingInvalidator{err: errDB}
		h := NewRepairConsistencyHandler(store, store, inv, nil)
		res, err := h.Handle(context.Background(), RepairConsistencyCommand{SemesterID: "S1"})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Applied)
		assert.False(t, res.Invalidated)
	})
}
