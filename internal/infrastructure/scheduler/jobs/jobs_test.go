package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/gradebook/internal/domain/gradebook"
	"github.com/alem-hub/gradebook/internal/domain/shared"
)

type staticLister struct {
	ids []string
	err error
}

func (l staticLister) ListSemesterIDs(context.Context, time.Time) ([]string, error) {
	return l.ids, l.err
}

type mapSource map[string]*gradebook.Input

func (m mapSource) LoadSemester(_ context.Context, id string) (*gradebook.Input, error) {
	in, ok := m[id]
	if !ok {
		return nil, shared.ErrSemesterNotFound
	}
	return in, nil
}

// misplacedModule - модуль m лежит в UE u1, а его предмет - в UE u2.
func misplacedModule(id string) *gradebook.Input {
	return &gradebook.Input{
		SemesterID:  id,
		FormationID: "F",
		UEs: []gradebook.UE{
			{ID: "u1", Code: "U1", FormationID: "F"},
			{ID: "u2", Code: "U2", FormationID: "F"},
		},
		Subjects: []gradebook.Subject{{ID: "sub", UEID: "u2"}},
		Modules:  []gradebook.Module{{ID: "m", Code: "M", UEID: "u1", SubjectID: "sub", FormationID: "F", Coefficient: 1}},
		Settings: gradebook.DefaultSettings(),
	}
}

type fakeLocker struct {
	free     bool
	released bool
}

func (l *fakeLocker) TryLock(context.Context, string, time.Duration) (bool, func(), error) {
	if !l.free {
		return false, func() {}, nil
	}
	return true, func() { l.released = true }, nil
}

func TestConsistencyAuditJob_Run(t *testing.T) {
	src := mapSource{"S1": misplacedModule("S1"), "S2": {SemesterID: "S2", Settings: gradebook.DefaultSettings()}}
	locker := &fakeLocker{free: true}
	job := NewConsistencyAuditJob(staticLister{ids: []string{"S1", "S2", "gone"}}, src, locker, nil, DefaultConsistencyAuditConfig())

	require.NoError(t, job.Run(context.Background()))

	stats := job.LastStats()
	require.NotNil(t, stats)
	assert.Equal(t, 2, stats.SemestersChecked)
	assert.Equal(t, 1, stats.SemestersFailed)
	assert.Equal(t, 1, stats.Warnings)
	assert.Equal(t, 1, stats.ByKind[gradebook.WarnModuleSubjectUE])
	assert.Equal(t, 1, stats.RepairsPlanned)
	assert.NotEmpty(t, stats.RunID)
	assert.True(t, locker.released)
}

func TestConsistencyAuditJob_SkipsWhenLocked(t *testing.T) {
	job := NewConsistencyAuditJob(staticLister{ids: []string{"S1"}}, mapSource{}, &fakeLocker{}, nil, DefaultConsistencyAuditConfig())

	require.NoError(t, job.Run(context.Background()))
	assert.True(t, job.LastStats().Skipped)
	assert.Zero(t, job.LastStats().SemestersChecked)
}

func TestConsistencyAuditJob_ListError(t *testing.T) {
	errDB := errors.New("db down")
	job := NewConsistencyAuditJob(staticLister{err: errDB}, mapSource{}, nil, nil, DefaultConsistencyAuditConfig())
	assert.ErrorIs(t, job.Run(context.Background()), errDB)
}

type recordingWarmer struct {
	ids      []string
	parallel int
}

func (w *recordingWarmer) Warm(_ context.Context, ids []string, parallel int) error {
	w.ids, w.parallel = ids, parallel
	return errors.New("one semester failed")
}

func TestWarmCacheJob_Run(t *testing.T) {
	w := &recordingWarmer{}
	cfg := DefaultWarmCacheConfig()
	cfg.MaxSemesters = 2
	job := NewWarmCacheJob(staticLister{ids: []string{"S3", "S2", "S1"}}, w, nil, cfg)

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, []string{"S3", "S2"}, w.ids)
	assert.Equal(t, cfg.Parallel, w.parallel)
	assert.Equal(t, "warm_cache", job.Name())
}
