package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/gradebook/internal/domain/gradebook"
	"github.com/alem-hub/gradebook/internal/domain/shared"
	"github.com/alem-hub/gradebook/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// FAKES
// ══════════════════════════════════════════════════════════════════════════════

func semesterInput(id string, score float64) *gradebook.Input {
	return &gradebook.Input{
		SemesterID:  id,
		FormationID: "F",
		Students: []gradebook.Student{
			{ID: "a", Name: "Adams", State: gradebook.StateEnrolled},
			{ID: "b", Name: "Brown", State: gradebook.StateEnrolled},
		},
		UEs: []gradebook.UE{{ID: "u", Code: "U", Type: gradebook.UETypeStandard, ECTS: 6, FormationID: "F"}},
		Modules: []gradebook.Module{{
			ID: "m", Code: "M", UEID: "u", FormationID: "F", Coefficient: 1,
			Type: gradebook.ModuleStandard, Enrolled: []string{"a", "b"},
		}},
		Evaluations: []gradebook.Evaluation{{
			ID: "e", ModuleID: "m", Coefficient: 1, MaxScore: 20,
			Grades: map[string]gradebook.Grade{"a": gradebook.Score(score), "b": gradebook.Score(10)},
		}},
		Settings: gradebook.DefaultSettings(),
	}
}

type fakeSource struct {
	mu     sync.Mutex
	scores map[string]float64
	calls  atomic.Int32
	fail   []error
	// onLoad runs inside LoadSemester, before the input is returned.
	onLoad func()
	block  chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{scores: map[string]float64{"S1": 14, "S2": 8}}
}

func (f *fakeSource) LoadSemester(ctx context.Context, id string) (*gradebook.Input, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	if len(f.fail) > 0 {
		err := f.fail[0]
		f.fail = f.fail[1:]
		f.mu.Unlock()
		return nil, err
	}
	score, ok := f.scores[id]
	hook := f.onLoad
	f.mu.Unlock()

	if !ok {
		return nil, shared.ErrSemesterNotFound
	}
	if hook != nil {
		hook()
	}
	return semesterInput(id, score), nil
}

func (f *fakeSource) setScore(id string, v float64) {
	f.mu.Lock()
	f.scores[id] = v
	f.mu.Unlock()
}

type fakeShared struct {
	mu        sync.Mutex
	gens      map[string]uint64
	published []string
	tables    map[string]uint64
	down      bool
}

func newFakeShared() *fakeShared {
	return &fakeShared{gens: map[string]uint64{}, tables: map[string]uint64{}}
}

var errRedisDown = errors.New("redis down")

func (f *fakeShared) Generation(_ context.Context, id string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return 0, errRedisDown
	}
	return f.gens[id] + f.gens[""], nil
}

func (f *fakeShared) Bump(_ context.Context, id string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return 0, errRedisDown
	}
	f.gens[id]++
	return f.gens[id], nil
}

func (f *fakeShared) PublishInvalidation(_ context.Context, id string, _ uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, id)
	return nil
}

func (f *fakeShared) SaveTable(_ context.Context, gb *gradebook.GradeBook, gen uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[gb.SemesterID()] = gen
	return nil
}

func (f *fakeShared) DropTable(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tables, id)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []shared.Event
}

func (l *eventLog) Publish(e shared.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) count(t shared.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.EventType() == t {
			n++
		}
	}
	return n
}

func general(t *testing.T, gb *gradebook.GradeBook, studentID string) float64 {
	t.Helper()
	g, ok := gb.General(studentID)
	require.True(t, ok)
	f, ok := g.Moy.Float()
	require.True(t, ok)
	return f
}

// ══════════════════════════════════════════════════════════════════════════════
// TESTS
// ══════════════════════════════════════════════════════════════════════════════

func TestGet_MemoizesUntilInvalidated(t *testing.T) {
	src := newFakeSource()
	events := &eventLog{}
	svc := NewGradeBookService(src, WithEventPublisher(events))
	ctx := context.Background()

	gb1, err := svc.Get(ctx, "S1")
	require.NoError(t, err)
	gb2, err := svc.Get(ctx, "S1")
	require.NoError(t, err)
	assert.Same(t, gb1, gb2)
	assert.Equal(t, int32(1), src.calls.Load())
	assert.InDelta(t, 14, general(t, gb1, "a"), 1e-9)

	src.setScore("S1", 16)
	require.NoError(t, svc.Invalidate(ctx, "S1", shared.EventGradeEntered))

	gb3, err := svc.Get(ctx, "S1")
	require.NoError(t, err)
	assert.NotSame(t, gb1, gb3)
	assert.InDelta(t, 16, general(t, gb3, "a"), 1e-9)

	stats := svc.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, 2, events.count(shared.EventGradeBookComputed))
	assert.Equal(t, 1, events.count(shared.EventGradeBookInvalidated))
}

func TestGet_InvalidateAll(t *testing.T) {
	src := newFakeSource()
	svc := NewGradeBookService(src)
	ctx := context.Background()

	_, err := svc.Get(ctx, "S1")
	require.NoError(t, err)
	_, err = svc.Get(ctx, "S2")
	require.NoError(t, err)
	assert.Len(t, svc.Cached(), 2)

	require.NoError(t, svc.Invalidate(ctx, "", shared.EventStructureChanged))
	assert.Empty(t, svc.Cached())

	_, err = svc.Get(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestGet_SingleFlight(t *testing.T) {
	src := newFakeSource()
	src.block = make(chan struct{})
	svc := NewGradeBookService(src)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	results := make([]*gradebook.GradeBook, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			gb, err := svc.Get(ctx, "S1")
			assert.NoError(t, err)
			results[i] = gb
		}(i)
	}

	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(src.block)
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
	for _, gb := range results {
		assert.Same(t, results[0], gb)
	}
}

func TestGet_CancelledCallerDoesNotFailJoinedReaders(t *testing.T) {
	src := newFakeSource()
	src.block = make(chan struct{})
	svc := NewGradeBookService(src)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := svc.Get(ctxA, "S1")
		errA <- err
	}()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		gb  *gradebook.GradeBook
		err error
	}
	resB := make(chan result, 1)
	go func() {
		gb, err := svc.Get(context.Background(), "S1")
		resB <- result{gb, err}
	}()

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(src.block)
	r := <-resB
	require.NoError(t, r.err)
	assert.InDelta(t, 14, general(t, r.gb, "a"), 1e-9)
	assert.Equal(t, int32(1), src.calls.Load())
	assert.Equal(t, []string{"S1"}, svc.Cached())
}

func TestGet_LoadTimeout(t *testing.T) {
	src := newFakeSource()
	src.block = make(chan struct{})
	defer close(src.block)
	svc := NewGradeBookService(src, WithLoadTimeout(20*time.Millisecond))

	_, err := svc.Get(context.Background(), "S1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, svc.Cached())
}

func TestGet_InvalidationDuringComputationIsNotCached(t *testing.T) {
	src := newFakeSource()
	svc := NewGradeBookService(src)
	ctx := context.Background()

	var once sync.Once
	src.onLoad = func() {
		once.Do(func() { svc.DropLocal("S1") })
	}

	_, err := svc.Get(ctx, "S1")
	require.NoError(t, err)
	assert.Empty(t, svc.Cached())
	assert.Equal(t, int64(1), svc.Stats().Discarded)

	_, err = svc.Get(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, []string{"S1"}, svc.Cached())
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestGet_SharedGenerationFromSibling(t *testing.T) {
	src := newFakeSource()
	sh := newFakeShared()
	svc := NewGradeBookService(src, WithSharedState(sh))
	ctx := context.Background()

	_, err := svc.Get(ctx, "S1")
	require.NoError(t, err)
	assert.Contains(t, sh.tables, "S1")

	// another instance bumps the shared counter; the pub/sub message is lost
	_, err = sh.Bump(ctx, "S1")
	require.NoError(t, err)

	_, err = svc.Get(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestInvalidate_PropagatesToSharedState(t *testing.T) {
	src := newFakeSource()
	sh := newFakeShared()
	svc := NewGradeBookService(src, WithSharedState(sh))
	ctx := context.Background()

	_, err := svc.Get(ctx, "S1")
	require.NoError(t, err)
	require.NoError(t, svc.Invalidate(ctx, "S1", shared.EventFormulaEdited))

	assert.Equal(t, []string{"S1"}, sh.published)
	assert.Equal(t, uint64(1), sh.gens["S1"])
	assert.NotContains(t, sh.tables, "S1")
}

func TestGet_SharedStateDown(t *testing.T) {
	src := newFakeSource()
	sh := newFakeShared()
	sh.down = true
	svc := NewGradeBookService(src, WithSharedState(sh))
	ctx := context.Background()

	gb1, err := svc.Get(ctx, "S1")
	require.NoError(t, err)
	gb2, err := svc.Get(ctx, "S1")
	require.NoError(t, err)
	assert.Same(t, gb1, gb2)
	assert.Empty(t, sh.tables)

	err = svc.Invalidate(ctx, "S1", shared.EventGradeEntered)
	assert.ErrorIs(t, err, errRedisDown)

	_, err = svc.Get(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestGet_RetriesTransientErrors(t *testing.T) {
	errTransient := errors.New("connection reset")
	src := newFakeSource()
	src.fail = []error{errTransient, errTransient}
	svc := NewGradeBookService(src, WithRetryIf(func(err error) bool { return errors.Is(err, errTransient) }))

	gb, err := svc.Get(context.Background(), "S1")
	require.NoError(t, err)
	assert.NotNil(t, gb)
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestGet_Errors(t *testing.T) {
	svc := NewGradeBookService(newFakeSource())
	ctx := context.Background()

	_, err := svc.Get(ctx, "")
	assert.ErrorIs(t, err, shared.ErrEmptySemesterID)

	_, err = svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, shared.ErrSemesterNotFound)
	assert.True(t, shared.IsNotFound(err))

	src := newFakeSource()
	src.fail = []error{retry.Permanent(errors.New("bad row"))}
	_, err = NewGradeBookService(src).Get(ctx, "S1")
	assert.Error(t, err)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestWarm(t *testing.T) {
	src := newFakeSource()
	svc := NewGradeBookService(src)

	err := svc.Warm(context.Background(), []string{"S1", "S2", "missing"}, 2)
	assert.ErrorIs(t, err, shared.ErrSemesterNotFound)
	assert.ElementsMatch(t, []string{"S1", "S2"}, svc.Cached())
}
