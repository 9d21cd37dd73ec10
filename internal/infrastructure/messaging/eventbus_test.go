package messaging

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/gradebook/internal/domain/shared"
)

func syncBus() *InMemoryEventBus {
	return NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: false})
}

func change(sem string) shared.UpstreamChangedEvent {
	return shared.NewUpstreamChangedEvent(shared.EventGradeEntered, sem, "grades", "")
}

func TestInMemoryEventBus_RoutesByType(t *testing.T) {
	bus := syncBus()
	var typed, all int
	require.NoError(t, bus.Subscribe(shared.EventGradeEntered, func(shared.Event) error { typed++; return nil }))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { all++; return nil }))

	require.NoError(t, bus.Publish(change("S1")))
	require.NoError(t, bus.Publish(shared.NewUpstreamChangedEvent(shared.EventFormulaEdited, "S1", "module_impls", "")))

	assert.Equal(t, 1, typed)
	assert.Equal(t, 2, all)
	assert.Equal(t, int64(1), bus.Metrics().Published[shared.EventGradeEntered])
}

func TestInMemoryEventBus_SubscribeMany(t *testing.T) {
	bus := syncBus()
	var n int
	require.NoError(t, bus.SubscribeMany(shared.UpstreamEventTypes(), func(shared.Event) error { n++; return nil }))
	for _, et := range shared.UpstreamEventTypes() {
		require.NoError(t, bus.Publish(shared.NewUpstreamChangedEvent(et, "S1", "", "")))
	}
	assert.Equal(t, len(shared.UpstreamEventTypes()), n)
}

func TestInMemoryEventBus_HandlerErrorAndPanic(t *testing.T) {
	bus := syncBus()
	errBoom := errors.New("boom")
	var ran int
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { panic("bad handler") }))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { ran++; return errBoom }))

	err := bus.Publish(change("S1"))
	assert.ErrorIs(t, err, ErrHandlerPanic)
	assert.Equal(t, 1, ran)
	assert.Equal(t, int64(2), bus.Metrics().HandlerFailures)
}

func TestInMemoryEventBus_AsyncClose(t *testing.T) {
	bus := NewInMemoryEventBus(DefaultInMemoryEventBusConfig())
	var n atomic.Int32
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { n.Add(1); return nil }))

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(change("S1")))
	}
	require.NoError(t, bus.Close())
	assert.Equal(t, int32(10), n.Load())

	assert.ErrorIs(t, bus.Publish(change("S1")), ErrEventBusClosed)
	assert.ErrorIs(t, bus.SubscribeAll(func(shared.Event) error { return nil }), ErrEventBusClosed)
}

func TestInMemoryEventBus_NilArguments(t *testing.T) {
	bus := syncBus()
	assert.ErrorIs(t, bus.Publish(nil), ErrNilEvent)
	assert.ErrorIs(t, bus.Subscribe(shared.EventGradeEntered, nil), ErrNilHandler)
}

type recorder struct {
	mu     sync.Mutex
	events []shared.Event
}

func (r *recorder) Publish(e shared.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) semesters() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if up, ok := e.(shared.UpstreamChangedEvent); ok {
			out = append(out, up.SemesterID)
		}
	}
	return out
}

func TestCoalescer_MergesPerSemester(t *testing.T) {
	rec := &recorder{}
	c := NewCoalescer(rec, time.Hour, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Publish(change("S2")))
	}
	require.NoError(t, c.Publish(change("S1")))
	assert.Empty(t, rec.semesters())

	require.NoError(t, c.Flush())
	assert.Equal(t, []string{"S1", "S2"}, rec.semesters())
	assert.Equal(t, int64(4), c.Merged())
}

func TestCoalescer_GlobalSupersedes(t *testing.T) {
	rec := &recorder{}
	c := NewCoalescer(rec, time.Hour, nil)

	require.NoError(t, c.Publish(change("S1")))
	require.NoError(t, c.Publish(change("")))
	require.NoError(t, c.Publish(change("S2")))
	require.NoError(t, c.Close())

	assert.Equal(t, []string{""}, rec.semesters())
	assert.ErrorIs(t, c.Publish(change("S1")), ErrEventBusClosed)
}

func TestCoalescer_PassThrough(t *testing.T) {
	rec := &recorder{}
	c := NewCoalescer(rec, time.Hour, nil)

	require.NoError(t, c.Publish(shared.NewGradeBookComputedEvent("S1", 3, 0, 0, time.Millisecond, "d")))
	assert.Len(t, rec.events, 1)

	direct := NewCoalescer(rec, 0, nil)
	require.NoError(t, direct.Publish(change("S9")))
	assert.Equal(t, []string{"S9"}, rec.semesters())
}

func TestCoalescer_TimerFlushes(t *testing.T) {
	rec := &recorder{}
	c := NewCoalescer(rec, 10*time.Millisecond, nil)
	require.NoError(t, c.Publish(change("S1")))

	assert.Eventually(t, func() bool { return len(rec.semesters()) == 1 }, time.Second, 5*time.Millisecond)
}
