package eventhandler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/gradebook/internal/domain/shared"
	"github.com/alem-hub/gradebook/internal/infrastructure/messaging"
)

type invalidation struct {
	semesterID string
	cause      shared.EventType
}

type recordingInvalidator struct {
	mu    sync.Mutex
	calls []invalidation
	err   error
}

func (r *recordingInvalidator) Invalidate(_ context.Context, semesterID string, cause shared.EventType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, invalidation{semesterID, cause})
	return r.err
}

func TestOnUpstreamChanged_Invalidates(t *testing.T) {
	inv := &recordingInvalidator{}
	h := NewOnUpstreamChangedHandler(inv, nil, DefaultUpstreamChangedConfig())

	require.NoError(t, h.Handle(shared.NewUpstreamChangedEvent(shared.EventGradeEntered, "S1", "grades", "g1")))
	require.NoError(t, h.Handle(shared.NewUpstreamChangedEvent(shared.EventPreferenceToggled, "", "preferences", "")))

	assert.Equal(t, []invalidation{
		{"S1", shared.EventGradeEntered},
		{"", shared.EventPreferenceToggled},
	}, inv.calls)
}

func TestOnUpstreamChanged_IgnoresEngineEvents(t *testing.T) {
	inv := &recordingInvalidator{}
	h := NewOnUpstreamChangedHandler(inv, nil, DefaultUpstreamChangedConfig())

	require.NoError(t, h.Handle(shared.NewGradeBookInvalidatedEvent("S1", shared.EventGradeEntered, 3)))
	assert.Empty(t, inv.calls)
}

func TestOnUpstreamChanged_PropagationError(t *testing.T) {
	errRedis := errors.New("redis down")
	h := NewOnUpstreamChangedHandler(&recordingInvalidator{err: errRedis}, nil, DefaultUpstreamChangedConfig())

	err := h.Handle(shared.NewUpstreamChangedEvent(shared.EventFormulaEdited, "S1", "ues", "u1"))
	assert.ErrorIs(t, err, errRedis)
}

func TestOnUpstreamChanged_ThroughEventBus(t *testing.T) {
	inv := &recordingInvalidator{}
	h := NewOnUpstreamChangedHandler(inv, nil, DefaultUpstreamChangedConfig())

	bus := messaging.NewInMemoryEventBus(messaging.InMemoryEventBusConfig{AsyncMode: false})
	defer bus.Close()
	require.NoError(t, bus.SubscribeMany(h.EventTypes(), h.Handle))

	for _, et := range shared.UpstreamEventTypes() {
		require.NoError(t, bus.Publish(shared.NewUpstreamChangedEvent(et, "S2", "", "")))
	}
	require.NoError(t, bus.Publish(shared.NewGradeBookComputedEvent("S2", 10, 0, 0, 0, "digest")))

	assert.Len(t, inv.calls, len(shared.UpstreamEventTypes()))
}
