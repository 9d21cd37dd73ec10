package redis

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/gradebook/pkg/circuitbreaker"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "gradebook:gen:S1", GenerationKey("S1"))
	assert.Equal(t, "gradebook:gen:*", GenerationKey(""))
	assert.Equal(t, "gradebook:snapshot:S1", SnapshotKey("S1"))
	assert.Equal(t, "gradebook:lock:audit", LockKey("audit"))
	assert.NotEqual(t, GenerationKey("S1"), SnapshotKey("S1"))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr())
	assert.Equal(t, TTLTableSnapshot, cfg.SnapshotTTL)
}

func TestDecodeInvalidation(t *testing.T) {
	c := &GradeBookCache{origin: "a"}

	msg, err := c.decodeInvalidation(`{"semester_id":"S1","origin":"b","generation":7}`)
	require.NoError(t, err)
	assert.Equal(t, "S1", msg.SemesterID)
	assert.Equal(t, "b", msg.Origin)
	assert.Equal(t, uint64(7), msg.Generation)

	_, err = c.decodeInvalidation(`{`)
	assert.ErrorIs(t, err, ErrCacheSerialization)
}

func TestIsBackendFailure(t *testing.T) {
	assert.False(t, isBackendFailure(ErrCacheMiss))
	assert.False(t, isBackendFailure(ErrCacheSerialization))
	assert.True(t, isBackendFailure(ErrCacheConnection))
}

// memLocks keeps lock values in memory; expire simulates a TTL running out.
type memLocks struct {
	vals map[string]string
}

func (m *memLocks) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) (bool, error) {
	if _, held := m.vals[key]; held {
		return false, nil
	}
	m.vals[key] = fmt.Sprint(value)
	return true, nil
}

func (m *memLocks) DeleteIfEquals(_ context.Context, key string, value interface{}) (bool, error) {
	if v, held := m.vals[key]; !held || v != fmt.Sprint(value) {
		return false, nil
	}
	delete(m.vals, key)
	return true, nil
}

func (m *memLocks) expire(key string) { delete(m.vals, key) }

func lockingCache(locks lockStore, origin string) *GradeBookCache {
	return &GradeBookCache{
		locks:   locks,
		breaker: circuitbreaker.New("redis-test"),
		origin:  origin,
		logger:  slog.Default(),
	}
}

func TestTryLock_ReleaseKeepsNewHoldersLock(t *testing.T) {
	locks := &memLocks{vals: map[string]string{}}
	a := lockingCache(locks, "a")
	b := lockingCache(locks, "b")
	ctx := context.Background()
	key := LockKey("consistency_audit")

	ok, releaseA, err := a.TryLock(ctx, "consistency_audit", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, err = b.TryLock(ctx, "consistency_audit", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// the TTL of a's lock runs out and b takes the lock
	locks.expire(key)
	ok, releaseB, err := b.TryLock(ctx, "consistency_audit", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	releaseA()
	assert.Contains(t, locks.vals, key)

	releaseB()
	assert.NotContains(t, locks.vals, key)
}
