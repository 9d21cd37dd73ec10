package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/gradebook/internal/domain/gradebook"
	"github.com/alem-hub/gradebook/pkg/circuitbreaker"
	"github.com/alem-hub/gradebook/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// MESSAGES
// ══════════════════════════════════════════════════════════════════════════════

// InvalidationMessage is published on InvalidationChannel.
// An empty SemesterID invalidates every semester.
type InvalidationMessage struct {
	SemesterID string    `json:"semester_id"`
	Origin     string    `json:"origin"`
	Generation uint64    `json:"generation"`
	SentAt     time.Time `json:"sent_at"`
}

// TableSnapshot is the last published semester table.
type TableSnapshot struct {
	SemesterID string               `json:"semester_id"`
	Generation uint64               `json:"generation"`
	Digest     string               `json:"digest"`
	ComputedAt time.Time            `json:"computed_at"`
	Rows       []gradebook.TableRow `json:"rows"`
}

// ══════════════════════════════════════════════════════════════════════════════
// GRADE BOOK CACHE
// ══════════════════════════════════════════════════════════════════════════════

// GradeBookCache shares invalidation state between engine instances.
// Every call goes through a circuit breaker; callers treat errors as
// "shared state unavailable" and fall back to their local state.
type GradeBookCache struct {
	cache   *Cache
	locks   lockStore
	breaker *circuitbreaker.CircuitBreaker
	origin  string
	ttl     time.Duration
	logger  *slog.Logger
}

// NewGradeBookCache creates a GradeBookCache. Origin identifies this
// instance so it can ignore its own invalidation messages.
func NewGradeBookCache(cache *Cache, origin string, logger *slog.Logger) *GradeBookCache {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gradebook_cache")

	ttl := cache.Config().SnapshotTTL
	if ttl <= 0 {
		ttl = TTLTableSnapshot
	}

	return &GradeBookCache{
		cache: cache,
		locks: cache,
		breaker: circuitbreaker.RedisBreaker(func(name string, from, to circuitbreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		}, circuitbreaker.WithIsFailure(isBackendFailure)),
		origin: origin,
		ttl:    ttl,
		logger: logger,
	}
}

// isBackendFailure ignores outcomes that say nothing about Redis health.
func isBackendFailure(err error) bool {
	return !errors.Is(err, ErrCacheMiss) &&
		!errors.Is(err, ErrCacheSerialization) &&
		!errors.Is(err, context.Canceled)
}

// Breaker exposes the breaker state for health reporting.
func (c *GradeBookCache) Breaker() *circuitbreaker.CircuitBreaker {
	return c.breaker
}

// Generation returns the shared generation of a semester. It is the sum
// of the semester counter and the global counter, so both kinds of bump
// move it forward.
func (c *GradeBookCache) Generation(ctx context.Context, semesterID string) (uint64, error) {
	var gen uint64
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		sem, err := c.cache.GetInt(ctx, GenerationKey(semesterID))
		if err != nil {
			return err
		}
		all, err := c.cache.GetInt(ctx, GenerationKey(""))
		if err != nil {
			return err
		}
		gen = uint64(sem + all)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("read generation of %q: %w", semesterID, err)
	}
	return gen, nil
}

// Bump advances the generation of a semester, or the global one when
// semesterID is empty.
func (c *GradeBookCache) Bump(ctx context.Context, semesterID string) (uint64, error) {
	var gen int64
	err := c.breaker.Execute(ctx, func(ctx context.Context) (err error) {
		gen, err = c.cache.Incr(ctx, GenerationKey(semesterID))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("bump generation of %q: %w", semesterID, err)
	}
	return uint64(gen), nil
}

// PublishInvalidation tells sibling instances to drop a semester.
func (c *GradeBookCache) PublishInvalidation(ctx context.Context, semesterID string, generation uint64) error {
	msg := InvalidationMessage{
		SemesterID: semesterID,
		Origin:     c.origin,
		Generation: generation,
		SentAt:     time.Now().UTC(),
	}
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.cache.Publish(ctx, InvalidationChannel, msg)
	})
}

// RunInvalidationSubscriber calls fn for every invalidation published by
// another instance until ctx is cancelled, resubscribing after Redis
// failures. Messages lost meanwhile are caught by the generation check
// on the next read.
func (c *GradeBookCache) RunInvalidationSubscriber(ctx context.Context, fn func(InvalidationMessage)) {
	retry.Reconnect(ctx, time.Second, 30*time.Second,
		func(ctx context.Context, established func()) error {
			return c.subscribeInvalidations(ctx, fn, established)
		},
		func(err error, wait time.Duration) {
			c.logger.Warn("invalidation subscription lost", "error", err, "retry_in", wait)
		},
	)
}

func (c *GradeBookCache) subscribeInvalidations(ctx context.Context, fn func(InvalidationMessage), established func()) error {
	sub := c.cache.Subscribe(ctx, InvalidationChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", InvalidationChannel, err)
	}
	c.logger.Info("subscribed to invalidations", "channel", InvalidationChannel)
	established()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return errors.New("invalidation channel closed")
			}
			msg, err := c.decodeInvalidation(m.Payload)
			if err != nil {
				c.logger.Warn("dropping invalidation message", "payload", m.Payload, "error", err)
				continue
			}
			if msg.Origin == c.origin {
				continue
			}
			fn(msg)
		}
	}
}

func (c *GradeBookCache) decodeInvalidation(payload string) (InvalidationMessage, error) {
	var msg InvalidationMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}
	return msg, nil
}

// SaveTable publishes the table of a computed grade book.
func (c *GradeBookCache) SaveTable(ctx context.Context, gb *gradebook.GradeBook, generation uint64) error {
	snap := TableSnapshot{
		SemesterID: gb.SemesterID(),
		Generation: generation,
		Digest:     gb.Digest(),
		ComputedAt: gb.ComputedAt(),
		Rows:       gb.Table(),
	}
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.cache.Set(ctx, SnapshotKey(snap.SemesterID), snap, c.ttl)
	})
}

// LoadTable reads the last published table of a semester.
// Returns ErrCacheMiss when none is stored.
func (c *GradeBookCache) LoadTable(ctx context.Context, semesterID string) (*TableSnapshot, error) {
	var snap TableSnapshot
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.cache.Get(ctx, SnapshotKey(semesterID), &snap)
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// DropTable removes the published table of a semester.
func (c *GradeBookCache) DropTable(ctx context.Context, semesterID string) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.cache.Delete(ctx, SnapshotKey(semesterID))
	})
}

// lockStore is the part of Cache used by distributed locks.
type lockStore interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	DeleteIfEquals(ctx context.Context, key string, value interface{}) (bool, error)
}

// TryLock takes a distributed lock on resource. The returned release
// function is a no-op when the lock was not acquired, and it leaves the
// key alone if the lock expired and another holder took it since.
func (c *GradeBookCache) TryLock(ctx context.Context, resource string, ttl time.Duration) (bool, func(), error) {
	if ttl <= 0 {
		ttl = TTLDistributedLock
	}
	key := LockKey(resource)
	token := c.origin + ":" + uuid.NewString()

	var ok bool
	err := c.breaker.Execute(ctx, func(ctx context.Context) (err error) {
		ok, err = c.locks.SetNX(ctx, key, token, ttl)
		return err
	})
	if err != nil || !ok {
		return false, func() {}, err
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		deleted, err := c.locks.DeleteIfEquals(ctx, key, token)
		switch {
		case err != nil:
			c.logger.Warn("failed to release lock", "resource", resource, "error", err)
		case !deleted:
			c.logger.Warn("lock expired before release", "resource", resource)
		}
	}
	return true, release, nil
}
