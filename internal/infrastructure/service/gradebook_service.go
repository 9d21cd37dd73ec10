package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/alem-hub/gradebook/internal/domain/gradebook"
	"github.com/alem-hub/gradebook/internal/domain/shared"
	"github.com/alem-hub/gradebook/pkg/logger"
	"github.com/alem-hub/gradebook/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// SHARED STATE
// ══════════════════════════════════════════════════════════════════════════════

// SharedState is the cross-instance side of the cache, usually Redis.
// Any error is treated as "unavailable" and the service keeps working on
// its local generations.
type SharedState interface {
	Generation(ctx context.Context, semesterID string) (uint64, error)
	Bump(ctx context.Context, semesterID string) (uint64, error)
	PublishInvalidation(ctx context.Context, semesterID string, generation uint64) error
	SaveTable(ctx context.Context, gb *gradebook.GradeBook, generation uint64) error
	DropTable(ctx context.Context, semesterID string) error
}

// ══════════════════════════════════════════════════════════════════════════════
// OPTIONS
// ══════════════════════════════════════════════════════════════════════════════

// Option configures a GradeBookService.
type Option func(*GradeBookService)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *GradeBookService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSharedState enables cross-instance generations and invalidation.
func WithSharedState(st SharedState) Option {
	return func(s *GradeBookService) { s.shared = st }
}

// WithEventPublisher sets where computed/invalidated events go.
func WithEventPublisher(p shared.EventPublisher) Option {
	return func(s *GradeBookService) { s.events = p }
}

// WithRetryIf decides which load errors are retried.
func WithRetryIf(fn func(error) bool) Option {
	return func(s *GradeBookService) { s.retryIf = fn }
}

// WithBuildOptions passes options to every gradebook.Build call.
func WithBuildOptions(opts ...gradebook.Option) Option {
	return func(s *GradeBookService) { s.buildOpts = append(s.buildOpts, opts...) }
}

// WithLoadTimeout bounds one shared computation. A non-positive value
// keeps the default.
func WithLoadTimeout(d time.Duration) Option {
	return func(s *GradeBookService) {
		if d > 0 {
			s.loadTimeout = d
		}
	}
}

// WithInstanceID overrides the generated instance id.
func WithInstanceID(id string) Option {
	return func(s *GradeBookService) {
		if id != "" {
			s.instanceID = id
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVICE
// ══════════════════════════════════════════════════════════════════════════════

// stamp identifies the state a grade book was computed against.
// remoteOK is false when the shared generation could not be read.
type stamp struct {
	local    uint64
	remote   uint64
	remoteOK bool
}

// covers reports whether a computation started at st reflects every
// invalidation already visible at o.
func (st stamp) covers(o stamp) bool {
	return st.local >= o.local && st.remote >= o.remote
}

type memoEntry struct {
	gb    *gradebook.GradeBook
	stamp stamp
}

// Stats counts cache outcomes since start.
type Stats struct {
	Hits        int64
	Misses      int64
	Shared      int64
	Discarded   int64
	Invalidated int64
}

// GradeBookService memoizes computed grade books per semester.
// Concurrent misses for one semester share a single computation, and a
// result is only memoized when no invalidation happened while it ran.
type GradeBookService struct {
	source      gradebook.Source
	shared      SharedState
	events      shared.EventPublisher
	retryIf     func(error) bool
	retrier     *retry.Retrier
	buildOpts   []gradebook.Option
	logger      *slog.Logger
	instanceID  string
	loadTimeout time.Duration

	group singleflight.Group

	mu        sync.Mutex
	localGen  map[string]uint64
	globalGen uint64
	memo      map[string]memoEntry

	hits, misses, sharedCalls, discarded, invalidated atomic.Int64
}

// NewGradeBookService creates a new GradeBookService.
func NewGradeBookService(source gradebook.Source, opts ...Option) *GradeBookService {
	s := &GradeBookService{
		source:      source,
		retryIf:     shared.IsRetryable,
		logger:      slog.Default(),
		instanceID:  uuid.NewString(),
		loadTimeout: DefaultLoadTimeout,
		localGen:    make(map[string]uint64),
		memo:        make(map[string]memoEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "gradebook_service", "instance_id", s.instanceID)
	s.retrier = retry.LoaderRetrier(s.retryIf, func(attempt int, err error, delay time.Duration) {
		s.logger.Warn("retrying semester load", "attempt", attempt, "delay", delay, "error", err)
	})
	return s
}

// InstanceID returns the id used to tag this instance's messages.
func (s *GradeBookService) InstanceID() string {
	return s.instanceID
}

// Get returns the grade book of a semester, computing it if needed.
func (s *GradeBookService) Get(ctx context.Context, semesterID string) (*gradebook.GradeBook, error) {
	if semesterID == "" {
		return nil, shared.ErrEmptySemesterID
	}

	current := s.stamp(ctx, semesterID)
	s.mu.Lock()
	entry, ok := s.memo[semesterID]
	s.mu.Unlock()
	if ok && entry.stamp == current {
		s.hits.Add(1)
		return entry.gb, nil
	}

	s.misses.Add(1)
	for attempt := 1; ; attempt++ {
		// The computation outlives any single caller: a joined reader must
		// not fail because the caller that started it went away.
		ch := s.group.DoChan(semesterID, func() (interface{}, error) {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.loadTimeout)
			defer cancel()
			return s.compute(cctx, semesterID)
		})

		var r singleflight.Result
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r = <-ch:
		}
		if r.Shared {
			s.sharedCalls.Add(1)
		}
		if r.Err != nil {
			return nil, r.Err
		}

		// A shared computation may have started before an invalidation
		// this caller already saw.
		res := r.Val.(computed)
		if res.started.covers(current) || attempt == maxJoinAttempts {
			return res.gb, nil
		}
	}
}

const maxJoinAttempts = 3

// DefaultLoadTimeout bounds a semester load and build.
const DefaultLoadTimeout = 2 * time.Minute

type computed struct {
	gb      *gradebook.GradeBook
	started stamp
}

// compute loads and builds a semester. The result is memoized only if
// the stamp is unchanged once the build is done.
func (s *GradeBookService) compute(ctx context.Context, semesterID string) (computed, error) {
	before := s.stamp(ctx, semesterID)

	in, err := retry.DoWithData(ctx, s.retrier, func(ctx context.Context) (*gradebook.Input, error) {
		return s.source.LoadSemester(ctx, semesterID)
	})
	if err != nil {
		return computed{}, fmt.Errorf("load semester %s: %w", semesterID, err)
	}

	gb, err := gradebook.Build(in, s.buildOpts...)
	if err != nil {
		return computed{}, fmt.Errorf("build semester %s: %w", semesterID, err)
	}

	after := s.stamp(ctx, semesterID)
	if before != after {
		s.discarded.Add(1)
		s.logger.Info("semester changed during computation, result not cached",
			logger.SemesterID(semesterID),
			"digest", gb.Digest(),
		)
		return computed{gb: gb, started: before}, nil
	}

	s.mu.Lock()
	prev, had := s.memo[semesterID]
	s.memo[semesterID] = memoEntry{gb: gb, stamp: after}
	s.mu.Unlock()

	if had && prev.gb.Digest() == gb.Digest() {
		s.logger.Debug("recomputed identical input", "semester_id", semesterID, "digest", gb.Digest())
	}

	s.logger.Info("grade book computed",
		logger.SemesterID(semesterID),
		"students", len(gb.Students()),
		"config_errors", len(gb.Errors()),
		"warnings", len(gb.Warnings()),
		logger.Latency(gb.Duration()),
	)

	if s.shared != nil && after.remoteOK {
		if err := s.shared.SaveTable(ctx, gb, after.remote); err != nil {
			s.logger.Warn("failed to publish table snapshot", logger.SemesterID(semesterID), logger.Err(err))
		}
	}
	s.publish(shared.NewGradeBookComputedEvent(
		semesterID, len(gb.Students()), len(gb.Errors()), len(gb.Warnings()), gb.Duration(), gb.Digest(),
	))

	return computed{gb: gb, started: before}, nil
}

func (s *GradeBookService) stamp(ctx context.Context, semesterID string) stamp {
	s.mu.Lock()
	st := stamp{local: s.localGen[semesterID] + s.globalGen}
	s.mu.Unlock()

	if s.shared == nil {
		st.remoteOK = true
		return st
	}
	gen, err := s.shared.Generation(ctx, semesterID)
	if err != nil {
		s.logger.Debug("shared generation unavailable", "semester_id", semesterID, "error", err)
		return st
	}
	st.remote, st.remoteOK = gen, true
	return st
}

// Invalidate drops the grade book of a semester here and on sibling
// instances. An empty semesterID drops every semester.
func (s *GradeBookService) Invalidate(ctx context.Context, semesterID string, cause shared.EventType) error {
	gen := s.dropLocal(semesterID)

	var errs []error
	if s.shared != nil {
		remote, err := s.shared.Bump(ctx, semesterID)
		if err != nil {
			errs = append(errs, err)
		} else {
			gen = remote
			if err := s.shared.PublishInvalidation(ctx, semesterID, remote); err != nil {
				errs = append(errs, err)
			}
		}
		if semesterID != "" {
			if err := s.shared.DropTable(ctx, semesterID); err != nil {
				errs = append(errs, err)
			}
		}
	}

	s.logger.Info("grade book invalidated", "semester_id", semesterID, "cause", cause, "generation", gen)
	s.publish(shared.NewGradeBookInvalidatedEvent(semesterID, cause, gen))

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("propagate invalidation of %q: %w", semesterID, err)
	}
	return nil
}

// DropLocal forgets a semester on this instance only. It is used for
// invalidations received from sibling instances.
func (s *GradeBookService) DropLocal(semesterID string) {
	s.dropLocal(semesterID)
}

func (s *GradeBookService) dropLocal(semesterID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.invalidated.Add(1)
	if semesterID == "" {
		s.globalGen++
		s.memo = make(map[string]memoEntry)
		return s.globalGen
	}
	s.localGen[semesterID]++
	delete(s.memo, semesterID)
	return s.localGen[semesterID] + s.globalGen
}

// Cached lists the semesters currently memoized.
func (s *GradeBookService) Cached() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.memo))
	for id := range s.memo {
		ids = append(ids, id)
	}
	return ids
}

// Warm computes the given semesters with at most parallel builds at once.
// Semesters that fail are logged and reported in the joined error.
func (s *GradeBookService) Warm(ctx context.Context, semesterIDs []string, parallel int) error {
	if parallel <= 0 {
		parallel = 1
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for _, id := range semesterIDs {
		g.Go(func() error {
			if _, err := s.Get(gctx, id); err != nil {
				s.logger.Warn("warm-up failed", "semester_id", id, "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Stats returns cache counters.
func (s *GradeBookService) Stats() Stats {
	return Stats{
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
		Shared:      s.sharedCalls.Load(),
		Discarded:   s.discarded.Load(),
		Invalidated: s.invalidated.Load(),
	}
}

func (s *GradeBookService) publish(ev shared.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ev); err != nil {
		s.logger.Warn("failed to publish event", "type", ev.EventType(), "error", err)
	}
}
