package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Warmer computes grade books ahead of the first reader.
type Warmer interface {
	Warm(ctx context.Context, semesterIDs []string, parallel int) error
}

// ══════════════════════════════════════════════════════════════════════════════
// WARM CACHE JOB
// ══════════════════════════════════════════════════════════════════════════════

// WarmCacheJob recomputes the most recent semesters so readers hit a
// memoized grade book after an invalidation burst or a restart.
type WarmCacheJob struct {
	lister SemesterLister
	warmer Warmer
	logger *slog.Logger
	config WarmCacheConfig
}

// WarmCacheConfig contains configuration for the warm-up job.
type WarmCacheConfig struct {
	MaxSemesters int
	Parallel     int
	Timeout      time.Duration
}

// DefaultWarmCacheConfig returns sensible defaults.
func DefaultWarmCacheConfig() WarmCacheConfig {
	return WarmCacheConfig{
		MaxSemesters: 20,
		Parallel:     4,
		Timeout:      5 * time.Minute,
	}
}

// NewWarmCacheJob creates a new warm-up job.
func NewWarmCacheJob(lister SemesterLister, warmer Warmer, logger *slog.Logger, config WarmCacheConfig) *WarmCacheJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &WarmCacheJob{
		lister: lister,
		warmer: warmer,
		logger: logger.With("job", "warm_cache"),
		config: config,
	}
}

// Name returns the job name.
func (j *WarmCacheJob) Name() string {
	return "warm_cache"
}

// Description returns a human-readable description.
func (j *WarmCacheJob) Description() string {
	return "Precomputes grade books of the most recently updated semesters"
}

// Run executes the warm-up. Individual semester failures are logged by
// the warmer and do not fail the job.
func (j *WarmCacheJob) Run(ctx context.Context) error {
	if j.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.config.Timeout)
		defer cancel()
	}

	ids, err := j.lister.ListSemesterIDs(ctx, time.Time{})
	if err != nil {
		return fmt.Errorf("list semesters: %w", err)
	}
	if j.config.MaxSemesters > 0 && len(ids) > j.config.MaxSemesters {
		ids = ids[:j.config.MaxSemesters]
	}

	start := time.Now()
	if err := j.warmer.Warm(ctx, ids, j.config.Parallel); err != nil {
		j.logger.Warn("some semesters failed to warm", "error", err)
	}
	j.logger.Info("cache warm-up completed", "semesters", len(ids), "duration", time.Since(start))
	return ctx.Err()
}
