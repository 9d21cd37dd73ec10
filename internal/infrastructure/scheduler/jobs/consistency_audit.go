// Package jobs contains the scheduled jobs of the gradebook engine.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/gradebook/internal/domain/gradebook"
)

// SemesterLister lists known semesters, most recently updated first.
type SemesterLister interface {
	ListSemesterIDs(ctx context.Context, updatedSince time.Time) ([]string, error)
}

// Locker takes a cluster-wide lock so only one instance runs a job.
type Locker interface {
	TryLock(ctx context.Context, resource string, ttl time.Duration) (bool, func(), error)
}

// ══════════════════════════════════════════════════════════════════════════════
// CONSISTENCY AUDIT JOB
// ══════════════════════════════════════════════════════════════════════════════

// ConsistencyAuditJob loads every semester, runs the consistency checks
// and logs what it finds, including the repairs that would apply.
// It never writes.
type ConsistencyAuditJob struct {
	lister SemesterLister
	source gradebook.Source
	locker Locker
	logger *slog.Logger
	config ConsistencyAuditConfig

	lastStats atomic.Pointer[AuditStats]
}

// ConsistencyAuditConfig contains configuration for the audit job.
type ConsistencyAuditConfig struct {
	// MaxSemesters caps how many of the most recent semesters are audited (0 = all).
	MaxSemesters int

	// Timeout is the maximum duration of one run.
	Timeout time.Duration

	LockTTL time.Duration
}

// DefaultConsistencyAuditConfig returns sensible defaults.
func DefaultConsistencyAuditConfig() ConsistencyAuditConfig {
	return ConsistencyAuditConfig{
		MaxSemesters: 0,
		Timeout:      10 * time.Minute,
		LockTTL:      15 * time.Minute,
	}
}

// AuditStats contains statistics from an audit run.
type AuditStats struct {
	RunID            string
	StartedAt        time.Time
	Duration         time.Duration
	Skipped          bool
	SemestersChecked int
	SemestersFailed  int
	Warnings         int
	RepairsPlanned   int
	ByKind           map[gradebook.WarningKind]int
}

// NewConsistencyAuditJob creates a new audit job. locker may be nil.
func NewConsistencyAuditJob(
	lister SemesterLister,
	source gradebook.Source,
	locker Locker,
	logger *slog.Logger,
	config ConsistencyAuditConfig,
) *ConsistencyAuditJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsistencyAuditJob{
		lister: lister,
		source: source,
		locker: locker,
		logger: logger.With("job", "consistency_audit"),
		config: config,
	}
}

// Name returns the job name.
func (j *ConsistencyAuditJob) Name() string {
	return "consistency_audit"
}

// Description returns a human-readable description.
func (j *ConsistencyAuditJob) Description() string {
	return "Checks the module graph of every semester and reports planned repairs"
}

// Run executes the audit.
func (j *ConsistencyAuditJob) Run(ctx context.Context) error {
	stats := &AuditStats{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		ByKind:    make(map[gradebook.WarningKind]int),
	}
	defer func() {
		stats.Duration = time.Since(stats.StartedAt)
		j.lastStats.Store(stats)
	}()

	if j.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.config.Timeout)
		defer cancel()
	}

	if j.locker != nil {
		ok, release, err := j.locker.TryLock(ctx, j.Name(), j.config.LockTTL)
		if err != nil {
			j.logger.Warn("audit lock unavailable, running anyway", "error", err)
		} else if !ok {
			stats.Skipped = true
			j.logger.Info("audit already running on another instance")
			return nil
		}
		defer release()
	}

	ids, err := j.lister.ListSemesterIDs(ctx, time.Time{})
	if err != nil {
		return fmt.Errorf("list semesters: %w", err)
	}
	if j.config.MaxSemesters > 0 && len(ids) > j.config.MaxSemesters {
		ids = ids[:j.config.MaxSemesters]
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		j.auditSemester(ctx, id, stats)
	}

	j.logger.Info("consistency audit completed",
		"run_id", stats.RunID,
		"semesters", stats.SemestersChecked,
		"failed", stats.SemestersFailed,
		"warnings", stats.Warnings,
		"repairs_planned", stats.RepairsPlanned,
	)
	return nil
}

func (j *ConsistencyAuditJob) auditSemester(ctx context.Context, semesterID string, stats *AuditStats) {
	in, err := j.source.LoadSemester(ctx, semesterID)
	if err != nil {
		stats.SemestersFailed++
		j.logger.Warn("failed to load semester", "semester_id", semesterID, "error", err)
		return
	}
	stats.SemestersChecked++

	warnings := gradebook.CheckConsistency(in)
	for _, w := range warnings {
		stats.ByKind[w.Kind]++
		j.logger.Warn("consistency warning",
			"semester_id", semesterID,
			"kind", w.Kind,
			"entity_id", w.EntityID,
			"message", w.Message,
		)
	}
	stats.Warnings += len(warnings)

	plan := gradebook.PlanRepairs(in)
	stats.RepairsPlanned += len(plan)
	for _, r := range plan {
		j.logger.Info("repair available",
			"semester_id", semesterID,
			"module_id", r.ModuleID,
			"from_ue", r.FromUEID,
			"to_ue", r.ToUEID,
		)
	}
}

// LastStats returns statistics of the previous run, or nil.
func (j *ConsistencyAuditJob) LastStats() *AuditStats {
	return j.lastStats.Load()
}
