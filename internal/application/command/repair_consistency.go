// Package command contains write operations (CQRS - Commands).
// Commands are responsible for changing the state of the system.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/gradebook/internal/domain/gradebook"
	"github.com/alem-hub/gradebook/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPAIR CONSISTENCY COMMAND
// Reconciles modules whose UE disagrees with the UE of their subject.
// The subject is the source of truth. Running the command twice is safe:
// the second run finds nothing to fix.
// ══════════════════════════════════════════════════════════════════════════════

// RepairConsistencyCommand contains the data needed to repair a semester.
type RepairConsistencyCommand struct {
	SemesterID string

	// DryRun plans the repairs without writing them.
	DryRun bool

	// CorrelationID for tracing across services.
	CorrelationID string
}

// Validate validates the command.
func (c RepairConsistencyCommand) Validate() error {
	_, err := shared.NewSemesterID(c.SemesterID)
	return err
}

// RepairConsistencyResult contains the result of a repair run.
type RepairConsistencyResult struct {
	SemesterID    string
	CorrelationID string

	// Planned lists every module move the run decided on.
	Planned []gradebook.Repair

	// Applied is the number of modules actually moved.
	Applied int

	// NothingToFix is true when the semester was already consistent.
	NothingToFix bool

	// Remaining lists warnings that cannot be repaired automatically
	// (formation mismatches, unknown references).
	Remaining []gradebook.Warning

	Invalidated bool
	DryRun      bool
	CompletedAt time.Time
}

// Message returns a one-line summary for operators.
func (r RepairConsistencyResult) Message() string {
	switch {
	case r.NothingToFix:
		return fmt.Sprintf("semester %s: nothing to fix", r.SemesterID)
	case r.DryRun:
		return fmt.Sprintf("semester %s: %d module(s) would be moved", r.SemesterID, len(r.Planned))
	default:
		return fmt.Sprintf("semester %s: %d module(s) moved", r.SemesterID, r.Applied)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES (Interfaces)
// ══════════════════════════════════════════════════════════════════════════════

// RepairStore persists module moves.
type RepairStore interface {
	// ApplyRepairs moves the modules and returns how many rows changed.
	ApplyRepairs(ctx context.Context, plan []gradebook.Repair) (int, error)
}

// Invalidator drops the computed grade book of a semester.
type Invalidator interface {
	Invalidate(ctx context.Context, semesterID string, cause shared.EventType) error
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// RepairConsistencyHandler handles the RepairConsistencyCommand.
type RepairConsistencyHandler struct {
	source      gradebook.Source
	store       RepairStore
	invalidator Invalidator
	logger      *slog.Logger
}

// NewRepairConsistencyHandler creates a new handler.
func NewRepairConsistencyHandler(
	source gradebook.Source,
	store RepairStore,
	invalidator Invalidator,
	logger *slog.Logger,
) *RepairConsistencyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RepairConsistencyHandler{
		source:      source,
		store:       store,
		invalidator: invalidator,
		logger:      logger.With("command", "repair_consistency"),
	}
}

// Handle executes the command.
func (h *RepairConsistencyHandler) Handle(ctx context.Context, cmd RepairConsistencyCommand) (*RepairConsistencyResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = uuid.NewString()
	}
	logger := h.logger.With("semester_id", cmd.SemesterID, "correlation_id", cmd.CorrelationID)

	in, err := h.source.LoadSemester(ctx, cmd.SemesterID)
	if err != nil {
		return nil, fmt.Errorf("load semester %s: %w", cmd.SemesterID, err)
	}

	result := &RepairConsistencyResult{
		SemesterID:    cmd.SemesterID,
		CorrelationID: cmd.CorrelationID,
		Planned:       gradebook.PlanRepairs(in),
		DryRun:        cmd.DryRun,
	}
	result.Remaining = gradebook.CheckConsistency(gradebook.ApplyRepairs(in, result.Planned))

	if len(result.Planned) == 0 {
		result.NothingToFix = true
		result.CompletedAt = time.Now()
		logger.Info("nothing to fix", "remaining_warnings", len(result.Remaining))
		return result, nil
	}

	if cmd.DryRun {
		result.CompletedAt = time.Now()
		logger.Info("repair planned (dry run)", "modules", len(result.Planned))
		return result, nil
	}

	result.Applied, err = h.store.ApplyRepairs(ctx, result.Planned)
	if err != nil {
		return nil, fmt.Errorf("apply repairs for %s: %w", cmd.SemesterID, err)
	}

	// Grade book must never be served from the pre-repair module graph.
	if err := h.invalidator.Invalidate(ctx, cmd.SemesterID, shared.EventRepairApplied); err != nil {
		logger.Warn("invalidation after repair incomplete", "error", err)
	} else {
		result.Invalidated = true
	}

	result.CompletedAt = time.Now()
	for _, r := range result.Planned {
		logger.Info("module moved", "module_id", r.ModuleID, "from_ue", r.FromUEID, "to_ue", r.ToUEID)
	}
	logger.Info("repair applied",
		"planned", len(result.Planned),
		"applied", result.Applied,
		"remaining_warnings", len(result.Remaining),
	)
	return result, nil
}
