package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alem-hub/gradebook/internal/domain/shared"
	"github.com/alem-hub/gradebook/pkg/retry"
)

// ChangeChannel is the NOTIFY channel raised by the gradebook triggers.
const ChangeChannel = "gradebook_changes"

// ══════════════════════════════════════════════════════════════════════════════
// NOTIFICATION PAYLOAD
// ══════════════════════════════════════════════════════════════════════════════

// ChangeNotification is the JSON payload sent by gradebook_notify_change().
type ChangeNotification struct {
	Table      string `json:"table"`
	Op         string `json:"op"`
	SemesterID string `json:"semester_id"`
	EntityID   string `json:"entity_id"`
}

// ParseNotification decodes a notification payload.
func ParseNotification(payload string) (ChangeNotification, error) {
	var n ChangeNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return n, fmt.Errorf("invalid change notification: %w", err)
	}
	if n.Table == "" {
		return n, errors.New("invalid change notification: missing table")
	}
	return n, nil
}

// EventType maps the changed table to the domain event it represents.
func (n ChangeNotification) EventType() shared.EventType {
	switch n.Table {
	case "grades":
		return shared.EventGradeEntered
	case "evaluations":
		return shared.EventEvaluationChanged
	case "semester_ue_settings":
		return shared.EventCoefficientChanged
	case "module_impls":
		if n.Op == "UPDATE" {
			return shared.EventFormulaEdited
		}
		return shared.EventStructureChanged
	case "inscriptions", "module_enrollments", "students":
		return shared.EventEnrollmentChanged
	case "capitalizations":
		return shared.EventCapitalizationUpdated
	case "jury_decisions":
		return shared.EventJuryDecisionRecorded
	case "semesters":
		return shared.EventPreferenceToggled
	default:
		return shared.EventStructureChanged
	}
}

// Event converts the notification to a domain event. An empty SemesterID
// means every semester is affected.
func (n ChangeNotification) Event() shared.UpstreamChangedEvent {
	return shared.NewUpstreamChangedEvent(n.EventType(), n.SemesterID, n.Table, n.EntityID)
}

// ══════════════════════════════════════════════════════════════════════════════
// LISTENER
// ══════════════════════════════════════════════════════════════════════════════

// ChangeListener turns PostgreSQL notifications into upstream change events.
type ChangeListener struct {
	conn      *Connection
	publisher shared.EventPublisher
	logger    *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewChangeListener creates a new ChangeListener.
func NewChangeListener(conn *Connection, publisher shared.EventPublisher, logger *slog.Logger) *ChangeListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeListener{
		conn:       conn,
		publisher:  publisher,
		logger:     logger.With("component", "change_listener"),
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
}

// Run listens until ctx is cancelled, reconnecting on failure.
// Notifications may be lost while disconnected, so every reconnect
// publishes a change for all semesters.
func (l *ChangeListener) Run(ctx context.Context) error {
	first := true
	retry.Reconnect(ctx, l.minBackoff, l.maxBackoff,
		func(ctx context.Context, established func()) error {
			resync := !first
			first = false
			return l.listen(ctx, resync, established)
		},
		func(err error, wait time.Duration) {
			l.logger.Warn("listener disconnected", "error", err, "retry_in", wait)
		},
	)
	return nil
}

func (l *ChangeListener) listen(ctx context.Context, resync bool, established func()) error {
	c, err := l.conn.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	defer c.Release()

	if _, err := c.Exec(ctx, "LISTEN "+ChangeChannel); err != nil {
		return fmt.Errorf("listen %s: %w", ChangeChannel, err)
	}
	l.logger.Info("listening for changes", "channel", ChangeChannel)
	established()

	if resync {
		l.publish(shared.NewUpstreamChangedEvent(shared.EventStructureChanged, "", "", ""))
	}

	for {
		n, err := c.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.Handle(n.Payload)
	}
}

// Handle processes one notification payload.
func (l *ChangeListener) Handle(payload string) {
	n, err := ParseNotification(payload)
	if err != nil {
		l.logger.Warn("dropping notification", "payload", payload, "error", err)
		return
	}
	l.publish(n.Event())
}

func (l *ChangeListener) publish(ev shared.UpstreamChangedEvent) {
	if err := l.publisher.Publish(ev); err != nil {
		l.logger.Error("failed to publish change event",
			"type", ev.EventType(),
			"semester_id", ev.SemesterID,
			"error", err,
		)
	}
}
