// Package shared contains common domain types, errors and events
// that are used across all domain packages.
package shared

import (
	"encoding/json"
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Upstream change events. Every one of them makes the computed grade book
// of the affected semester stale.
const (
	EventGradeEntered          EventType = "grades.grade_entered"
	EventEvaluationChanged     EventType = "grades.evaluation_changed"
	EventCoefficientChanged    EventType = "structure.coefficient_changed"
	EventStructureChanged      EventType = "structure.changed"
	EventEnrollmentChanged     EventType = "enrollment.changed"
	EventCapitalizationUpdated EventType = "jury.capitalization_updated"
	EventJuryDecisionRecorded  EventType = "jury.decision_recorded"
	EventFormulaEdited         EventType = "formula.edited"
	EventPreferenceToggled     EventType = "preferences.toggled"

	// Emitted by the engine itself.
	EventGradeBookComputed    EventType = "gradebook.computed"
	EventGradeBookInvalidated EventType = "gradebook.invalidated"
	EventRepairApplied        EventType = "gradebook.repair_applied"
	EventManualInvalidation   EventType = "gradebook.manual_invalidation"
)

// UpstreamEventTypes lists the events that invalidate a semester's grade book.
func UpstreamEventTypes() []EventType {
	return []EventType{
		EventGradeEntered,
		EventEvaluationChanged,
		EventCoefficientChanged,
		EventStructureChanged,
		EventEnrollmentChanged,
		EventCapitalizationUpdated,
		EventJuryDecisionRecorded,
		EventFormulaEdited,
		EventPreferenceToggled,
	}
}

// IsUpstream reports whether the event type invalidates computed grade books.
func (t EventType) IsUpstream() bool {
	for _, u := range UpstreamEventTypes() {
		if u == t {
			return true
		}
	}
	return false
}

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	// For grade book events this is always the semester id.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now(),
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Upstream change
// ═══════════════════════════════════════════════════════════════════════════

// UpstreamChangedEvent is emitted when a fact the grade book depends on changed.
type UpstreamChangedEvent struct {
	BaseEvent
	SemesterID string `json:"semester_id"`
	Table      string `json:"table,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
}

// Payload implements Event interface.
func (e UpstreamChangedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"semester_id": e.SemesterID,
		"table":       e.Table,
		"entity_id":   e.EntityID,
	}
}

// NewUpstreamChangedEvent creates an UpstreamChangedEvent.
func NewUpstreamChangedEvent(eventType EventType, semesterID, table, entityID string) UpstreamChangedEvent {
	return UpstreamChangedEvent{
		BaseEvent:  NewBaseEvent(eventType, semesterID),
		SemesterID: semesterID,
		Table:      table,
		EntityID:   entityID,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Grade book lifecycle
// ═══════════════════════════════════════════════════════════════════════════

// GradeBookComputedEvent is emitted after a fresh computation.
type GradeBookComputedEvent struct {
	BaseEvent
	SemesterID   string        `json:"semester_id"`
	Students     int           `json:"students"`
	ConfigErrors int           `json:"config_errors"`
	Warnings     int           `json:"warnings"`
	Duration     time.Duration `json:"duration"`
	Digest       string        `json:"digest"`
}

// Payload implements Event interface.
func (e GradeBookComputedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"semester_id":   e.SemesterID,
		"students":      e.Students,
		"config_errors": e.ConfigErrors,
		"warnings":      e.Warnings,
		"duration_ms":   e.Duration.Milliseconds(),
		"digest":        e.Digest,
	}
}

// NewGradeBookComputedEvent creates a GradeBookComputedEvent.
func NewGradeBookComputedEvent(semesterID string, students, configErrors, warnings int, d time.Duration, digest string) GradeBookComputedEvent {
	return GradeBookComputedEvent{
		BaseEvent:    NewBaseEvent(EventGradeBookComputed, semesterID),
		SemesterID:   semesterID,
		Students:     students,
		ConfigErrors: configErrors,
		Warnings:     warnings,
		Duration:     d,
		Digest:       digest,
	}
}

// GradeBookInvalidatedEvent is emitted when a memoized grade book is dropped.
// An empty SemesterID means every semester was dropped.
type GradeBookInvalidatedEvent struct {
	BaseEvent
	SemesterID string    `json:"semester_id"`
	Cause      EventType `json:"cause,omitempty"`
	Generation uint64    `json:"generation"`
}

// Payload implements Event interface.
func (e GradeBookInvalidatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"semester_id": e.SemesterID,
		"cause":       string(e.Cause),
		"generation":  e.Generation,
	}
}

// NewGradeBookInvalidatedEvent creates a GradeBookInvalidatedEvent.
func NewGradeBookInvalidatedEvent(semesterID string, cause EventType, generation uint64) GradeBookInvalidatedEvent {
	return GradeBookInvalidatedEvent{
		BaseEvent:  NewBaseEvent(EventGradeBookInvalidated, semesterID),
		SemesterID: semesterID,
		Cause:      cause,
		Generation: generation,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Event Envelope (for serialization and transport)
// ═══════════════════════════════════════════════════════════════════════════

// EventEnvelope wraps an event for transport/storage.
type EventEnvelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
