// Package events provides the outbound event system for canonflow. Every
// orchestrator decision, resolution outcome, and materialization change is
// published as an event so observability consumers and downstream
// projections can follow the pipeline without touching its storage.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type represents the kind of pipeline event.
type Type string

// Event types emitted by the pipeline.
const (
	// Decision events (one per orchestrator invocation).
	DecisionContinue Type = "decision.continue"
	DecisionSkip     Type = "decision.skip"
	DecisionPark     Type = "decision.park"

	// Resolution events (from the background resolution service).
	EntryResolved     Type = "parking.resolved"
	EntryDeadLettered Type = "parking.deadlettered"

	// Materialization events.
	RecordMaterialized Type = "record.materialized"
	MaterializeFault   Type = "materialize.fault"
)

// Event is one pipeline event with identity, timestamp, and payload.
type Event struct {
	ID          string    `json:"id"`
	Type        Type      `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	EntityType  string    `json:"entity_type,omitempty"`
	CanonicalID string    `json:"canonical_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Data        any       `json:"data,omitempty"`
}

// New creates an event with a fresh id and timestamp.
func New(eventType Type, entityType, canonicalID, reason string, data any) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		EntityType:  entityType,
		CanonicalID: canonicalID,
		Reason:      reason,
		Data:        data,
	}
}

// Publisher is the narrow outbound contract the pipeline components hold.
type Publisher interface {
	Publish(event Event)
}

// Subscriber receives events from a broker.
type Subscriber interface {
	// Send delivers an event to the subscriber. Implementations should not
	// block; slow consumers are reported, not waited on.
	Send(event Event) error

	// Close releases the subscriber's resources.
	Close() error
}

// NopPublisher discards all events. Useful as a default and in tests.
type NopPublisher struct{}

// Publish discards the event.
func (NopPublisher) Publish(Event) {}
