package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a state-change event published by the core.
type EventType string

const (
	EventTaskCreated          EventType = "task.created"
	EventTaskReady            EventType = "task.ready"
	EventTaskDispatched       EventType = "task.dispatched"
	EventTaskDone             EventType = "task.done"
	EventTaskFailed           EventType = "task.failed"
	EventTaskBlocked          EventType = "task.blocked"
	EventDiscoveryAccepted    EventType = "discovery.accepted"
	EventDiscoveryRejected    EventType = "discovery.rejected"
	EventInterventionIssued   EventType = "intervention.issued"
	EventInterventionResolved EventType = "intervention.resolved"
	EventAttemptStuck         EventType = "attempt.stuck"
	EventPhaseTransition      EventType = "phase.transitioned"
	EventPhaseGateFailed      EventType = "phase.gate_failed"
	EventCoherenceConflict    EventType = "coherence.conflict"
	EventCoherenceCycle       EventType = "coherence.cycle"
	EventMergeCompleted       EventType = "merge.completed"
	EventMergeConflict        EventType = "merge.conflict"
	EventSpecCompleted        EventType = "spec.completed"
	EventSpecFailed           EventType = "spec.failed"
)

// Event is a state-change notification published to the event bus.
// Publishing is a pure side effect: the core consumes nothing back.
type Event struct {
	ID         uuid.UUID         `json:"id"`
	Type       EventType         `json:"type"`
	SpecID     uuid.UUID         `json:"spec_id"`
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Payload    map[string]string `json:"payload,omitempty"`
	At         time.Time         `json:"at"`
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(t EventType, specID uuid.UUID, entityType, entityID string, payload map[string]string) Event {
	return Event{
		ID:         uuid.New(),
		Type:       t,
		SpecID:     specID,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		At:         time.Now().UTC(),
	}
}
