// Package events defines the flow telemetry model: typed progress events
// emitted by the coordinator and consumed by the polling API. Events back
// the observability surface and are subject to retention cleanup.
package events

import (
	"context"
	"time"
)

// EventType represents the kind of flow event that occurred.
type EventType string

const (
	// EventTypeFlowCreated indicates a flow was initialized
	EventTypeFlowCreated EventType = "flow_created"
	// EventTypePhaseClaimed indicates the coordinator acquired the flow lease for a phase
	EventTypePhaseClaimed EventType = "phase_claimed"
	// EventTypePhaseStarted indicates the agent engine began executing a phase
	EventTypePhaseStarted EventType = "phase_started"
	// EventTypePhaseCompleted indicates a phase finished and its results persisted
	EventTypePhaseCompleted EventType = "phase_completed"
	// EventTypePhaseFailed indicates a phase exhausted its retries and was marked failed
	EventTypePhaseFailed EventType = "phase_failed"
	// EventTypePhaseSkipped indicates an optional phase was skipped by explicit request
	EventTypePhaseSkipped EventType = "phase_skipped"
	// EventTypeRetryScheduled indicates an engine failure will be retried after backoff
	EventTypeRetryScheduled EventType = "retry_scheduled"
	// EventTypePartialResults indicates partial engine results were persisted mid-phase
	EventTypePartialResults EventType = "partial_results_persisted"
	// EventTypeConflictsDetected indicates conflict detection ran after a phase
	EventTypeConflictsDetected EventType = "conflicts_detected"
	// EventTypeConflictResolved indicates a conflict was resolved manually or automatically
	EventTypeConflictResolved EventType = "conflict_resolved"
	// EventTypeFlowResumed indicates a resume request re-entered a phase
	EventTypeFlowResumed EventType = "flow_resumed"
	// EventTypeFlowCancelled indicates the flow was cancelled
	EventTypeFlowCancelled EventType = "flow_cancelled"
	// EventTypeResultsDiscarded indicates in-flight results were dropped after cancellation
	EventTypeResultsDiscarded EventType = "results_discarded"
	// EventTypeFlowCompleted indicates every phase reached a terminal state
	EventTypeFlowCompleted EventType = "flow_completed"
	// EventTypeHandoffBuilt indicates a handoff package was built
	EventTypeHandoffBuilt EventType = "handoff_built"
	// EventTypeStaleDemotion indicates an orphaned active phase was demoted to pending
	EventTypeStaleDemotion EventType = "stale_demotion"
	// EventTypeEventCleanupCompleted indicates an event retention cycle completed
	EventTypeEventCleanupCompleted EventType = "event_cleanup_completed"
	// EventTypeInstanceCleanupCompleted indicates a coordinator instance cleanup cycle completed
	EventTypeInstanceCleanupCompleted EventType = "instance_cleanup_completed"
)

// EventSeverity indicates the importance of an event.
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityError    EventSeverity = "error"
	SeverityCritical EventSeverity = "critical"
)

// FlowEvent is one telemetry record for a flow. Data carries a typed
// payload (see data structs) serialized as JSON in storage.
type FlowEvent struct {
	ID              string                 `json:"id"`
	Type            EventType              `json:"type"`
	Timestamp       time.Time              `json:"timestamp"`
	FlowID          string                 `json:"flow_id"`
	ClientAccountID string                 `json:"client_account_id"`
	EngagementID    string                 `json:"engagement_id"`
	Phase           string                 `json:"phase,omitempty"`
	InstanceID      string                 `json:"instance_id,omitempty"`
	Severity        EventSeverity          `json:"severity"`
	Message         string                 `json:"message"`
	Data            map[string]interface{} `json:"data,omitempty"`
}

// EventFilter selects events for queries.
type EventFilter struct {
	FlowID   string
	Types    []EventType
	Severity *EventSeverity
	Since    *time.Time
	Limit    int
}

// EventStore is the interface for persisting and querying flow events.
type EventStore interface {
	AddFlowEvent(ctx context.Context, event *FlowEvent) error
	GetFlowEvents(ctx context.Context, filter EventFilter) ([]*FlowEvent, error)
}

// EventCounts holds event count statistics for retention monitoring.
type EventCounts struct {
	TotalEvents      int
	EventsByFlow     map[string]int
	EventsBySeverity map[string]int
	EventsByType     map[string]int
}
