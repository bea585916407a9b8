package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/cloudshift-labs/surveyor/internal/types"
)

// NewFlowEvent creates a generic flow event with an untyped data payload.
func NewFlowEvent(eventType EventType, scope types.TenantScope, flowID, phase, instanceID string, severity EventSeverity, message string, data map[string]interface{}) *FlowEvent {
	if data == nil {
		data = make(map[string]interface{})
	}
	return &FlowEvent{
		ID:              uuid.New().String(),
		Type:            eventType,
		Timestamp:       time.Now().UTC(),
		FlowID:          flowID,
		ClientAccountID: scope.ClientAccountID,
		EngagementID:    scope.EngagementID,
		Phase:           phase,
		InstanceID:      instanceID,
		Severity:        severity,
		Message:         message,
		Data:            data,
	}
}

// NewPhaseCompletedEvent creates a phase-completion event with type-safe data.
func NewPhaseCompletedEvent(scope types.TenantScope, flowID, instanceID, message string, data PhaseCompletedData) (*FlowEvent, error) {
	event := NewFlowEvent(EventTypePhaseCompleted, scope, flowID, data.Phase, instanceID, SeverityInfo, message, nil)
	if err := event.SetPhaseCompletedData(data); err != nil {
		return nil, err
	}
	return event, nil
}

// NewPhaseFailedEvent creates a phase-failure event with type-safe data.
func NewPhaseFailedEvent(scope types.TenantScope, flowID, instanceID, message string, data PhaseFailedData) (*FlowEvent, error) {
	event := NewFlowEvent(EventTypePhaseFailed, scope, flowID, data.Phase, instanceID, SeverityError, message, nil)
	if err := event.SetPhaseFailedData(data); err != nil {
		return nil, err
	}
	return event, nil
}

// NewRetryScheduledEvent creates a retry-backoff event with type-safe data.
func NewRetryScheduledEvent(scope types.TenantScope, flowID, instanceID, message string, data RetryScheduledData) (*FlowEvent, error) {
	event := NewFlowEvent(EventTypeRetryScheduled, scope, flowID, data.Phase, instanceID, SeverityWarning, message, nil)
	if err := event.SetRetryScheduledData(data); err != nil {
		return nil, err
	}
	return event, nil
}

// NewPartialResultsEvent creates a partial-persistence event with type-safe data.
func NewPartialResultsEvent(scope types.TenantScope, flowID, instanceID, message string, data PartialResultsData) (*FlowEvent, error) {
	event := NewFlowEvent(EventTypePartialResults, scope, flowID, data.Phase, instanceID, SeverityInfo, message, nil)
	if err := event.SetPartialResultsData(data); err != nil {
		return nil, err
	}
	return event, nil
}

// NewConflictsDetectedEvent creates a detection-summary event with type-safe data.
func NewConflictsDetectedEvent(scope types.TenantScope, flowID, instanceID, message string, data ConflictsDetectedData) (*FlowEvent, error) {
	event := NewFlowEvent(EventTypeConflictsDetected, scope, flowID, data.Phase, instanceID, SeverityInfo, message, nil)
	if err := event.SetConflictsDetectedData(data); err != nil {
		return nil, err
	}
	return event, nil
}

// NewStaleDemotionEvent creates a phase-demotion event with type-safe data.
func NewStaleDemotionEvent(scope types.TenantScope, flowID, instanceID, message string, data StaleDemotionData) (*FlowEvent, error) {
	event := NewFlowEvent(EventTypeStaleDemotion, scope, flowID, data.Phase, instanceID, SeverityWarning, message, nil)
	if err := event.SetStaleDemotionData(data); err != nil {
		return nil, err
	}
	return event, nil
}

// NewHandoffBuiltEvent creates a handoff-package event with type-safe data.
func NewHandoffBuiltEvent(scope types.TenantScope, flowID, instanceID, message string, data HandoffBuiltData) (*FlowEvent, error) {
	event := NewFlowEvent(EventTypeHandoffBuilt, scope, flowID, "", instanceID, SeverityInfo, message, nil)
	if err := event.SetHandoffBuiltData(data); err != nil {
		return nil, err
	}
	return event, nil
}

// NewCleanupCompletedEvent creates a retention-cycle event with type-safe data.
func NewCleanupCompletedEvent(scope types.TenantScope, flowID, instanceID, message string, data CleanupCompletedData) (*FlowEvent, error) {
	event := NewFlowEvent(EventTypeEventCleanupCompleted, scope, flowID, "", instanceID, SeverityInfo, message, nil)
	if err := event.SetCleanupCompletedData(data); err != nil {
		return nil, err
	}
	return event, nil
}
