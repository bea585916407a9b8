package events

import (
	"encoding/json"
	"fmt"
)

// PhaseCompletedData describes a successful phase run.
type PhaseCompletedData struct {
	Phase             string `json:"phase"`
	DurationMS        int64  `json:"duration_ms"`
	AssetsCreated     int    `json:"assets_created"`
	AssetsUpdated     int    `json:"assets_updated"`
	ConflictsDetected int    `json:"conflicts_detected"`
}

// PhaseFailedData describes a phase that exhausted its retries.
type PhaseFailedData struct {
	Phase        string `json:"phase"`
	Error        string `json:"error"`
	AttemptCount int    `json:"attempt_count"`
}

// RetryScheduledData describes a pending engine retry.
type RetryScheduledData struct {
	Phase     string `json:"phase"`
	Attempt   int    `json:"attempt"`
	BackoffMS int64  `json:"backoff_ms"`
	Error     string `json:"error"`
}

// PartialResultsData describes incremental results persisted mid-phase.
type PartialResultsData struct {
	Phase           string `json:"phase"`
	AssetsPersisted int    `json:"assets_persisted"`
	HasCheckpoint   bool   `json:"has_checkpoint"`
}

// ConflictsDetectedData summarizes a detection pass.
type ConflictsDetectedData struct {
	Phase         string `json:"phase,omitempty"`
	AssetsScanned int    `json:"assets_scanned"`
	NewConflicts  int    `json:"new_conflicts"`
	AutoResolved  int    `json:"auto_resolved"`
}

// StaleDemotionData describes an orphaned active phase being demoted.
type StaleDemotionData struct {
	Phase            string `json:"phase"`
	HolderInstanceID string `json:"holder_instance_id"`
	HeartbeatAgeSecs int64  `json:"heartbeat_age_secs"`
}

// HandoffBuiltData describes a built handoff package.
type HandoffBuiltData struct {
	PackageID      string  `json:"package_id"`
	AssetCount     int     `json:"asset_count"`
	ReadinessScore float64 `json:"readiness_score"`
	Forced         bool    `json:"forced"`
}

// CleanupCompletedData summarizes a retention cycle.
type CleanupCompletedData struct {
	EventsDeleted    int   `json:"events_deleted"`
	InstancesDeleted int   `json:"instances_deleted"`
	DurationMS       int64 `json:"duration_ms"`
}

// structToMap converts a typed data struct to the generic map stored on
// the event, going through JSON so tags stay authoritative.
func structToMap(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// mapToStruct converts the generic map back into a typed data struct.
func mapToStruct(m map[string]interface{}, v interface{}) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// SetPhaseCompletedData sets the Data field with PhaseCompletedData in a type-safe way.
func (e *FlowEvent) SetPhaseCompletedData(data PhaseCompletedData) error {
	m, err := structToMap(data)
	if err != nil {
		return fmt.Errorf("failed to convert PhaseCompletedData: %w", err)
	}
	e.Data = m
	return nil
}

// GetPhaseCompletedData retrieves PhaseCompletedData from the Data field.
func (e *FlowEvent) GetPhaseCompletedData() (*PhaseCompletedData, error) {
	var data PhaseCompletedData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse PhaseCompletedData: %w", err)
	}
	return &data, nil
}

// SetPhaseFailedData sets the Data field with PhaseFailedData in a type-safe way.
func (e *FlowEvent) SetPhaseFailedData(data PhaseFailedData) error {
	m, err := structToMap(data)
	if err != nil {
		return fmt.Errorf("failed to convert PhaseFailedData: %w", err)
	}
	e.Data = m
	return nil
}

// GetPhaseFailedData retrieves PhaseFailedData from the Data field.
func (e *FlowEvent) GetPhaseFailedData() (*PhaseFailedData, error) {
	var data PhaseFailedData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse PhaseFailedData: %w", err)
	}
	return &data, nil
}

// SetRetryScheduledData sets the Data field with RetryScheduledData in a type-safe way.
func (e *FlowEvent) SetRetryScheduledData(data RetryScheduledData) error {
	m, err := structToMap(data)
	if err != nil {
		return fmt.Errorf("failed to convert RetryScheduledData: %w", err)
	}
	e.Data = m
	return nil
}

// GetRetryScheduledData retrieves RetryScheduledData from the Data field.
func (e *FlowEvent) GetRetryScheduledData() (*RetryScheduledData, error) {
	var data RetryScheduledData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse RetryScheduledData: %w", err)
	}
	return &data, nil
}

// SetPartialResultsData sets the Data field with PartialResultsData in a type-safe way.
func (e *FlowEvent) SetPartialResultsData(data PartialResultsData) error {
	m, err := structToMap(data)
	if err != nil {
		return fmt.Errorf("failed to convert PartialResultsData: %w", err)
	}
	e.Data = m
	return nil
}

// GetPartialResultsData retrieves PartialResultsData from the Data field.
func (e *FlowEvent) GetPartialResultsData() (*PartialResultsData, error) {
	var data PartialResultsData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse PartialResultsData: %w", err)
	}
	return &data, nil
}

// SetConflictsDetectedData sets the Data field with ConflictsDetectedData in a type-safe way.
func (e *FlowEvent) SetConflictsDetectedData(data ConflictsDetectedData) error {
	m, err := structToMap(data)
	if err != nil {
		return fmt.Errorf("failed to convert ConflictsDetectedData: %w", err)
	}
	e.Data = m
	return nil
}

// GetConflictsDetectedData retrieves ConflictsDetectedData from the Data field.
func (e *FlowEvent) GetConflictsDetectedData() (*ConflictsDetectedData, error) {
	var data ConflictsDetectedData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse ConflictsDetectedData: %w", err)
	}
	return &data, nil
}

// SetStaleDemotionData sets the Data field with StaleDemotionData in a type-safe way.
func (e *FlowEvent) SetStaleDemotionData(data StaleDemotionData) error {
	m, err := structToMap(data)
	if err != nil {
		return fmt.Errorf("failed to convert StaleDemotionData: %w", err)
	}
	e.Data = m
	return nil
}

// GetStaleDemotionData retrieves StaleDemotionData from the Data field.
func (e *FlowEvent) GetStaleDemotionData() (*StaleDemotionData, error) {
	var data StaleDemotionData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse StaleDemotionData: %w", err)
	}
	return &data, nil
}

// SetHandoffBuiltData sets the Data field with HandoffBuiltData in a type-safe way.
func (e *FlowEvent) SetHandoffBuiltData(data HandoffBuiltData) error {
	m, err := structToMap(data)
	if err != nil {
		return fmt.Errorf("failed to convert HandoffBuiltData: %w", err)
	}
	e.Data = m
	return nil
}

// GetHandoffBuiltData retrieves HandoffBuiltData from the Data field.
func (e *FlowEvent) GetHandoffBuiltData() (*HandoffBuiltData, error) {
	var data HandoffBuiltData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse HandoffBuiltData: %w", err)
	}
	return &data, nil
}

// SetCleanupCompletedData sets the Data field with CleanupCompletedData in a type-safe way.
func (e *FlowEvent) SetCleanupCompletedData(data CleanupCompletedData) error {
	m, err := structToMap(data)
	if err != nil {
		return fmt.Errorf("failed to convert CleanupCompletedData: %w", err)
	}
	e.Data = m
	return nil
}

// GetCleanupCompletedData retrieves CleanupCompletedData from the Data field.
func (e *FlowEvent) GetCleanupCompletedData() (*CleanupCompletedData, error) {
	var data CleanupCompletedData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse CleanupCompletedData: %w", err)
	}
	return &data, nil
}
