// Package types defines the core data model shared by all surveyor components:
// flows, phase records, assets, conflicts, handoff packages, leases, and the
// audit trail. Storage backends persist these types; the coordinator and the
// API layer exchange them.
package types

import (
	"fmt"
	"time"
)

// TenantScope identifies the tenant a record belongs to. Both identifiers are
// mandatory and always travel together; every storage call is scoped by one.
type TenantScope struct {
	ClientAccountID string `json:"client_account_id"`
	EngagementID    string `json:"engagement_id"`
}

// Validate checks that the scope is fully specified
func (s TenantScope) Validate() error {
	if s.ClientAccountID == "" {
		return fmt.Errorf("client account id is required")
	}
	if s.EngagementID == "" {
		return fmt.Errorf("engagement id is required")
	}
	return nil
}

func (s TenantScope) String() string {
	return s.ClientAccountID + "/" + s.EngagementID
}

// FlowStatus represents the lifecycle state of a discovery flow
type FlowStatus string

const (
	FlowInitialized       FlowStatus = "initialized"
	FlowRunning           FlowStatus = "running"
	FlowPausedForApproval FlowStatus = "paused_for_approval"
	FlowCompleted         FlowStatus = "completed"
	FlowFailed            FlowStatus = "failed"
	FlowCancelled         FlowStatus = "cancelled"
)

// IsValid checks if the flow status value is valid
func (f FlowStatus) IsValid() bool {
	switch f {
	case FlowInitialized, FlowRunning, FlowPausedForApproval,
		FlowCompleted, FlowFailed, FlowCancelled:
		return true
	}
	return false
}

// IsTerminal returns true for states a flow never leaves on its own.
// A failed flow is terminal for resume purposes; Retry is its only exit.
func (f FlowStatus) IsTerminal() bool {
	switch f {
	case FlowCompleted, FlowFailed, FlowCancelled:
		return true
	}
	return false
}

// ValidTransitions returns the set of states this status may move to
func (f FlowStatus) ValidTransitions() []FlowStatus {
	switch f {
	case FlowInitialized:
		return []FlowStatus{FlowRunning, FlowCancelled}
	case FlowRunning:
		return []FlowStatus{FlowPausedForApproval, FlowCompleted, FlowFailed, FlowCancelled}
	case FlowPausedForApproval:
		return []FlowStatus{FlowRunning, FlowCancelled}
	case FlowFailed:
		// Retry path only
		return []FlowStatus{FlowRunning}
	case FlowCompleted, FlowCancelled:
		return nil
	default:
		return nil
	}
}

// CanTransitionTo checks if a transition to the target status is legal
func (f FlowStatus) CanTransitionTo(target FlowStatus) bool {
	for _, s := range f.ValidTransitions() {
		if s == target {
			return true
		}
	}
	return false
}

// PhaseCompletion is one entry of a flow's ordered phase-completion map.
// Slice position is execution order; serializing as an array keeps the
// order stable across storage round-trips.
type PhaseCompletion struct {
	Phase     string `json:"phase"`
	Completed bool   `json:"completed"`
}

// Flow is one tenant's discovery run. The flow id is the sole external
// reference key; there is no parallel session identifier.
type Flow struct {
	ID                 string            `json:"id"`
	ClientAccountID    string            `json:"client_account_id"`
	EngagementID       string            `json:"engagement_id"`
	Status             FlowStatus        `json:"status"`
	CurrentPhase       string            `json:"current_phase"`
	NextPhase          string            `json:"next_phase,omitempty"`
	PhaseCompletion    []PhaseCompletion `json:"phase_completion"`
	ProgressPercentage int               `json:"progress_percentage"`
	RawPayloadRef      string            `json:"raw_payload_ref"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	Version            int               `json:"version"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	DeletedAt          *time.Time        `json:"deleted_at,omitempty"`
	DeletedBy          string            `json:"deleted_by,omitempty"`
}

// Scope returns the flow's tenant scope
func (f *Flow) Scope() TenantScope {
	return TenantScope{ClientAccountID: f.ClientAccountID, EngagementID: f.EngagementID}
}

// IsDeleted reports whether the flow has been soft-deleted
func (f *Flow) IsDeleted() bool {
	return f.DeletedAt != nil
}

// Validate checks that the flow has all required fields
func (f *Flow) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("flow id is required")
	}
	if err := f.Scope().Validate(); err != nil {
		return err
	}
	if !f.Status.IsValid() {
		return fmt.Errorf("invalid flow status: %s", f.Status)
	}
	if f.Version < 1 {
		return fmt.Errorf("version must be positive (got %d)", f.Version)
	}
	if f.ProgressPercentage < 0 || f.ProgressPercentage > 100 {
		return fmt.Errorf("progress percentage must be 0-100 (got %d)", f.ProgressPercentage)
	}
	return nil
}

// CompletedCount returns how many phases are marked complete
func (f *Flow) CompletedCount() int {
	n := 0
	for _, pc := range f.PhaseCompletion {
		if pc.Completed {
			n++
		}
	}
	return n
}

// SetPhaseCompleted flips the completion flag for a phase, appending the
// entry if the phase is not yet tracked
func (f *Flow) SetPhaseCompleted(phase string, completed bool) {
	for i := range f.PhaseCompletion {
		if f.PhaseCompletion[i].Phase == phase {
			f.PhaseCompletion[i].Completed = completed
			return
		}
	}
	f.PhaseCompletion = append(f.PhaseCompletion, PhaseCompletion{Phase: phase, Completed: completed})
}

// InstanceStatus represents the lifecycle state of a coordinator instance
type InstanceStatus string

const (
	InstanceRunning  InstanceStatus = "running"
	InstanceStopping InstanceStatus = "stopping"
	InstanceStopped  InstanceStatus = "stopped"
)

// IsValid checks if the instance status value is valid
func (s InstanceStatus) IsValid() bool {
	switch s {
	case InstanceRunning, InstanceStopping, InstanceStopped:
		return true
	}
	return false
}

// CoordinatorInstance tracks a running coordinator process for lease
// liveness decisions and stale-instance cleanup
type CoordinatorInstance struct {
	InstanceID    string         `json:"instance_id"`
	Hostname      string         `json:"hostname"`
	PID           int            `json:"pid"`
	Status        InstanceStatus `json:"status"`
	StartedAt     time.Time      `json:"started_at"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	Version       string         `json:"version,omitempty"`
}

// Validate checks that the instance has all required fields
func (ci *CoordinatorInstance) Validate() error {
	if ci.InstanceID == "" {
		return fmt.Errorf("instance id is required")
	}
	if ci.Hostname == "" {
		return fmt.Errorf("hostname is required")
	}
	if ci.PID <= 0 {
		return fmt.Errorf("pid must be positive (got %d)", ci.PID)
	}
	if !ci.Status.IsValid() {
		return fmt.Errorf("invalid instance status: %s", ci.Status)
	}
	return nil
}

// Lease is the exclusive execution right over a flow's active phase.
// At most one lease exists per flow; acquisition races are settled by a
// uniqueness constraint in storage.
type Lease struct {
	FlowID           string    `json:"flow_id"`
	HolderInstanceID string    `json:"holder_instance_id"`
	Phase            string    `json:"phase"`
	AcquiredAt       time.Time `json:"acquired_at"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// IsExpired reports whether the lease has passed its expiry
func (l *Lease) IsExpired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// AuditAction classifies audit-trail entries
type AuditAction string

const (
	AuditFlowCreated      AuditAction = "flow_created"
	AuditFlowUpdated      AuditAction = "flow_updated"
	AuditFlowDeleted      AuditAction = "flow_deleted"
	AuditFlowCancelled    AuditAction = "flow_cancelled"
	AuditHandoffBuilt     AuditAction = "handoff_built"
	AuditHandoffForced    AuditAction = "handoff_forced"
	AuditConflictResolved AuditAction = "conflict_resolved"
	AuditLeaseRevoked     AuditAction = "lease_revoked"
)

// AuditEntry records one mutation for the audit trail. Audit entries are
// retained even after the flow they describe is deleted.
type AuditEntry struct {
	ID              int64       `json:"id"`
	FlowID          string      `json:"flow_id"`
	ClientAccountID string      `json:"client_account_id"`
	EngagementID    string      `json:"engagement_id"`
	Action          AuditAction `json:"action"`
	Actor           string      `json:"actor"`
	BeforeDigest    string      `json:"before_digest,omitempty"`
	AfterDigest     string      `json:"after_digest,omitempty"`
	Comment         string      `json:"comment,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// DeletionSummary reports what a cascading flow deletion removed
type DeletionSummary struct {
	FlowID           string `json:"flow_id"`
	AssetsDeleted    int    `json:"assets_deleted"`
	ConflictsDeleted int    `json:"conflicts_deleted"`
	PhasesDeleted    int    `json:"phases_deleted"`
	EventsDeleted    int    `json:"events_deleted"`
	LeaseRevoked     bool   `json:"lease_revoked"`
	DurationMS       int64  `json:"duration_ms"`
}

// TenantSettings holds per-tenant orchestrator policy. Auto-resolution of
// low-severity conflicts is off unless a tenant explicitly opts in.
type TenantSettings struct {
	ClientAccountID      string    `json:"client_account_id"`
	EngagementID         string    `json:"engagement_id"`
	AutoResolveConflicts bool      `json:"auto_resolve_conflicts"`
	UpdatedAt            time.Time `json:"updated_at"`
}
