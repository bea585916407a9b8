package types

import (
	"fmt"
	"time"
)

// PhaseStatus represents the state of one phase record within a flow
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseActive    PhaseStatus = "active"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	PhaseSkipped   PhaseStatus = "skipped"
)

// IsValid checks if the phase status value is valid
func (p PhaseStatus) IsValid() bool {
	switch p {
	case PhasePending, PhaseActive, PhaseCompleted, PhaseFailed, PhaseSkipped:
		return true
	}
	return false
}

// IsTerminal returns true once a phase needs no further execution
func (p PhaseStatus) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseSkipped
}

// ValidTransitions returns the set of states this status may move to.
// active → pending is the stale-demotion path: an active phase whose lease
// has no live holder is demoted and re-entered normally. failed → pending
// is the retry path, re-entering from the rollback snapshot.
func (p PhaseStatus) ValidTransitions() []PhaseStatus {
	switch p {
	case PhasePending:
		return []PhaseStatus{PhaseActive, PhaseSkipped}
	case PhaseActive:
		return []PhaseStatus{PhaseCompleted, PhaseFailed, PhasePending, PhaseSkipped}
	case PhaseFailed:
		return []PhaseStatus{PhasePending}
	case PhaseCompleted, PhaseSkipped:
		return nil
	default:
		return nil
	}
}

// CanTransitionTo checks if a transition to the target status is legal
func (p PhaseStatus) CanTransitionTo(target PhaseStatus) bool {
	for _, s := range p.ValidTransitions() {
		if s == target {
			return true
		}
	}
	return false
}

// PhaseRecord is one phase of one flow. Order defines the canonical
// execution sequence; a phase may only become active when every
// lower-order phase is completed or skipped.
type PhaseRecord struct {
	FlowID           string      `json:"flow_id"`
	Phase            string      `json:"phase"`
	Order            int         `json:"order"`
	Status           PhaseStatus `json:"status"`
	RollbackSnapshot string      `json:"rollback_snapshot,omitempty"`
	Checkpoint       string      `json:"checkpoint,omitempty"`
	AttemptCount     int         `json:"attempt_count"`
	ErrorMessage     string      `json:"error_message,omitempty"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
}

// Validate checks that the phase record has all required fields
func (pr *PhaseRecord) Validate() error {
	if pr.FlowID == "" {
		return fmt.Errorf("flow id is required")
	}
	if pr.Phase == "" {
		return fmt.Errorf("phase name is required")
	}
	if pr.Order < 0 {
		return fmt.Errorf("order cannot be negative (got %d)", pr.Order)
	}
	if !pr.Status.IsValid() {
		return fmt.Errorf("invalid phase status: %s", pr.Status)
	}
	return nil
}

// Canonical phase names for the discovery sequence
const (
	PhaseImportInventory     = "import_inventory"
	PhaseFieldMapping        = "field_mapping"
	PhaseDataCleansing       = "data_cleansing"
	PhaseAssetInventory      = "asset_inventory"
	PhaseDependencyAnalysis  = "dependency_analysis"
	PhaseTechDebtAnalysis    = "tech_debt_analysis"
	PhaseReadinessAssessment = "readiness_assessment"
)

// PhaseDefinition describes one phase in a plan: its position, whether a
// flow may skip it, and whether completing it pauses the flow for an
// explicit approval before the next phase may run.
type PhaseDefinition struct {
	Name             string `json:"name" yaml:"name"`
	Order            int    `json:"order" yaml:"order"`
	Optional         bool   `json:"optional" yaml:"optional"`
	RequiresApproval bool   `json:"requires_approval" yaml:"requires_approval"`
}

// PhasePlan is the ordered phase sequence a flow executes. Plans are
// immutable after flow creation; phase records are seeded from the plan.
type PhasePlan struct {
	Phases []PhaseDefinition `json:"phases" yaml:"phases"`
}

// DefaultPhasePlan returns the built-in discovery sequence
func DefaultPhasePlan() *PhasePlan {
	return &PhasePlan{Phases: []PhaseDefinition{
		{Name: PhaseImportInventory, Order: 0},
		{Name: PhaseFieldMapping, Order: 1},
		{Name: PhaseDataCleansing, Order: 2},
		{Name: PhaseAssetInventory, Order: 3},
		{Name: PhaseDependencyAnalysis, Order: 4},
		{Name: PhaseTechDebtAnalysis, Order: 5, Optional: true},
		{Name: PhaseReadinessAssessment, Order: 6, RequiresApproval: true},
	}}
}

// Validate checks plan consistency: at least one phase, unique names, and
// orders forming a contiguous ascending sequence starting at zero
func (p *PhasePlan) Validate() error {
	if len(p.Phases) == 0 {
		return fmt.Errorf("plan must define at least one phase")
	}
	seen := make(map[string]bool, len(p.Phases))
	for i, def := range p.Phases {
		if def.Name == "" {
			return fmt.Errorf("phase %d has no name", i)
		}
		if seen[def.Name] {
			return fmt.Errorf("duplicate phase name: %s", def.Name)
		}
		seen[def.Name] = true
		if def.Order != i {
			return fmt.Errorf("phase %s out of sequence: order %d at position %d", def.Name, def.Order, i)
		}
	}
	return nil
}

// Find returns the definition for a phase name, or nil if the plan does
// not contain it
func (p *PhasePlan) Find(name string) *PhaseDefinition {
	for i := range p.Phases {
		if p.Phases[i].Name == name {
			return &p.Phases[i]
		}
	}
	return nil
}

// First returns the entry phase of the plan
func (p *PhasePlan) First() string {
	if len(p.Phases) == 0 {
		return ""
	}
	return p.Phases[0].Name
}

// After returns the phase following the named one, or "" at the end of
// the plan
func (p *PhasePlan) After(name string) string {
	for i := range p.Phases {
		if p.Phases[i].Name == name && i+1 < len(p.Phases) {
			return p.Phases[i+1].Name
		}
	}
	return ""
}

// MandatoryPhases returns the names of all non-optional phases in order
func (p *PhasePlan) MandatoryPhases() []string {
	var names []string
	for _, def := range p.Phases {
		if !def.Optional {
			names = append(names, def.Name)
		}
	}
	return names
}

// NextPendingPhase returns the name of the first phase, in ascending
// order, that is not completed or skipped. It is a pure function of the
// records passed in; resume targeting is derived from it and nothing
// else. Returns "" when every phase is terminal.
func NextPendingPhase(records []*PhaseRecord) string {
	var next *PhaseRecord
	for _, rec := range records {
		if rec.Status.IsTerminal() {
			continue
		}
		if next == nil || rec.Order < next.Order {
			next = rec
		}
	}
	if next == nil {
		return ""
	}
	return next.Phase
}

// ActivePhase returns the currently active record, or nil when no phase
// is active. The single-active-phase invariant means at most one exists.
func ActivePhase(records []*PhaseRecord) *PhaseRecord {
	for _, rec := range records {
		if rec.Status == PhaseActive {
			return rec
		}
	}
	return nil
}

// CanActivate reports whether the named phase may legally become active:
// the record must be pending, no other phase may be active, and every
// lower-order phase must be completed or skipped.
func CanActivate(records []*PhaseRecord, name string) error {
	var target *PhaseRecord
	for _, rec := range records {
		if rec.Phase == name {
			target = rec
			break
		}
	}
	if target == nil {
		return fmt.Errorf("phase %s not part of this flow", name)
	}
	if target.Status != PhasePending {
		return fmt.Errorf("phase %s is %s, not pending", name, target.Status)
	}
	for _, rec := range records {
		if rec.Status == PhaseActive {
			return fmt.Errorf("phase %s is already active", rec.Phase)
		}
		if rec.Order < target.Order && !rec.Status.IsTerminal() {
			return fmt.Errorf("phase %s (order %d) must complete before %s", rec.Phase, rec.Order, name)
		}
	}
	return nil
}
