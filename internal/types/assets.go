package types

import (
	"fmt"
	"time"
)

// SourceKind tags where a provenance observation came from. Unrecognized
// sources are preserved under SourceUnknown rather than rejected, so the
// orchestrator boundary never carries an untyped payload.
type SourceKind string

const (
	SourceRawImport       SourceKind = "raw_import"
	SourceAgentNormalized SourceKind = "agent_normalized"
	SourceQuestionnaire   SourceKind = "questionnaire"
	SourceUnknown         SourceKind = "unknown"
)

// IsValid checks if the source kind value is valid
func (k SourceKind) IsValid() bool {
	switch k {
	case SourceRawImport, SourceAgentNormalized, SourceQuestionnaire, SourceUnknown:
		return true
	}
	return false
}

// ParseSourceKind maps an arbitrary source label onto a known kind,
// falling back to SourceUnknown
func ParseSourceKind(s string) SourceKind {
	k := SourceKind(s)
	if k.IsValid() {
		return k
	}
	return SourceUnknown
}

// ProvenanceEntry is one observation of one field of one asset
type ProvenanceEntry struct {
	Field      string     `json:"field"`
	Source     SourceKind `json:"source"`
	Value      string     `json:"value"`
	Confidence float64    `json:"confidence"`
	ObservedAt time.Time  `json:"observed_at"`
}

// Validate checks the observation is well formed
func (p ProvenanceEntry) Validate() error {
	if p.Field == "" {
		return fmt.Errorf("provenance field name is required")
	}
	if !p.Source.IsValid() {
		return fmt.Errorf("invalid provenance source: %s", p.Source)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("confidence must be 0.0-1.0 (got %g)", p.Confidence)
	}
	return nil
}

// ValidationStatus represents per-asset data quality
type ValidationStatus string

const (
	AssetPending ValidationStatus = "pending"
	AssetValid   ValidationStatus = "valid"
	AssetInvalid ValidationStatus = "invalid"
)

// IsValid checks if the validation status value is valid
func (v ValidationStatus) IsValid() bool {
	switch v {
	case AssetPending, AssetValid, AssetInvalid:
		return true
	}
	return false
}

// Asset is a normalized inventory item discovered during a phase. Assets
// are owned by the flow that created them; promotion into a cross-flow
// inventory is an external bridge operation.
type Asset struct {
	ID                      string            `json:"id"`
	FlowID                  string            `json:"flow_id"`
	ClientAccountID         string            `json:"client_account_id"`
	EngagementID            string            `json:"engagement_id"`
	Name                    string            `json:"name"`
	Kind                    string            `json:"kind,omitempty"`
	DiscoveredInPhase       string            `json:"discovered_in_phase"`
	Provenance              []ProvenanceEntry `json:"provenance"`
	NormalizedFields        map[string]string `json:"normalized_fields"`
	ValidationStatus        ValidationStatus  `json:"validation_status"`
	MigrationReadinessScore float64           `json:"migration_readiness_score"`
	CreatedAt               time.Time         `json:"created_at"`
	UpdatedAt               time.Time         `json:"updated_at"`
}

// Scope returns the asset's tenant scope
func (a *Asset) Scope() TenantScope {
	return TenantScope{ClientAccountID: a.ClientAccountID, EngagementID: a.EngagementID}
}

// Clone returns a deep copy; mutating the copy's provenance or fields
// leaves the original untouched
func (a *Asset) Clone() *Asset {
	out := *a
	if a.Provenance != nil {
		out.Provenance = make([]ProvenanceEntry, len(a.Provenance))
		copy(out.Provenance, a.Provenance)
	}
	if a.NormalizedFields != nil {
		out.NormalizedFields = make(map[string]string, len(a.NormalizedFields))
		for k, v := range a.NormalizedFields {
			out.NormalizedFields[k] = v
		}
	}
	return &out
}

// Validate checks that the asset has all required fields
func (a *Asset) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("asset id is required")
	}
	if a.FlowID == "" {
		return fmt.Errorf("flow id is required")
	}
	if err := a.Scope().Validate(); err != nil {
		return err
	}
	if a.Name == "" {
		return fmt.Errorf("asset name is required")
	}
	if !a.ValidationStatus.IsValid() {
		return fmt.Errorf("invalid validation status: %s", a.ValidationStatus)
	}
	if a.MigrationReadinessScore < 0 || a.MigrationReadinessScore > 1 {
		return fmt.Errorf("readiness score must be 0.0-1.0 (got %g)", a.MigrationReadinessScore)
	}
	for _, p := range a.Provenance {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("asset %s: %w", a.ID, err)
		}
	}
	return nil
}

// ConflictSeverity classifies how far apart provenance sources are
type ConflictSeverity string

const (
	SeverityMedium ConflictSeverity = "medium"
	SeverityHigh   ConflictSeverity = "high"
)

// IsValid checks if the severity value is valid
func (s ConflictSeverity) IsValid() bool {
	return s == SeverityMedium || s == SeverityHigh
}

// ResolutionStatus represents where a conflict stands
type ResolutionStatus string

const (
	ResolutionPending        ResolutionStatus = "pending"
	ResolutionAutoResolved   ResolutionStatus = "auto_resolved"
	ResolutionManualResolved ResolutionStatus = "manual_resolved"
)

// IsValid checks if the resolution status value is valid
func (r ResolutionStatus) IsValid() bool {
	switch r {
	case ResolutionPending, ResolutionAutoResolved, ResolutionManualResolved:
		return true
	}
	return false
}

// IsResolved reports whether the conflict no longer blocks readiness
func (r ResolutionStatus) IsResolved() bool {
	return r == ResolutionAutoResolved || r == ResolutionManualResolved
}

// ConflictingValue is one candidate value inside a conflict record
type ConflictingValue struct {
	Value      string     `json:"value"`
	Source     SourceKind `json:"source"`
	Confidence float64    `json:"confidence"`
	ObservedAt time.Time  `json:"observed_at"`
}

// ConflictRecord captures disagreement between provenance sources over one
// field of one asset. Unique per (asset, field, tenant); created by the
// detection engine and mutated only through resolution.
type ConflictRecord struct {
	ID                string             `json:"id"`
	AssetID           string             `json:"asset_id"`
	FlowID            string             `json:"flow_id"`
	ClientAccountID   string             `json:"client_account_id"`
	EngagementID      string             `json:"engagement_id"`
	Field             string             `json:"field"`
	ConflictingValues []ConflictingValue `json:"conflicting_values"`
	Severity          ConflictSeverity   `json:"severity"`
	ResolutionStatus  ResolutionStatus   `json:"resolution_status"`
	ResolvedValue     string             `json:"resolved_value,omitempty"`
	ResolvedBy        string             `json:"resolved_by,omitempty"`
	Rationale         string             `json:"rationale,omitempty"`
	DetectedAt        time.Time          `json:"detected_at"`
	ResolvedAt        *time.Time         `json:"resolved_at,omitempty"`
}

// Spread returns the confidence gap between the strongest and weakest
// candidate values. Values are kept sorted by confidence descending.
func (c *ConflictRecord) Spread() float64 {
	if len(c.ConflictingValues) < 2 {
		return 0
	}
	return c.ConflictingValues[0].Confidence - c.ConflictingValues[len(c.ConflictingValues)-1].Confidence
}

// Validate checks that the conflict record has all required fields
func (c *ConflictRecord) Validate() error {
	if c.AssetID == "" {
		return fmt.Errorf("asset id is required")
	}
	if c.Field == "" {
		return fmt.Errorf("field name is required")
	}
	if len(c.ConflictingValues) < 2 {
		return fmt.Errorf("conflict needs at least 2 values (got %d)", len(c.ConflictingValues))
	}
	if !c.Severity.IsValid() {
		return fmt.Errorf("invalid conflict severity: %s", c.Severity)
	}
	if !c.ResolutionStatus.IsValid() {
		return fmt.Errorf("invalid resolution status: %s", c.ResolutionStatus)
	}
	return nil
}

// Resolution is the caller's input to conflict resolution: either adopt a
// source's value or supply a manual one. Exactly one must be set.
type Resolution struct {
	ChooseSource SourceKind `json:"choose_source,omitempty"`
	ManualValue  string     `json:"manual_value,omitempty"`
	Rationale    string     `json:"rationale,omitempty"`
}

// Validate checks that exactly one resolution mode is specified
func (r Resolution) Validate() error {
	hasSource := r.ChooseSource != ""
	hasManual := r.ManualValue != ""
	if hasSource == hasManual {
		return fmt.Errorf("resolution requires exactly one of choose_source or manual_value")
	}
	if hasSource && !r.ChooseSource.IsValid() {
		return fmt.Errorf("invalid resolution source: %s", r.ChooseSource)
	}
	return nil
}

// ValidationReport is the completion validator's output
type ValidationReport struct {
	FlowID         string   `json:"flow_id"`
	IsReady        bool     `json:"is_ready"`
	Errors         []string `json:"errors"`
	Warnings       []string `json:"warnings"`
	ReadinessScore float64  `json:"readiness_score"`
}

// AssetSummary is the per-asset digest embedded in a handoff package
type AssetSummary struct {
	AssetID          string            `json:"asset_id"`
	Name             string            `json:"name"`
	Kind             string            `json:"kind,omitempty"`
	ValidationStatus ValidationStatus  `json:"validation_status"`
	ReadinessScore   float64           `json:"readiness_score"`
	NormalizedFields map[string]string `json:"normalized_fields"`
}

// ConflictSummary aggregates conflict resolution state for a handoff
type ConflictSummary struct {
	Total          int `json:"total"`
	AutoResolved   int `json:"auto_resolved"`
	ManualResolved int `json:"manual_resolved"`
	UnresolvedHigh int `json:"unresolved_high"`
	UnresolvedMed  int `json:"unresolved_medium"`
}

// MigrationGrouping is a recommended wave of assets with similar readiness
type MigrationGrouping struct {
	Name     string   `json:"name"`
	AssetIDs []string `json:"asset_ids"`
}

// HandoffPackage is the immutable artifact consumed by the downstream
// assessment subsystem. Content is canonical JSON; rebuilding from the
// same flow state and asset selection yields byte-identical content.
type HandoffPackage struct {
	ID              string              `json:"id"`
	FlowID          string              `json:"flow_id"`
	ClientAccountID string              `json:"client_account_id"`
	EngagementID    string              `json:"engagement_id"`
	ReadinessScore  float64             `json:"readiness_score"`
	Assets          []AssetSummary      `json:"assets"`
	Conflicts       ConflictSummary     `json:"conflicts"`
	Groupings       []MigrationGrouping `json:"groupings"`
	Forced          bool                `json:"forced"`
	BuiltAt         time.Time           `json:"built_at"`
	Digest          string              `json:"digest"`
	Content         []byte              `json:"-"`
	CreatedAt       time.Time           `json:"created_at"`
}
