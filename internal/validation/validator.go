// Package validation decides when a discovery flow is fit for handoff and
// builds the immutable package the downstream assessment subsystem consumes.
//
// Validation is advisory and repeatable; building a handoff package is
// write-once per flow and deterministic, so idempotent retries from the
// caller re-serve the identical artifact.
package validation

import (
	"context"
	"fmt"

	"github.com/cloudshift-labs/surveyor/internal/storage"
	"github.com/cloudshift-labs/surveyor/internal/types"
)

// Readiness penalties and warning thresholds. An unresolved high-severity
// conflict should hurt far more than a medium one, and a field whose best
// observation is a coin flip is worth flagging even when nothing disagrees.
const (
	highConflictPenalty   = 0.10
	mediumConflictPenalty = 0.02
	lowConfidenceFloor    = 0.5
)

// Validator checks flow completion criteria and assembles handoff packages.
type Validator struct {
	store storage.Storage
	plan  *types.PhasePlan
}

// NewValidator creates a validator over the given store. A nil plan falls
// back to the default discovery sequence.
func NewValidator(store storage.Storage, plan *types.PhasePlan) (*Validator, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if plan == nil {
		plan = types.DefaultPhasePlan()
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid phase plan: %w", err)
	}
	return &Validator{store: store, plan: plan}, nil
}

// Validate reports whether the flow is ready for handoff. Ready means every
// mandatory phase reached a terminal state, no high-severity conflict is
// unresolved, and at least one asset passed validation. Warnings never block.
func (v *Validator) Validate(ctx context.Context, scope types.TenantScope, flowID string) (*types.ValidationReport, error) {
	if err := scope.Validate(); err != nil {
		return nil, types.NewValidationError(flowID, "", err.Error())
	}

	flow, err := v.store.GetFlow(ctx, scope, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load flow: %w", err)
	}
	if flow == nil {
		return nil, types.NewNotFound(flowID, "")
	}

	records, err := v.store.GetPhaseRecords(ctx, scope, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load phase records: %w", err)
	}
	assets, err := v.store.ListAssetsByFlow(ctx, scope, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load assets: %w", err)
	}
	conflicts, err := v.store.ListConflictsByFlow(ctx, scope, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conflicts: %w", err)
	}

	report := &types.ValidationReport{
		FlowID:   flowID,
		Errors:   []string{},
		Warnings: []string{},
	}

	byPhase := make(map[string]*types.PhaseRecord, len(records))
	for _, rec := range records {
		byPhase[rec.Phase] = rec
	}
	for _, name := range v.plan.MandatoryPhases() {
		rec, ok := byPhase[name]
		switch {
		case !ok:
			report.Errors = append(report.Errors,
				fmt.Sprintf("mandatory phase %s has no record", name))
		case !rec.Status.IsTerminal():
			report.Errors = append(report.Errors,
				fmt.Sprintf("mandatory phase %s is %s", name, rec.Status))
		}
	}

	var unresolvedHigh, unresolvedMedium int
	for _, c := range conflicts {
		if c.ResolutionStatus.IsResolved() {
			continue
		}
		switch c.Severity {
		case types.SeverityHigh:
			unresolvedHigh++
		case types.SeverityMedium:
			unresolvedMedium++
		}
	}
	if unresolvedHigh > 0 {
		report.Errors = append(report.Errors,
			fmt.Sprintf("%d unresolved high-severity conflict(s)", unresolvedHigh))
	}
	if unresolvedMedium > 0 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("%d unresolved medium-severity conflict(s)", unresolvedMedium))
	}

	validAssets := 0
	for _, a := range assets {
		if a.ValidationStatus == types.AssetValid {
			validAssets++
		}
	}
	if validAssets == 0 {
		report.Errors = append(report.Errors, "no asset has passed validation")
	}

	if weak := countLowConfidenceFields(assets); weak > 0 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("%d field(s) are backed only by observations below %.2f confidence", weak, lowConfidenceFloor))
	}

	report.ReadinessScore = readinessScore(assets, unresolvedHigh, unresolvedMedium)
	report.IsReady = len(report.Errors) == 0
	return report, nil
}

// readinessScore averages per-asset migration readiness and discounts for
// unresolved conflicts, clamped to [0, 1].
func readinessScore(assets []*types.Asset, unresolvedHigh, unresolvedMedium int) float64 {
	if len(assets) == 0 {
		return 0
	}
	var sum float64
	for _, a := range assets {
		sum += a.MigrationReadinessScore
	}
	score := sum / float64(len(assets))
	score -= float64(unresolvedHigh) * highConflictPenalty
	score -= float64(unresolvedMedium) * mediumConflictPenalty
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// countLowConfidenceFields counts (asset, field) pairs whose strongest
// observation sits below the confidence floor.
func countLowConfidenceFields(assets []*types.Asset) int {
	count := 0
	for _, a := range assets {
		best := make(map[string]float64)
		for _, p := range a.Provenance {
			if p.Confidence > best[p.Field] {
				best[p.Field] = p.Confidence
			}
		}
		for _, confidence := range best {
			if confidence < lowConfidenceFloor {
				count++
			}
		}
	}
	return count
}
