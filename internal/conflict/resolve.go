package conflict

import (
	"context"
	"fmt"
	"os"

	"github.com/cloudshift-labs/surveyor/internal/events"
	"github.com/cloudshift-labs/surveyor/internal/types"
)

// Resolve settles a conflict with either a chosen source's value or a
// manually supplied one, and propagates the result into the asset's
// normalized fields. Re-resolving an already-resolved conflict overwrites
// the previous resolution.
func (d *Detector) Resolve(ctx context.Context, scope types.TenantScope, assetID, field string, res types.Resolution, actor string) (*types.ConflictRecord, error) {
	if err := scope.Validate(); err != nil {
		return nil, types.NewValidationError("", "", err.Error())
	}
	if err := res.Validate(); err != nil {
		return nil, types.NewValidationError("", "", err.Error())
	}

	conflict, err := d.store.GetConflict(ctx, scope, assetID, field)
	if err != nil {
		return nil, fmt.Errorf("failed to load conflict: %w", err)
	}
	if conflict == nil {
		return nil, types.NewNotFound(assetID, "")
	}

	value := res.ManualValue
	if res.ChooseSource != "" {
		value = ""
		for _, cv := range conflict.ConflictingValues {
			if cv.Source == res.ChooseSource {
				value = cv.Value
				break
			}
		}
		if value == "" {
			return nil, types.NewValidationError(conflict.FlowID, "",
				fmt.Sprintf("conflict has no value from source %s", res.ChooseSource))
		}
	}

	resolved, err := d.store.UpdateConflictResolution(ctx, scope, assetID, field,
		types.ResolutionManualResolved, value, actor, res.Rationale)
	if err != nil {
		return nil, err
	}
	if err := d.store.SetAssetNormalizedField(ctx, scope, assetID, field, value); err != nil {
		return nil, fmt.Errorf("failed to propagate resolved value: %w", err)
	}

	if err := d.store.AddAuditEntry(ctx, &types.AuditEntry{
		FlowID:          resolved.FlowID,
		ClientAccountID: scope.ClientAccountID,
		EngagementID:    scope.EngagementID,
		Action:          types.AuditConflictResolved,
		Actor:           actor,
		Comment:         fmt.Sprintf("%s.%s = %s", assetID, field, value),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to record resolution audit entry: %v\n", err)
	}

	event := events.NewFlowEvent(events.EventTypeConflictResolved, scope, resolved.FlowID, "", "",
		events.SeverityInfo,
		fmt.Sprintf("Conflict on %s.%s resolved by %s", assetID, field, actor),
		map[string]interface{}{
			"asset_id": assetID,
			"field":    field,
			"value":    value,
			"status":   string(resolved.ResolutionStatus),
		})
	if err := d.store.AddFlowEvent(ctx, event); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to record resolution event: %v\n", err)
	}

	fmt.Printf("Conflict %s.%s: resolved by %s\n", assetID, field, actor)
	return resolved, nil
}
