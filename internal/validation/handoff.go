package validation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cloudshift-labs/surveyor/internal/events"
	"github.com/cloudshift-labs/surveyor/internal/types"
)

// Migration wave thresholds on per-asset readiness
const (
	wave1Floor = 0.8
	wave2Floor = 0.5
)

// packageContent is the canonical JSON body of a handoff package. It carries
// no build-time identifiers: identical flow state and asset selection must
// marshal to identical bytes, which is what makes retries idempotent.
type packageContent struct {
	FlowID          string                    `json:"flow_id"`
	ClientAccountID string                    `json:"client_account_id"`
	EngagementID    string                    `json:"engagement_id"`
	ReadinessScore  float64                   `json:"readiness_score"`
	Assets          []types.AssetSummary      `json:"assets"`
	Conflicts       types.ConflictSummary     `json:"conflicts"`
	Groupings       []types.MigrationGrouping `json:"groupings"`
	Forced          bool                      `json:"forced"`
	BuiltAt         time.Time                 `json:"built_at"`
}

// BuildHandoffPackage assembles and stores the flow's handoff package. The
// package is write-once: once a flow has one, every later invocation
// re-serves the stored artifact. A flow that fails validation cannot be
// packaged unless force is set, and forced builds are audited as such.
//
// selectedAssetIDs narrows the package to a subset of the flow's assets;
// empty means all of them.
func (v *Validator) BuildHandoffPackage(ctx context.Context, scope types.TenantScope, flowID string, selectedAssetIDs []string, force bool, actor string) (*types.HandoffPackage, error) {
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

	if existing, err := v.store.GetHandoffPackage(ctx, scope, flowID); err != nil {
		return nil, fmt.Errorf("failed to check for existing package: %w", err)
	} else if existing != nil {
		return existing, nil
	}

	report, err := v.Validate(ctx, scope, flowID)
	if err != nil {
		return nil, err
	}
	if !report.IsReady && !force {
		return nil, types.NewValidationError(flowID, "",
			fmt.Sprintf("flow is not ready for handoff: %s", strings.Join(report.Errors, "; ")))
	}

	assets, err := v.store.ListAssetsByFlow(ctx, scope, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load assets: %w", err)
	}
	assets, err = selectAssets(assets, selectedAssetIDs)
	if err != nil {
		return nil, types.NewValidationError(flowID, "", err.Error())
	}

	conflicts, err := v.store.ListConflictsByFlow(ctx, scope, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conflicts: %w", err)
	}

	content := packageContent{
		FlowID:          flowID,
		ClientAccountID: scope.ClientAccountID,
		EngagementID:    scope.EngagementID,
		ReadinessScore:  report.ReadinessScore,
		Assets:          summarizeAssets(assets),
		Conflicts:       summarizeConflicts(conflicts, assets),
		Groupings:       groupByReadiness(assets),
		Forced:          !report.IsReady && force,
		// The flow's last mutation time, not the build's wall clock: two
		// builds of the same flow state must produce the same bytes.
		BuiltAt: flow.UpdatedAt,
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode handoff package: %w", err)
	}
	sum := sha256.Sum256(raw)
	digest := hex.EncodeToString(sum[:])

	pkg := &types.HandoffPackage{
		ID:              uuid.NewSHA1(uuid.NameSpaceOID, raw).String(),
		FlowID:          flowID,
		ClientAccountID: scope.ClientAccountID,
		EngagementID:    scope.EngagementID,
		ReadinessScore:  content.ReadinessScore,
		Assets:          content.Assets,
		Conflicts:       content.Conflicts,
		Groupings:       content.Groupings,
		Forced:          content.Forced,
		BuiltAt:         content.BuiltAt,
		Digest:          digest,
		Content:         raw,
	}

	if err := v.store.SaveHandoffPackage(ctx, pkg); err != nil {
		if types.IsStateConflict(err) {
			// Lost a build race; the stored package is the flow's package.
			stored, getErr := v.store.GetHandoffPackage(ctx, scope, flowID)
			if getErr != nil {
				return nil, fmt.Errorf("failed to load existing package: %w", getErr)
			}
			if stored != nil {
				return stored, nil
			}
		}
		return nil, fmt.Errorf("failed to store handoff package: %w", err)
	}

	action := types.AuditHandoffBuilt
	if pkg.Forced {
		action = types.AuditHandoffForced
	}
	if err := v.store.AddAuditEntry(ctx, &types.AuditEntry{
		FlowID:          flowID,
		ClientAccountID: scope.ClientAccountID,
		EngagementID:    scope.EngagementID,
		Action:          action,
		Actor:           actor,
		Comment:         fmt.Sprintf("package %s, digest %s", pkg.ID, digest[:12]),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to record handoff audit entry: %v\n", err)
	}

	event, eerr := events.NewHandoffBuiltEvent(scope, flowID, "",
		fmt.Sprintf("Handoff package built with %d asset(s), readiness %.2f", len(pkg.Assets), pkg.ReadinessScore),
		events.HandoffBuiltData{
			PackageID:      pkg.ID,
			AssetCount:     len(pkg.Assets),
			ReadinessScore: pkg.ReadinessScore,
			Forced:         pkg.Forced,
		})
	if eerr == nil {
		eerr = v.store.AddFlowEvent(ctx, event)
	}
	if eerr != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to record handoff event: %v\n", eerr)
	}

	fmt.Printf("Handoff package %s built for flow %s (%d assets)\n", pkg.ID, flowID, len(pkg.Assets))
	return pkg, nil
}

// selectAssets narrows assets to the requested IDs, preserving a sorted
// order by ID either way. Selecting an asset the flow does not have is an
// error, not a silent omission.
func selectAssets(assets []*types.Asset, selectedIDs []string) ([]*types.Asset, error) {
	byID := make(map[string]*types.Asset, len(assets))
	for _, a := range assets {
		byID[a.ID] = a
	}

	var out []*types.Asset
	if len(selectedIDs) == 0 {
		out = assets
	} else {
		seen := make(map[string]bool, len(selectedIDs))
		for _, id := range selectedIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			a, ok := byID[id]
			if !ok {
				return nil, fmt.Errorf("selected asset %s does not belong to the flow", id)
			}
			out = append(out, a)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func summarizeAssets(assets []*types.Asset) []types.AssetSummary {
	summaries := make([]types.AssetSummary, 0, len(assets))
	for _, a := range assets {
		fields := a.NormalizedFields
		if fields == nil {
			fields = map[string]string{}
		}
		summaries = append(summaries, types.AssetSummary{
			AssetID:          a.ID,
			Name:             a.Name,
			Kind:             a.Kind,
			ValidationStatus: a.ValidationStatus,
			ReadinessScore:   a.MigrationReadinessScore,
			NormalizedFields: fields,
		})
	}
	return summaries
}

// summarizeConflicts tallies resolution state for conflicts on the packaged
// assets only; disagreements on excluded assets are not the package's story.
func summarizeConflicts(conflicts []*types.ConflictRecord, assets []*types.Asset) types.ConflictSummary {
	packaged := make(map[string]bool, len(assets))
	for _, a := range assets {
		packaged[a.ID] = true
	}

	var summary types.ConflictSummary
	for _, c := range conflicts {
		if !packaged[c.AssetID] {
			continue
		}
		summary.Total++
		switch c.ResolutionStatus {
		case types.ResolutionAutoResolved:
			summary.AutoResolved++
		case types.ResolutionManualResolved:
			summary.ManualResolved++
		default:
			switch c.Severity {
			case types.SeverityHigh:
				summary.UnresolvedHigh++
			default:
				summary.UnresolvedMed++
			}
		}
	}
	return summary
}

// groupByReadiness buckets assets into recommended migration waves. Input
// is already sorted by ID, so grouping membership lists are deterministic.
func groupByReadiness(assets []*types.Asset) []types.MigrationGrouping {
	waves := []types.MigrationGrouping{
		{Name: "wave_1_ready", AssetIDs: []string{}},
		{Name: "wave_2_remediation", AssetIDs: []string{}},
		{Name: "wave_3_deferred", AssetIDs: []string{}},
	}
	for _, a := range assets {
		switch {
		case a.MigrationReadinessScore >= wave1Floor:
			waves[0].AssetIDs = append(waves[0].AssetIDs, a.ID)
		case a.MigrationReadinessScore >= wave2Floor:
			waves[1].AssetIDs = append(waves[1].AssetIDs, a.ID)
		default:
			waves[2].AssetIDs = append(waves[2].AssetIDs, a.ID)
		}
	}

	out := waves[:0]
	for _, w := range waves {
		if len(w.AssetIDs) > 0 {
			out = append(out, w)
		}
	}
	return out
}
