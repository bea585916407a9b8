package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/cloudshift-labs/surveyor/internal/types"
)

func makeTestAsset(id, flowID string) *types.Asset {
	return &types.Asset{
		ID:                id,
		FlowID:            flowID,
		ClientAccountID:   "acct-1",
		EngagementID:      "eng-1",
		Name:              "db-server-" + id,
		Kind:              "database",
		DiscoveredInPhase: "import_inventory",
		Provenance: []types.ProvenanceEntry{
			{Field: "os_version", Source: types.SourceRawImport, Value: "RHEL 7", Confidence: 0.6, ObservedAt: time.Now().UTC()},
		},
		NormalizedFields: map[string]string{"os_version": "RHEL 7"},
		ValidationStatus: types.AssetPending,
	}
}

func makeTestConflict(id, assetID, flowID string) *types.ConflictRecord {
	return &types.ConflictRecord{
		ID:              id,
		AssetID:         assetID,
		FlowID:          flowID,
		ClientAccountID: "acct-1",
		EngagementID:    "eng-1",
		Field:           "os_version",
		ConflictingValues: []types.ConflictingValue{
			{Value: "RHEL 8", Source: types.SourceAgentNormalized, Confidence: 0.9, ObservedAt: time.Now().UTC()},
			{Value: "RHEL 7", Source: types.SourceRawImport, Confidence: 0.5, ObservedAt: time.Now().UTC()},
		},
		Severity:         types.SeverityHigh,
		ResolutionStatus: types.ResolutionPending,
		DetectedAt:       time.Now().UTC(),
	}
}

func TestSaveAndGetAsset(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	flow := createTestFlow(t, db, "flow-1")
	asset := makeTestAsset("asset-1", flow.ID)

	if err := db.SaveAssets(ctx, []*types.Asset{asset}); err != nil {
		t.Fatalf("Failed to save asset: %v", err)
	}

	got, err := db.GetAsset(ctx, testScope(), "asset-1")
	if err != nil {
		t.Fatalf("Failed to get asset: %v", err)
	}
	if got == nil {
		t.Fatal("Expected asset, got nil")
	}
	if got.Name != asset.Name {
		t.Errorf("Name mismatch: got %s, want %s", got.Name, asset.Name)
	}
	if len(got.Provenance) != 1 {
		t.Fatalf("Expected 1 provenance entry, got %d", len(got.Provenance))
	}
	if got.Provenance[0].Source != types.SourceRawImport {
		t.Errorf("Provenance source mismatch: got %s", got.Provenance[0].Source)
	}
	if got.NormalizedFields["os_version"] != "RHEL 7" {
		t.Errorf("Normalized field mismatch: got %q", got.NormalizedFields["os_version"])
	}
}

func TestSaveAssetsUpsert(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	flow := createTestFlow(t, db, "flow-1")
	asset := makeTestAsset("asset-1", flow.ID)

	if err := db.SaveAssets(ctx, []*types.Asset{asset}); err != nil {
		t.Fatalf("Failed to save asset: %v", err)
	}

	asset.Name = "db-server-renamed"
	asset.ValidationStatus = types.AssetValid
	if err := db.SaveAssets(ctx, []*types.Asset{asset}); err != nil {
		t.Fatalf("Failed to re-save asset: %v", err)
	}

	got, err := db.GetAsset(ctx, testScope(), "asset-1")
	if err != nil {
		t.Fatalf("Failed to get asset: %v", err)
	}
	if got.Name != "db-server-renamed" {
		t.Errorf("Expected updated name, got %s", got.Name)
	}
	if got.ValidationStatus != types.AssetValid {
		t.Errorf("Expected valid status, got %s", got.ValidationStatus)
	}
}

func TestListAssetsByFlowOrdering(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	flow := createTestFlow(t, db, "flow-1")

	// Insert out of id order; listing must come back sorted
	assets := []*types.Asset{
		makeTestAsset("asset-c", flow.ID),
		makeTestAsset("asset-a", flow.ID),
		makeTestAsset("asset-b", flow.ID),
	}
	if err := db.SaveAssets(ctx, assets); err != nil {
		t.Fatalf("Failed to save assets: %v", err)
	}

	got, err := db.ListAssetsByFlow(ctx, testScope(), flow.ID)
	if err != nil {
		t.Fatalf("Failed to list assets: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 assets, got %d", len(got))
	}
	for i, want := range []string{"asset-a", "asset-b", "asset-c"} {
		if got[i].ID != want {
			t.Errorf("Position %d: got %s, want %s", i, got[i].ID, want)
		}
	}
}

func TestSetAssetNormalizedField(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	flow := createTestFlow(t, db, "flow-1")
	if err := db.SaveAssets(ctx, []*types.Asset{makeTestAsset("asset-1", flow.ID)}); err != nil {
		t.Fatalf("Failed to save asset: %v", err)
	}

	if err := db.SetAssetNormalizedField(ctx, testScope(), "asset-1", "os_version", "RHEL 8"); err != nil {
		t.Fatalf("Failed to set normalized field: %v", err)
	}

	got, err := db.GetAsset(ctx, testScope(), "asset-1")
	if err != nil {
		t.Fatalf("Failed to get asset: %v", err)
	}
	if got.NormalizedFields["os_version"] != "RHEL 8" {
		t.Errorf("Expected RHEL 8, got %q", got.NormalizedFields["os_version"])
	}

	err = db.SetAssetNormalizedField(ctx, testScope(), "no-such-asset", "os_version", "x")
	if err == nil {
		t.Fatal("Expected not found error")
	}
	if !types.IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestDeleteAssetsNotIn(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	flow := createTestFlow(t, db, "flow-1")
	assets := []*types.Asset{
		makeTestAsset("asset-1", flow.ID),
		makeTestAsset("asset-2", flow.ID),
		makeTestAsset("asset-3", flow.ID),
	}
	if err := db.SaveAssets(ctx, assets); err != nil {
		t.Fatalf("Failed to save assets: %v", err)
	}

	deleted, err := db.DeleteAssetsNotIn(ctx, testScope(), flow.ID, []string{"asset-1"})
	if err != nil {
		t.Fatalf("Failed to delete assets: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 deletions, got %d", deleted)
	}

	remaining, err := db.ListAssetsByFlow(ctx, testScope(), flow.ID)
	if err != nil {
		t.Fatalf("Failed to list assets: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != "asset-1" {
		t.Errorf("Expected only asset-1 to remain, got %d assets", len(remaining))
	}
}

func TestDeleteAssetsNotInEmptyKeepSet(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	flow := createTestFlow(t, db, "flow-1")
	if err := db.SaveAssets(ctx, []*types.Asset{makeTestAsset("asset-1", flow.ID)}); err != nil {
		t.Fatalf("Failed to save asset: %v", err)
	}

	deleted, err := db.DeleteAssetsNotIn(ctx, testScope(), flow.ID, nil)
	if err != nil {
		t.Fatalf("Failed to delete assets: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deletion, got %d", deleted)
	}
}

func TestDeleteAssetsCascadesConflicts(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	flow := createTestFlow(t, db, "flow-1")
	if err := db.SaveAssets(ctx, []*types.Asset{makeTestAsset("asset-1", flow.ID)}); err != nil {
		t.Fatalf("Failed to save asset: %v", err)
	}
	if err := db.UpsertConflict(ctx, makeTestConflict("conflict-1", "asset-1", flow.ID)); err != nil {
		t.Fatalf("Failed to upsert conflict: %v", err)
	}

	if _, err := db.DeleteAssetsNotIn(ctx, testScope(), flow.ID, nil); err != nil {
		t.Fatalf("Failed to delete assets: %v", err)
	}

	conflicts, err := db.ListConflictsByFlow(ctx, testScope(), flow.ID)
	if err != nil {
		t.Fatalf("Failed to list conflicts: %v", err)
	}
	if len(conflicts) != 0 {
		t.Errorf("Expected conflicts to cascade away with the asset, got %d", len(conflicts))
	}
}
