package sqlite

import (
	"context"
	"testing"

	"github.com/cloudshift-labs/surveyor/internal/types"
)

func TestTransitionPhase(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	flow := createTestFlow(t, db, "flow-1")

	err := db.TransitionPhase(ctx, testScope(), flow.ID, "import_inventory", types.PhasePending, types.PhaseActive)
	if err != nil {
		t.Fatalf("Failed to transition phase: %v", err)
	}

	rec, err := db.GetPhaseRecord(ctx, testScope(), flow.ID, "import_inventory")
	if err != nil {
		t.Fatalf("Failed to get phase record: %v", err)
	}
	if rec.Status != types.PhaseActive {
		t.Errorf("Expected active, got %s", rec.Status)
	}
	if rec.StartedAt == nil {
		t.Error("Expected started_at to be stamped on activation")
	}
	if rec.AttemptCount != 1 {
		t.Errorf("Expected attempt count 1, got %d", rec.AttemptCount)
	}
}

func TestTransitionPhaseCAS(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	flow := createTestFlow(t, db, "flow-1")

	err := db.TransitionPhase(ctx, testScope(), flow.ID, "import_inventory", types.PhasePending, types.PhaseActive)
	if err != nil {
		t.Fatalf("Failed to transition phase: %v", err)
	}

	// Second activation from pending loses the CAS
	err = db.TransitionPhase(ctx, testScope(), flow.ID, "import_inventory", types.PhasePending, types.PhaseActive)
	if err == nil {
		t.Fatal("Expected CAS failure on stale expected status")
	}
	if !types.IsStateConflict(err) {
		t.Errorf("Expected state conflict, got %v", err)
	}
}

func TestTransitionPhaseIllegal(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	flow := createTestFlow(t, db, "flow-1")

	// pending -> completed skips activation and is rejected up front
	err := db.TransitionPhase(ctx, testScope(), flow.ID, "import_inventory", types.PhasePending, types.PhaseCompleted)
	if err == nil {
		t.Fatal("Expected illegal transition error")
	}
	if !types.IsStateConflict(err) {
		t.Errorf("Expected state conflict, got %v", err)
	}
}

func TestTransitionPhaseCompletion(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	flow := createTestFlow(t, db, "flow-1")

	if err := db.TransitionPhase(ctx, testScope(), flow.ID, "import_inventory", types.PhasePending, types.PhaseActive); err != nil {
		t.Fatalf("Failed to activate: %v", err)
	}
	if err := db.TransitionPhase(ctx, testScope(), flow.ID, "import_inventory", types.PhaseActive, types.PhaseCompleted); err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}

	rec, err := db.GetPhaseRecord(ctx, testScope(), flow.ID, "import_inventory")
	if err != nil {
		t.Fatalf("Failed to get phase record: %v", err)
	}
	if rec.Status != types.PhaseCompleted {
		t.Errorf("Expected completed, got %s", rec.Status)
	}
	if rec.CompletedAt == nil {
		t.Error("Expected completed_at to be stamped")
	}
}

func TestTransitionPhaseDemotionClearsTimestamps(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	flow := createTestFlow(t, db, "flow-1")

	if err := db.TransitionPhase(ctx, testScope(), flow.ID, "import_inventory", types.PhasePending, types.PhaseActive); err != nil {
		t.Fatalf("Failed to activate: %v", err)
	}
	if err := db.TransitionPhase(ctx, testScope(), flow.ID, "import_inventory", types.PhaseActive, types.PhasePending); err != nil {
		t.Fatalf("Failed to demote: %v", err)
	}

	rec, err := db.GetPhaseRecord(ctx, testScope(), flow.ID, "import_inventory")
	if err != nil {
		t.Fatalf("Failed to get phase record: %v", err)
	}
	if rec.Status != types.PhasePending {
		t.Errorf("Expected pending, got %s", rec.Status)
	}
	if rec.StartedAt != nil {
		t.Error("Expected started_at to be cleared on demotion")
	}
	// Attempt count survives demotion; it counts activations, not completions
	if rec.AttemptCount != 1 {
		t.Errorf("Expected attempt count 1, got %d", rec.AttemptCount)
	}
}

func TestTransitionPhaseFailedRetains(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	flow := createTestFlow(t, db, "flow-1")

	if err := db.TransitionPhase(ctx, testScope(), flow.ID, "import_inventory", types.PhasePending, types.PhaseActive); err != nil {
		t.Fatalf("Failed to activate: %v", err)
	}
	if err := db.SetPhaseRollbackSnapshot(ctx, testScope(), flow.ID, "import_inventory", `{"asset_ids":[]}`); err != nil {
		t.Fatalf("Failed to set snapshot: %v", err)
	}
	if err := db.SetPhaseError(ctx, testScope(), flow.ID, "import_inventory", "engine exploded"); err != nil {
		t.Fatalf("Failed to set error: %v", err)
	}
	if err := db.TransitionPhase(ctx, testScope(), flow.ID, "import_inventory", types.PhaseActive, types.PhaseFailed); err != nil {
		t.Fatalf("Failed to fail phase: %v", err)
	}

	rec, err := db.GetPhaseRecord(ctx, testScope(), flow.ID, "import_inventory")
	if err != nil {
		t.Fatalf("Failed to get phase record: %v", err)
	}
	if rec.Status != types.PhaseFailed {
		t.Errorf("Expected failed, got %s", rec.Status)
	}
	if rec.RollbackSnapshot == "" {
		t.Error("Expected rollback snapshot to be retained on failure")
	}
	if rec.ErrorMessage != "engine exploded" {
		t.Errorf("Error message mismatch: got %q", rec.ErrorMessage)
	}

	// failed -> pending is the retry path
	if err := db.TransitionPhase(ctx, testScope(), flow.ID, "import_inventory", types.PhaseFailed, types.PhasePending); err != nil {
		t.Fatalf("Failed to reset for retry: %v", err)
	}
}

func TestSavePhaseCheckpoint(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	flow := createTestFlow(t, db, "flow-1")

	if err := db.SavePhaseCheckpoint(ctx, testScope(), flow.ID, "import_inventory", `{"cursor":42}`); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}

	rec, err := db.GetPhaseRecord(ctx, testScope(), flow.ID, "import_inventory")
	if err != nil {
		t.Fatalf("Failed to get phase record: %v", err)
	}
	if rec.Checkpoint != `{"cursor":42}` {
		t.Errorf("Checkpoint mismatch: got %q", rec.Checkpoint)
	}
}

func TestPhaseRecordWrongTenant(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	flow := createTestFlow(t, db, "flow-1")

	otherScope := types.TenantScope{ClientAccountID: "acct-other", EngagementID: "eng-other"}

	rec, err := db.GetPhaseRecord(ctx, otherScope, flow.ID, "import_inventory")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if rec != nil {
		t.Error("Expected nil phase record under a different tenant")
	}

	err = db.TransitionPhase(ctx, otherScope, flow.ID, "import_inventory", types.PhasePending, types.PhaseActive)
	if err == nil {
		t.Fatal("Expected error transitioning under a different tenant")
	}
	if !types.IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}
}
