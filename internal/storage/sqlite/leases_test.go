package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/cloudshift-labs/surveyor/internal/types"
)

const leaseTestTTL = 30 * time.Second

func registerTestInstance(t *testing.T, db *SQLiteStorage, id string) {
	t.Helper()
	now := time.Now().UTC()
	inst := &types.CoordinatorInstance{
		InstanceID:    id,
		Hostname:      "test-host",
		PID:           12345,
		Status:        types.InstanceRunning,
		StartedAt:     now,
		LastHeartbeat: now,
		Version:       "0.1.0",
	}
	if err := db.RegisterInstance(context.Background(), inst); err != nil {
		t.Fatalf("Failed to register instance: %v", err)
	}
}

func TestAcquireLease(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	flow := createTestFlow(t, db, "flow-1")

	lease, err := db.AcquireLease(ctx, flow.ID, "inst-1", "import_inventory", leaseTestTTL)
	if err != nil {
		t.Fatalf("Failed to acquire lease: %v", err)
	}
	if lease.HolderInstanceID != "inst-1" {
		t.Errorf("Holder mismatch: got %s", lease.HolderInstanceID)
	}
	if !lease.ExpiresAt.After(lease.AcquiredAt) {
		t.Error("Expected expiry after acquisition")
	}

	// Second acquisition loses the race
	_, err = db.AcquireLease(ctx, flow.ID, "inst-2", "import_inventory", leaseTestTTL)
	if err == nil {
		t.Fatal("Expected lease conflict")
	}
	if !types.IsStateConflict(err) {
		t.Errorf("Expected state conflict, got %v", err)
	}
}

func TestAcquireLeaseSweepsExpired(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	flow := createTestFlow(t, db, "flow-1")

	// A lease that expires immediately
	_, err := db.AcquireLease(ctx, flow.ID, "inst-1", "import_inventory", time.Millisecond)
	if err != nil {
		t.Fatalf("Failed to acquire lease: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	// New holder acquires over the expired lease
	lease, err := db.AcquireLease(ctx, flow.ID, "inst-2", "import_inventory", leaseTestTTL)
	if err != nil {
		t.Fatalf("Failed to acquire over expired lease: %v", err)
	}
	if lease.HolderInstanceID != "inst-2" {
		t.Errorf("Expected inst-2 to hold the lease, got %s", lease.HolderInstanceID)
	}
}

func TestRenewLease(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	flow := createTestFlow(t, db, "flow-1")

	lease, err := db.AcquireLease(ctx, flow.ID, "inst-1", "import_inventory", leaseTestTTL)
	if err != nil {
		t.Fatalf("Failed to acquire lease: %v", err)
	}

	if err := db.RenewLease(ctx, flow.ID, "inst-1", 2*leaseTestTTL); err != nil {
		t.Fatalf("Failed to renew lease: %v", err)
	}

	renewed, err := db.GetLease(ctx, flow.ID)
	if err != nil {
		t.Fatalf("Failed to get lease: %v", err)
	}
	if !renewed.ExpiresAt.After(lease.ExpiresAt) {
		t.Error("Expected renewal to extend expiry")
	}

	// Renewal by a non-holder fails
	err = db.RenewLease(ctx, flow.ID, "inst-2", leaseTestTTL)
	if err == nil {
		t.Fatal("Expected renewal by non-holder to fail")
	}
	if !types.IsStateConflict(err) {
		t.Errorf("Expected state conflict, got %v", err)
	}
}

func TestReleaseLease(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	flow := createTestFlow(t, db, "flow-1")

	if _, err := db.AcquireLease(ctx, flow.ID, "inst-1", "import_inventory", leaseTestTTL); err != nil {
		t.Fatalf("Failed to acquire lease: %v", err)
	}
	if err := db.ReleaseLease(ctx, flow.ID, "inst-1"); err != nil {
		t.Fatalf("Failed to release lease: %v", err)
	}

	lease, err := db.GetLease(ctx, flow.ID)
	if err != nil {
		t.Fatalf("Failed to get lease: %v", err)
	}
	if lease != nil {
		t.Error("Expected lease to be gone after release")
	}

	// Releasing again is not an error
	if err := db.ReleaseLease(ctx, flow.ID, "inst-1"); err != nil {
		t.Errorf("Expected idempotent release, got %v", err)
	}
}

func TestDemoteOrphanedActivePhases(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	flow := createTestFlow(t, db, "flow-1")
	registerTestInstance(t, db, "inst-1")

	if err := db.TransitionPhase(ctx, testScope(), flow.ID, "import_inventory", types.PhasePending, types.PhaseActive); err != nil {
		t.Fatalf("Failed to activate phase: %v", err)
	}

	// Active phase with no lease at all is orphaned
	demoted, err := db.DemoteOrphanedActivePhases(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Failed to demote orphans: %v", err)
	}
	if demoted != 1 {
		t.Fatalf("Expected 1 demotion, got %d", demoted)
	}

	rec, err := db.GetPhaseRecord(ctx, testScope(), flow.ID, "import_inventory")
	if err != nil {
		t.Fatalf("Failed to get phase record: %v", err)
	}
	if rec.Status != types.PhasePending {
		t.Errorf("Expected demoted phase to be pending, got %s", rec.Status)
	}
}

func TestDemoteOrphanedSkipsHealthy(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	flow := createTestFlow(t, db, "flow-1")
	registerTestInstance(t, db, "inst-1")

	if err := db.TransitionPhase(ctx, testScope(), flow.ID, "import_inventory", types.PhasePending, types.PhaseActive); err != nil {
		t.Fatalf("Failed to activate phase: %v", err)
	}
	if _, err := db.AcquireLease(ctx, flow.ID, "inst-1", "import_inventory", leaseTestTTL); err != nil {
		t.Fatalf("Failed to acquire lease: %v", err)
	}

	demoted, err := db.DemoteOrphanedActivePhases(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Failed to run demotion sweep: %v", err)
	}
	if demoted != 0 {
		t.Errorf("Expected no demotions for a live holder, got %d", demoted)
	}

	rec, err := db.GetPhaseRecord(ctx, testScope(), flow.ID, "import_inventory")
	if err != nil {
		t.Fatalf("Failed to get phase record: %v", err)
	}
	if rec.Status != types.PhaseActive {
		t.Errorf("Expected phase to stay active, got %s", rec.Status)
	}
}

func TestDemoteOrphanedStaleHeartbeat(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	flow := createTestFlow(t, db, "flow-1")
	registerTestInstance(t, db, "inst-1")

	if err := db.TransitionPhase(ctx, testScope(), flow.ID, "import_inventory", types.PhasePending, types.PhaseActive); err != nil {
		t.Fatalf("Failed to activate phase: %v", err)
	}
	if _, err := db.AcquireLease(ctx, flow.ID, "inst-1", "import_inventory", time.Hour); err != nil {
		t.Fatalf("Failed to acquire lease: %v", err)
	}

	// Invalidate the holder's heartbeat even though the lease is unexpired
	time.Sleep(5 * time.Millisecond)
	demoted, err := db.DemoteOrphanedActivePhases(ctx, time.Nanosecond)
	if err != nil {
		t.Fatalf("Failed to run demotion sweep: %v", err)
	}
	if demoted != 1 {
		t.Fatalf("Expected 1 demotion for stale heartbeat, got %d", demoted)
	}

	lease, err := db.GetLease(ctx, flow.ID)
	if err != nil {
		t.Fatalf("Failed to get lease: %v", err)
	}
	if lease != nil {
		t.Error("Expected orphaned lease to be removed")
	}
}

func TestInstanceLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	registerTestInstance(t, db, "inst-1")

	if err := db.UpdateInstanceHeartbeat(ctx, "inst-1"); err != nil {
		t.Fatalf("Failed to update heartbeat: %v", err)
	}

	instances, err := db.GetActiveInstances(ctx)
	if err != nil {
		t.Fatalf("Failed to get active instances: %v", err)
	}
	if len(instances) != 1 {
		t.Fatalf("Expected 1 active instance, got %d", len(instances))
	}

	if err := db.MarkInstanceStopped(ctx, "inst-1"); err != nil {
		t.Fatalf("Failed to mark stopped: %v", err)
	}

	instances, err = db.GetActiveInstances(ctx)
	if err != nil {
		t.Fatalf("Failed to get active instances: %v", err)
	}
	if len(instances) != 0 {
		t.Errorf("Expected no active instances after stop, got %d", len(instances))
	}
}

func TestCleanupStaleInstances(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	registerTestInstance(t, db, "inst-1")

	time.Sleep(5 * time.Millisecond)
	cleaned, err := db.CleanupStaleInstances(ctx, 0)
	if err != nil {
		t.Fatalf("Failed to cleanup stale instances: %v", err)
	}
	if cleaned != 1 {
		t.Fatalf("Expected 1 stale instance cleaned, got %d", cleaned)
	}

	instances, err := db.GetActiveInstances(ctx)
	if err != nil {
		t.Fatalf("Failed to get active instances: %v", err)
	}
	if len(instances) != 0 {
		t.Errorf("Expected no active instances, got %d", len(instances))
	}
}
