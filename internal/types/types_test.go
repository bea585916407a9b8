package types

import (
	"testing"
	"time"
)

// TestFlowStatusTransitions verifies the flow lifecycle state machine
func TestFlowStatusTransitions(t *testing.T) {
	if !FlowInitialized.CanTransitionTo(FlowRunning) {
		t.Error("initialized flow should be able to start running")
	}
	if !FlowInitialized.CanTransitionTo(FlowCancelled) {
		t.Error("initialized flow should be cancellable before first execution")
	}
	if !FlowRunning.CanTransitionTo(FlowPausedForApproval) {
		t.Error("running flow should be able to pause for approval")
	}
	if !FlowPausedForApproval.CanTransitionTo(FlowRunning) {
		t.Error("paused flow should resume to running")
	}
	if FlowPausedForApproval.CanTransitionTo(FlowCompleted) {
		t.Error("paused flow must never auto-advance to completed")
	}
	if !FlowFailed.CanTransitionTo(FlowRunning) {
		t.Error("failed flow should re-enter running via retry")
	}
	if FlowCompleted.CanTransitionTo(FlowRunning) {
		t.Error("completed flow must not restart")
	}
	if FlowCancelled.CanTransitionTo(FlowRunning) {
		t.Error("cancelled flow must not restart")
	}
}

// TestFlowStatusTerminal verifies terminal classification matches the
// lifecycle contract
func TestFlowStatusTerminal(t *testing.T) {
	terminal := []FlowStatus{FlowCompleted, FlowFailed, FlowCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	nonTerminal := []FlowStatus{FlowInitialized, FlowRunning, FlowPausedForApproval}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

// TestFlowValidate verifies required-field and range checks
func TestFlowValidate(t *testing.T) {
	now := time.Now()
	flow := Flow{
		ID:              "f-1",
		ClientAccountID: "acct-1",
		EngagementID:    "eng-1",
		Status:          FlowInitialized,
		CurrentPhase:    PhaseImportInventory,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := flow.Validate(); err != nil {
		t.Errorf("valid flow failed validation: %v", err)
	}

	missing := flow
	missing.EngagementID = ""
	if err := missing.Validate(); err == nil {
		t.Error("flow without engagement id should fail validation")
	}

	badStatus := flow
	badStatus.Status = FlowStatus("archived")
	if err := badStatus.Validate(); err == nil {
		t.Error("flow with unknown status should fail validation")
	}

	badProgress := flow
	badProgress.ProgressPercentage = 120
	if err := badProgress.Validate(); err == nil {
		t.Error("flow with progress > 100 should fail validation")
	}
}

// TestSetPhaseCompletedPreservesOrder verifies the completion map keeps
// insertion order and updates in place
func TestSetPhaseCompletedPreservesOrder(t *testing.T) {
	var flow Flow
	flow.SetPhaseCompleted(PhaseImportInventory, true)
	flow.SetPhaseCompleted(PhaseFieldMapping, false)
	flow.SetPhaseCompleted(PhaseDataCleansing, false)
	flow.SetPhaseCompleted(PhaseFieldMapping, true)

	if len(flow.PhaseCompletion) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(flow.PhaseCompletion))
	}
	if flow.PhaseCompletion[1].Phase != PhaseFieldMapping || !flow.PhaseCompletion[1].Completed {
		t.Errorf("field_mapping entry not updated in place: %+v", flow.PhaseCompletion[1])
	}
	if flow.CompletedCount() != 2 {
		t.Errorf("expected 2 completed phases, got %d", flow.CompletedCount())
	}
}

// TestTenantScopeValidate verifies both identifiers are mandatory
func TestTenantScopeValidate(t *testing.T) {
	if err := (TenantScope{ClientAccountID: "a", EngagementID: "e"}).Validate(); err != nil {
		t.Errorf("complete scope failed validation: %v", err)
	}
	if err := (TenantScope{ClientAccountID: "a"}).Validate(); err == nil {
		t.Error("scope without engagement id should fail validation")
	}
	if err := (TenantScope{EngagementID: "e"}).Validate(); err == nil {
		t.Error("scope without client account id should fail validation")
	}
}

// TestCoordinatorInstanceValidate verifies registry row requirements
func TestCoordinatorInstanceValidate(t *testing.T) {
	inst := CoordinatorInstance{
		InstanceID:    "inst-1",
		Hostname:      "host-a",
		PID:           1234,
		Status:        InstanceRunning,
		StartedAt:     time.Now(),
		LastHeartbeat: time.Now(),
	}
	if err := inst.Validate(); err != nil {
		t.Errorf("valid instance failed validation: %v", err)
	}

	inst.PID = 0
	if err := inst.Validate(); err == nil {
		t.Error("instance with zero pid should fail validation")
	}
}

// TestLeaseExpiry verifies expiry is a strict-after comparison
func TestLeaseExpiry(t *testing.T) {
	now := time.Now()
	lease := Lease{FlowID: "f-1", ExpiresAt: now.Add(30 * time.Second)}
	if lease.IsExpired(now) {
		t.Error("lease should not be expired before its deadline")
	}
	if !lease.IsExpired(now.Add(31 * time.Second)) {
		t.Error("lease should be expired after its deadline")
	}
}
