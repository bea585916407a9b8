package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cloudshift-labs/surveyor/internal/events"
	"github.com/cloudshift-labs/surveyor/internal/types"
)

// Initialize creates a flow at the first phase of the plan, every phase
// record pending.
func (c *Coordinator) Initialize(ctx context.Context, scope types.TenantScope, importRef string, metadata map[string]string, actor string) (*types.Flow, error) {
	if err := scope.Validate(); err != nil {
		return nil, types.NewValidationError("", "", err.Error())
	}
	if strings.TrimSpace(importRef) == "" {
		return nil, types.NewValidationError("", "", "import payload reference is required")
	}

	now := time.Now().UTC()
	flow := &types.Flow{
		ID:              uuid.New().String(),
		ClientAccountID: scope.ClientAccountID,
		EngagementID:    scope.EngagementID,
		Status:          types.FlowInitialized,
		CurrentPhase:    c.plan.First(),
		NextPhase:       c.plan.After(c.plan.First()),
		RawPayloadRef:   importRef,
		Metadata:        metadata,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, def := range c.plan.Phases {
		flow.PhaseCompletion = append(flow.PhaseCompletion, types.PhaseCompletion{Phase: def.Name})
	}

	if err := c.store.CreateFlow(ctx, flow, c.plan, actor); err != nil {
		return nil, err
	}

	c.logEvent(ctx, events.EventTypeFlowCreated, scope, flow.ID, "", events.SeverityInfo,
		fmt.Sprintf("Flow initialized with %d phases (import: %s)", len(c.plan.Phases), importRef), nil)
	fmt.Printf("Flow %s: initialized for tenant %s (%d phases)\n", flow.ID, scope, len(c.plan.Phases))
	return flow, nil
}

// ExecutePhase claims a flow's next unit of work and dispatches the engine
// run in the background, returning the accepted flow state immediately.
// Re-executing a completed or skipped phase is a no-op that reports the
// current state. At most one phase of a flow executes at a time; the loser
// of a concurrent claim gets a state conflict from the lease.
func (c *Coordinator) ExecutePhase(ctx context.Context, scope types.TenantScope, flowID, phase string, overrides map[string]string, actor string) (*types.Flow, error) {
	if err := scope.Validate(); err != nil {
		return nil, types.NewValidationError(flowID, phase, err.Error())
	}
	flow, err := c.loadFlow(ctx, scope, flowID)
	if err != nil {
		return nil, err
	}
	switch flow.Status {
	case types.FlowCancelled:
		return nil, types.NewStateConflict(flowID, phase, "flow is cancelled")
	case types.FlowCompleted:
		return nil, types.NewStateConflict(flowID, phase, "flow is already completed")
	case types.FlowFailed:
		return nil, types.NewStateConflict(flowID, phase, "flow has failed; retry it to re-enter the failed phase")
	case types.FlowPausedForApproval:
		return nil, types.NewStateConflict(flowID, phase, "flow is paused for approval; resume it to continue")
	}

	records, err := c.store.GetPhaseRecords(ctx, scope, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load phase records: %w", err)
	}
	rec := findRecord(records, phase)
	if rec == nil {
		return nil, types.NewNotFound(flowID, phase)
	}
	if rec.Status.IsTerminal() {
		// Idempotent: the phase already ran; report state without a new claim.
		return flow, nil
	}
	if rec.Status == types.PhaseFailed {
		return nil, types.NewStateConflict(flowID, phase,
			fmt.Sprintf("phase %s has failed; retry the flow to re-enter it", phase))
	}
	if err := types.CanActivate(records, phase); err != nil {
		return nil, types.NewStateConflict(flowID, phase, err.Error())
	}

	// Fail fast while nothing is claimed yet
	if err := c.engine.HealthCheck(ctx); err != nil {
		return nil, types.NewAgentExecutionError(flowID, phase, fmt.Errorf("engine unavailable: %w", err))
	}

	if _, err := c.store.AcquireLease(ctx, flowID, c.instanceID, phase, c.config.LeaseTTL); err != nil {
		return nil, err
	}

	// Past this point a setup failure must return the claim
	if err := c.store.TransitionPhase(ctx, scope, flowID, phase, types.PhasePending, types.PhaseActive); err != nil {
		c.releaseLease(flowID)
		return nil, err
	}

	snapshotIDs, err := c.captureRollbackSnapshot(ctx, scope, flow, phase)
	if err != nil {
		c.abortClaim(ctx, scope, flowID, phase)
		return nil, err
	}

	updated, err := c.store.UpdateFlow(ctx, scope, flowID, 0, func(f *types.Flow) error {
		switch f.Status {
		case types.FlowInitialized:
			f.Status = types.FlowRunning
		case types.FlowRunning:
		default:
			return types.NewStateConflict(flowID, phase, fmt.Sprintf("flow is %s", f.Status))
		}
		f.CurrentPhase = phase
		f.NextPhase = c.plan.After(phase)
		return nil
	}, actor)
	if err != nil {
		c.abortClaim(ctx, scope, flowID, phase)
		return nil, err
	}

	c.logEvent(ctx, events.EventTypePhaseClaimed, scope, flowID, phase, events.SeverityInfo,
		fmt.Sprintf("Claimed phase %s (lease ttl %v)", phase, c.config.LeaseTTL),
		map[string]interface{}{"phase": phase, "attempt": rec.AttemptCount + 1})
	fmt.Printf("Flow %s: executing phase %s (attempt %d)\n", flowID, phase, rec.AttemptCount+1)

	c.runsWG.Add(1)
	go c.runPhase(scope, flowID, phase, overrides, snapshotIDs)

	return updated, nil
}

// Resume re-enters a flow at its first non-terminal phase. A stale active
// phase (lease expired or holder dead) is demoted first; an active phase
// with a live execution is a conflict. Cancelled and failed flows are not
// resumable: the first is dead, the second must go through Retry.
func (c *Coordinator) Resume(ctx context.Context, scope types.TenantScope, flowID, actor string) (*types.Flow, error) {
	if err := scope.Validate(); err != nil {
		return nil, types.NewValidationError(flowID, "", err.Error())
	}
	flow, err := c.loadFlow(ctx, scope, flowID)
	if err != nil {
		return nil, err
	}
	switch flow.Status {
	case types.FlowCancelled:
		return nil, types.NewFlowUnresumable(flowID, "flow is cancelled; start a new flow")
	case types.FlowFailed:
		return nil, types.NewFlowUnresumable(flowID, "flow has failed; retry it or start a new flow")
	case types.FlowCompleted:
		return nil, types.NewStateConflict(flowID, "", "flow is already completed")
	}

	records, err := c.store.GetPhaseRecords(ctx, scope, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load phase records: %w", err)
	}
	records, err = c.demoteStaleActive(ctx, scope, flowID, records)
	if err != nil {
		return nil, err
	}

	approved := false
	if flow.Status == types.FlowPausedForApproval {
		flow, err = c.store.UpdateFlow(ctx, scope, flowID, 0, func(f *types.Flow) error {
			if f.Status == types.FlowPausedForApproval {
				f.Status = types.FlowRunning
			}
			return nil
		}, actor)
		if err != nil {
			return nil, err
		}
		approved = true
	}

	next := types.NextPendingPhase(records)
	if next == "" {
		return c.finalizeFlow(ctx, scope, flowID, actor)
	}

	// A failed phase record with a non-failed flow means a crash landed
	// between the two writes; finish the failure so Retry can take over.
	if rec := findRecord(records, next); rec != nil && rec.Status == types.PhaseFailed {
		if _, err := c.store.UpdateFlow(ctx, scope, flowID, 0, func(f *types.Flow) error {
			if f.Status == types.FlowRunning {
				f.Status = types.FlowFailed
			}
			return nil
		}, actor); err != nil {
			return nil, err
		}
		return nil, types.NewFlowUnresumable(flowID, "flow has failed; retry it or start a new flow")
	}

	message := fmt.Sprintf("Resuming at phase %s", next)
	if approved {
		message = fmt.Sprintf("Approval recorded; resuming at phase %s", next)
	}
	c.logEvent(ctx, events.EventTypeFlowResumed, scope, flowID, next, events.SeverityInfo, message, nil)

	return c.ExecutePhase(ctx, scope, flowID, next, nil, actor)
}

// Retry re-enters a failed flow at its failed phase. The phase's entry
// snapshot is restored first: assets created by the failed run are removed
// and the checkpoint is cleared, so the engine starts the phase over
// rather than resuming from state that no longer exists.
func (c *Coordinator) Retry(ctx context.Context, scope types.TenantScope, flowID, actor string) (*types.Flow, error) {
	if err := scope.Validate(); err != nil {
		return nil, types.NewValidationError(flowID, "", err.Error())
	}
	flow, err := c.loadFlow(ctx, scope, flowID)
	if err != nil {
		return nil, err
	}
	if flow.Status != types.FlowFailed {
		return nil, types.NewStateConflict(flowID, "",
			fmt.Sprintf("only failed flows can be retried (flow is %s)", flow.Status))
	}

	records, err := c.store.GetPhaseRecords(ctx, scope, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load phase records: %w", err)
	}
	var failed *types.PhaseRecord
	for _, rec := range records {
		if rec.Status == types.PhaseFailed {
			failed = rec
			break
		}
	}
	if failed == nil {
		return nil, types.NewStateConflict(flowID, "", "no failed phase found to retry")
	}

	deleted := 0
	var snap rollbackSnapshot
	restored := false
	if failed.RollbackSnapshot != "" {
		if err := json.Unmarshal([]byte(failed.RollbackSnapshot), &snap); err != nil {
			return nil, fmt.Errorf("failed to decode rollback snapshot: %w", err)
		}
		deleted, err = c.store.DeleteAssetsNotIn(ctx, scope, flowID, snap.AssetIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to restore rollback snapshot: %w", err)
		}
		restored = true
	}
	if err := c.store.SavePhaseCheckpoint(ctx, scope, flowID, failed.Phase, ""); err != nil {
		return nil, fmt.Errorf("failed to clear checkpoint: %w", err)
	}
	if err := c.store.TransitionPhase(ctx, scope, flowID, failed.Phase, types.PhaseFailed, types.PhasePending); err != nil {
		return nil, err
	}
	if _, err := c.store.UpdateFlow(ctx, scope, flowID, 0, func(f *types.Flow) error {
		f.Status = types.FlowRunning
		if restored {
			f.ProgressPercentage = snap.ProgressPercentage
			f.PhaseCompletion = snap.PhaseCompletion
		}
		f.SetPhaseCompleted(failed.Phase, false)
		f.CurrentPhase = failed.Phase
		f.NextPhase = c.plan.After(failed.Phase)
		return nil
	}, actor); err != nil {
		return nil, err
	}

	c.logEvent(ctx, events.EventTypeFlowResumed, scope, flowID, failed.Phase, events.SeverityInfo,
		fmt.Sprintf("Retrying failed phase %s (%d asset(s) rolled back)", failed.Phase, deleted),
		map[string]interface{}{"phase": failed.Phase, "assets_rolled_back": deleted})
	fmt.Printf("Flow %s: retrying phase %s (%d asset(s) rolled back)\n", flowID, failed.Phase, deleted)

	return c.ExecutePhase(ctx, scope, flowID, failed.Phase, nil, actor)
}

// Cancel moves a non-terminal flow to cancelled. An in-flight engine run
// is not killed; when it finishes, its results are discarded and a
// cancellation event recorded in its place.
func (c *Coordinator) Cancel(ctx context.Context, scope types.TenantScope, flowID, actor string) (*types.Flow, error) {
	if err := scope.Validate(); err != nil {
		return nil, types.NewValidationError(flowID, "", err.Error())
	}
	flow, err := c.loadFlow(ctx, scope, flowID)
	if err != nil {
		return nil, err
	}
	if flow.Status.IsTerminal() {
		return nil, types.NewStateConflict(flowID, "", fmt.Sprintf("flow is already %s", flow.Status))
	}

	updated, err := c.store.UpdateFlow(ctx, scope, flowID, 0, func(f *types.Flow) error {
		if f.Status.IsTerminal() {
			return types.NewStateConflict(flowID, "", fmt.Sprintf("flow is already %s", f.Status))
		}
		f.Status = types.FlowCancelled
		f.NextPhase = ""
		return nil
	}, actor)
	if err != nil {
		return nil, err
	}

	if err := c.store.AddAuditEntry(ctx, &types.AuditEntry{
		FlowID:          flowID,
		ClientAccountID: scope.ClientAccountID,
		EngagementID:    scope.EngagementID,
		Action:          types.AuditFlowCancelled,
		Actor:           actor,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to record cancellation audit entry: %v\n", err)
	}

	c.logEvent(ctx, events.EventTypeFlowCancelled, scope, flowID, "", events.SeverityWarning,
		fmt.Sprintf("Flow cancelled by %s", actor), nil)
	fmt.Printf("Flow %s: cancelled (an in-flight execution will discard its results)\n", flowID)
	return updated, nil
}

// SkipPhase marks an optional pending phase skipped. Mandatory phases can
// never be skipped; skipping an already-skipped phase is a no-op.
func (c *Coordinator) SkipPhase(ctx context.Context, scope types.TenantScope, flowID, phase, actor string) (*types.Flow, error) {
	if err := scope.Validate(); err != nil {
		return nil, types.NewValidationError(flowID, phase, err.Error())
	}
	flow, err := c.loadFlow(ctx, scope, flowID)
	if err != nil {
		return nil, err
	}
	if flow.Status.IsTerminal() {
		return nil, types.NewStateConflict(flowID, phase, fmt.Sprintf("flow is %s", flow.Status))
	}
	def := c.plan.Find(phase)
	if def == nil {
		return nil, types.NewNotFound(flowID, phase)
	}
	if !def.Optional {
		return nil, types.NewStateConflict(flowID, phase,
			fmt.Sprintf("phase %s is mandatory and cannot be skipped", phase))
	}
	rec, err := c.store.GetPhaseRecord(ctx, scope, flowID, phase)
	if err != nil {
		return nil, err
	}
	if rec.Status == types.PhaseSkipped {
		return flow, nil
	}
	if rec.Status != types.PhasePending {
		return nil, types.NewStateConflict(flowID, phase,
			fmt.Sprintf("phase %s is %s; only pending phases can be skipped", phase, rec.Status))
	}

	if err := c.store.TransitionPhase(ctx, scope, flowID, phase, types.PhasePending, types.PhaseSkipped); err != nil {
		return nil, err
	}
	records, err := c.store.GetPhaseRecords(ctx, scope, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load phase records: %w", err)
	}
	next := types.NextPendingPhase(records)
	progress := flowProgress(records, "")

	updated, err := c.store.UpdateFlow(ctx, scope, flowID, 0, func(f *types.Flow) error {
		f.NextPhase = next
		f.ProgressPercentage = progress
		if next == "" && f.Status == types.FlowRunning {
			f.Status = types.FlowCompleted
		}
		return nil
	}, actor)
	if err != nil {
		return nil, err
	}

	c.logEvent(ctx, events.EventTypePhaseSkipped, scope, flowID, phase, events.SeverityInfo,
		fmt.Sprintf("Phase %s skipped by %s", phase, actor), nil)
	fmt.Printf("Flow %s: phase %s skipped\n", flowID, phase)
	return updated, nil
}

// loadFlow fetches a tenant's flow, mapping absence to not-found. A flow
// under another tenant's scope behaves exactly like a missing one.
func (c *Coordinator) loadFlow(ctx context.Context, scope types.TenantScope, flowID string) (*types.Flow, error) {
	flow, err := c.store.GetFlow(ctx, scope, flowID)
	if err != nil {
		return nil, err
	}
	if flow == nil {
		return nil, types.NewNotFound(flowID, "")
	}
	return flow, nil
}

// finalizeFlow closes out a flow whose phases are all terminal
func (c *Coordinator) finalizeFlow(ctx context.Context, scope types.TenantScope, flowID, actor string) (*types.Flow, error) {
	updated, err := c.store.UpdateFlow(ctx, scope, flowID, 0, func(f *types.Flow) error {
		f.Status = types.FlowCompleted
		f.NextPhase = ""
		f.ProgressPercentage = 100
		return nil
	}, actor)
	if err != nil {
		return nil, err
	}
	c.logEvent(ctx, events.EventTypeFlowCompleted, scope, flowID, "", events.SeverityInfo,
		"All phases complete; flow is ready for validation", nil)
	fmt.Printf("Flow %s: all phases complete\n", flowID)
	return updated, nil
}

// demoteStaleActive clears an orphaned active phase so resume can re-enter
// it. An active phase whose lease has a live holder is a conflict, not an
// orphan.
func (c *Coordinator) demoteStaleActive(ctx context.Context, scope types.TenantScope, flowID string, records []*types.PhaseRecord) ([]*types.PhaseRecord, error) {
	active := types.ActivePhase(records)
	if active == nil {
		return records, nil
	}
	lease, err := c.store.GetLease(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect lease: %w", err)
	}
	if _, err := c.store.DemoteOrphanedActivePhases(ctx, c.config.StaleThreshold); err != nil {
		return nil, fmt.Errorf("failed to demote orphaned phases: %w", err)
	}
	records, err = c.store.GetPhaseRecords(ctx, scope, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload phase records: %w", err)
	}
	if again := types.ActivePhase(records); again != nil {
		return nil, types.NewStateConflict(flowID, again.Phase,
			fmt.Sprintf("phase %s is executing", again.Phase))
	}

	data := events.StaleDemotionData{Phase: active.Phase}
	if lease != nil {
		data.HolderInstanceID = lease.HolderInstanceID
		data.HeartbeatAgeSecs = int64(time.Since(lease.LastHeartbeat).Seconds())
	}
	event, eerr := events.NewStaleDemotionEvent(scope, flowID, c.instanceID,
		fmt.Sprintf("Demoted stale active phase %s; no live execution holds the lease", active.Phase), data)
	c.recordEvent(ctx, event, eerr)
	fmt.Printf("Flow %s: demoted stale active phase %s\n", flowID, active.Phase)
	return records, nil
}

// abortClaim undoes a partially claimed phase after a setup failure
func (c *Coordinator) abortClaim(ctx context.Context, scope types.TenantScope, flowID, phase string) {
	if err := c.store.TransitionPhase(ctx, scope, flowID, phase, types.PhaseActive, types.PhasePending); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to return phase %s to pending: %v\n", phase, err)
	}
	c.releaseLease(flowID)
}

// releaseLease gives up this instance's claim on a flow. Holder-checked in
// storage, so releasing after a lease loss is harmless.
func (c *Coordinator) releaseLease(flowID string) {
	if err := c.store.ReleaseLease(context.Background(), flowID, c.instanceID); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to release lease for flow %s: %v\n", flowID, err)
	}
}
