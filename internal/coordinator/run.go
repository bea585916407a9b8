package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cloudshift-labs/surveyor/internal/agent"
	"github.com/cloudshift-labs/surveyor/internal/events"
	"github.com/cloudshift-labs/surveyor/internal/types"
)

// errCancelledMidRun aborts a flow update when cancellation won the race
var errCancelledMidRun = errors.New("flow cancelled during execution")

// rollbackSnapshot is the flow state captured at phase entry, stored
// opaquely on the phase record. Retry restores it; assets created after
// the capture are removed.
type rollbackSnapshot struct {
	AssetIDs           []string                `json:"asset_ids"`
	ProgressPercentage int                     `json:"progress_percentage"`
	PhaseCompletion    []types.PhaseCompletion `json:"phase_completion"`
	CapturedAt         time.Time               `json:"captured_at"`
}

// captureRollbackSnapshot records the flow's pre-execution state on the
// phase record and returns the asset ids alive at entry.
func (c *Coordinator) captureRollbackSnapshot(ctx context.Context, scope types.TenantScope, flow *types.Flow, phase string) ([]string, error) {
	assets, err := c.store.ListAssetsByFlow(ctx, scope, flow.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets for snapshot: %w", err)
	}
	ids := make([]string, 0, len(assets))
	for _, a := range assets {
		ids = append(ids, a.ID)
	}
	sort.Strings(ids)

	snap := rollbackSnapshot{
		AssetIDs:           ids,
		ProgressPercentage: flow.ProgressPercentage,
		PhaseCompletion:    flow.PhaseCompletion,
		CapturedAt:         time.Now().UTC(),
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rollback snapshot: %w", err)
	}
	if err := c.store.SetPhaseRollbackSnapshot(ctx, scope, flow.ID, phase, string(raw)); err != nil {
		return nil, err
	}
	return ids, nil
}

// runPhase drives one claimed phase end to end: it holds a worker slot,
// keeps the flow lease renewed, invokes the engine under the retry
// schedule, and persists the outcome. It runs detached from the request
// context; a coordinator shutdown cancels it and the phase demotes itself
// back to pending for a later resume.
func (c *Coordinator) runPhase(scope types.TenantScope, flowID, phase string, overrides map[string]string, snapshotIDs []string) {
	defer c.runsWG.Done()
	defer c.releaseLease(flowID)

	ctx := c.runCtx
	if err := c.workers.Acquire(ctx, 1); err != nil {
		c.demoteInterrupted(scope, flowID, phase, "coordinator shut down before execution started")
		return
	}
	defer c.workers.Release(1)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Renew at a third of the TTL so a healthy run never loses exclusivity.
	// A failed renewal means another instance may already own the phase;
	// the run is cancelled and everything it produced after that is dropped.
	var leaseLost atomic.Bool
	renewStop := make(chan struct{})
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		ticker := time.NewTicker(c.config.LeaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-renewStop:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := c.store.RenewLease(runCtx, flowID, c.instanceID, c.config.LeaseTTL); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: lost execution lease for flow %s: %v\n", flowID, err)
					leaseLost.Store(true)
					cancel()
					return
				}
			}
		}
	}()
	defer func() {
		close(renewStop)
		<-renewDone
	}()

	c.logEvent(runCtx, events.EventTypePhaseStarted, scope, flowID, phase, events.SeverityInfo,
		fmt.Sprintf("Engine execution started for phase %s", phase),
		map[string]interface{}{"phase": phase})

	started := time.Now()
	result, attempts, err := c.invokeEngine(runCtx, scope, flowID, phase, overrides)

	if leaseLost.Load() {
		fmt.Fprintf(os.Stderr, "Warning: discarding run for flow %s phase %s: lease no longer held\n", flowID, phase)
		return
	}

	// The run context may be cancelled by now; finishing writes get a
	// fresh one so shutdown never leaves state half-updated.
	finishCtx := context.Background()

	if err != nil {
		if runCtx.Err() != nil {
			c.demoteInterrupted(scope, flowID, phase, "run interrupted by coordinator shutdown")
			return
		}
		c.failPhase(finishCtx, scope, flowID, phase, attempts, err)
		return
	}

	c.completePhase(finishCtx, scope, flowID, phase, result, snapshotIDs, attempts, time.Since(started))
}

// invokeEngine runs the engine for one phase under the coordinator's
// retry schedule. Each attempt reloads the checkpoint and the current
// asset set, so a retry resumes from the last persisted partial batch
// instead of starting over.
func (c *Coordinator) invokeEngine(ctx context.Context, scope types.TenantScope, flowID, phase string, overrides map[string]string) (*agent.RunResult, int, error) {
	flow, err := c.store.GetFlow(ctx, scope, flowID)
	if err != nil {
		return nil, 0, err
	}
	if flow == nil {
		return nil, 0, types.NewNotFound(flowID, phase)
	}

	attempts := 0
	var result *agent.RunResult

	operation := func() error {
		attempts++
		rec, err := c.store.GetPhaseRecord(ctx, scope, flowID, phase)
		if err != nil {
			if types.IsNotFound(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		existing, err := c.store.ListAssetsByFlow(ctx, scope, flowID)
		if err != nil {
			return err
		}
		req := &agent.RunRequest{
			Flow:           flow,
			Phase:          phase,
			Overrides:      overrides,
			Checkpoint:     rec.Checkpoint,
			ExistingAssets: existing,
		}
		res, err := c.engine.RunPhase(ctx, req, c.persistPartial(scope, flowID, phase))
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}

	// BackOff implementations are stateful; always build a fresh one per run.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.EngineRetryInitial
	bo.MaxInterval = c.config.EngineRetryMax
	bo.MaxElapsedTime = c.config.EngineRetryBudget

	notify := func(attemptErr error, next time.Duration) {
		event, eerr := events.NewRetryScheduledEvent(scope, flowID, c.instanceID,
			fmt.Sprintf("Engine attempt %d failed, retrying in %v: %v", attempts, next.Round(time.Millisecond), attemptErr),
			events.RetryScheduledData{
				Phase:     phase,
				Attempt:   attempts,
				BackoffMS: next.Milliseconds(),
				Error:     attemptErr.Error(),
			})
		c.recordEvent(ctx, event, eerr)
		fmt.Printf("Flow %s: phase %s attempt %d failed, retrying in %v\n",
			flowID, phase, attempts, next.Round(time.Millisecond))
	}

	err = backoff.RetryNotify(operation, backoff.WithContext(bo, ctx), notify)
	return result, attempts, err
}

// persistPartial saves a mid-phase batch so an interrupted or retried run
// resumes from the engine's checkpoint instead of starting over. Partial
// results, once persisted, are never discarded by the retry schedule.
func (c *Coordinator) persistPartial(scope types.TenantScope, flowID, phase string) agent.PartialFunc {
	return func(ctx context.Context, assets []*types.Asset, checkpoint string) error {
		if len(assets) > 0 {
			if err := c.store.SaveAssets(ctx, assets); err != nil {
				return fmt.Errorf("failed to save partial assets: %w", err)
			}
		}
		if err := c.store.SavePhaseCheckpoint(ctx, scope, flowID, phase, checkpoint); err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		event, eerr := events.NewPartialResultsEvent(scope, flowID, c.instanceID,
			fmt.Sprintf("Persisted %d partial asset(s) for phase %s", len(assets), phase),
			events.PartialResultsData{
				Phase:           phase,
				AssetsPersisted: len(assets),
				HasCheckpoint:   checkpoint != "",
			})
		c.recordEvent(ctx, event, eerr)
		return nil
	}
}

// completePhase persists a successful run and advances the flow.
// Cancellation is re-checked first: a cancel issued mid-run wins, and the
// run's results are rolled back to the entry snapshot instead of applied.
func (c *Coordinator) completePhase(ctx context.Context, scope types.TenantScope, flowID, phase string, result *agent.RunResult, snapshotIDs []string, attempts int, duration time.Duration) {
	flow, err := c.store.GetFlow(ctx, scope, flowID)
	if err != nil || flow == nil {
		fmt.Fprintf(os.Stderr, "Warning: could not reload flow %s after phase %s: %v\n", flowID, phase, err)
		return
	}
	if flow.Status == types.FlowCancelled {
		c.discardResults(ctx, scope, flowID, phase, snapshotIDs)
		return
	}

	if len(result.Assets) > 0 {
		if err := c.store.SaveAssets(ctx, result.Assets); err != nil {
			c.failPhase(ctx, scope, flowID, phase, attempts, fmt.Errorf("failed to persist phase results: %w", err))
			return
		}
	}
	if err := c.store.SavePhaseCheckpoint(ctx, scope, flowID, phase, ""); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to clear checkpoint for flow %s phase %s: %v\n", flowID, phase, err)
	}

	assets, err := c.store.ListAssetsByFlow(ctx, scope, flowID)
	if err != nil {
		c.failPhase(ctx, scope, flowID, phase, attempts, fmt.Errorf("failed to load assets for completion check: %w", err))
		return
	}
	if err := checkPhaseOutputs(phase, assets); err != nil {
		c.failPhase(ctx, scope, flowID, phase, attempts, err)
		return
	}

	// Detection is advisory; a failure here never fails the phase. It scans
	// the persisted set rather than result.Assets: a run resumed from a
	// checkpoint returns only the batches after the resume point.
	conflictsFound := 0
	if c.detector != nil && len(assets) > 0 {
		summary, derr := c.detector.DetectAssets(ctx, scope, flowID, phase, assets)
		if derr != nil {
			fmt.Fprintf(os.Stderr, "Warning: conflict detection failed for flow %s: %v (continuing without it)\n", flowID, derr)
		} else if summary != nil {
			conflictsFound = summary.NewConflicts
			event, eerr := events.NewConflictsDetectedEvent(scope, flowID, c.instanceID,
				fmt.Sprintf("Scanned %d asset(s): %d new conflict(s), %d auto-resolved",
					summary.AssetsScanned, summary.NewConflicts, summary.AutoResolved), *summary)
			c.recordEvent(ctx, event, eerr)
		}
	}

	if err := c.store.TransitionPhase(ctx, scope, flowID, phase, types.PhaseActive, types.PhaseCompleted); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not mark phase %s completed for flow %s: %v\n", phase, flowID, err)
		return
	}

	records, err := c.store.GetPhaseRecords(ctx, scope, flowID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load phase records for flow %s: %v\n", flowID, err)
		return
	}
	next := types.NextPendingPhase(records)
	progress := flowProgress(records, "")
	def := c.plan.Find(phase)
	pause := def != nil && def.RequiresApproval

	updated, err := c.store.UpdateFlow(ctx, scope, flowID, 0, func(f *types.Flow) error {
		if f.Status == types.FlowCancelled {
			return errCancelledMidRun
		}
		f.SetPhaseCompleted(phase, true)
		f.ProgressPercentage = progress
		f.CurrentPhase = phase
		f.NextPhase = next
		switch {
		case pause:
			f.Status = types.FlowPausedForApproval
		case next == "":
			f.Status = types.FlowCompleted
		}
		return nil
	}, "coordinator")
	if errors.Is(err, errCancelledMidRun) {
		c.discardResults(ctx, scope, flowID, phase, snapshotIDs)
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to update flow %s after phase %s: %v\n", flowID, phase, err)
		return
	}

	created, updatedCount := countNewAssets(result.Assets, snapshotIDs)
	event, eerr := events.NewPhaseCompletedEvent(scope, flowID, c.instanceID,
		fmt.Sprintf("Phase %s completed in %v (%d asset(s) created, %d updated)",
			phase, duration.Round(time.Millisecond), created, updatedCount),
		events.PhaseCompletedData{
			Phase:             phase,
			DurationMS:        duration.Milliseconds(),
			AssetsCreated:     created,
			AssetsUpdated:     updatedCount,
			ConflictsDetected: conflictsFound,
		})
	c.recordEvent(ctx, event, eerr)
	fmt.Printf("Flow %s: phase %s completed in %v (%d asset(s) created, %d updated)\n",
		flowID, phase, duration.Round(time.Millisecond), created, updatedCount)

	switch updated.Status {
	case types.FlowCompleted:
		c.logEvent(ctx, events.EventTypeFlowCompleted, scope, flowID, "", events.SeverityInfo,
			"All phases complete; flow is ready for validation", nil)
		fmt.Printf("Flow %s: all phases complete\n", flowID)
	case types.FlowPausedForApproval:
		fmt.Printf("Flow %s: paused for approval after phase %s\n", flowID, phase)
	}
}

// failPhase records an exhausted run: the error lands on the phase record,
// the phase goes to failed, and the flow follows. The rollback snapshot is
// retained so Retry can restore the phase's entry state.
func (c *Coordinator) failPhase(ctx context.Context, scope types.TenantScope, flowID, phase string, attempts int, cause error) {
	if err := c.store.SetPhaseError(ctx, scope, flowID, phase, cause.Error()); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to record error for phase %s: %v\n", phase, err)
	}
	if err := c.store.TransitionPhase(ctx, scope, flowID, phase, types.PhaseActive, types.PhaseFailed); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not mark phase %s failed for flow %s: %v\n", phase, flowID, err)
		return
	}
	if _, err := c.store.UpdateFlow(ctx, scope, flowID, 0, func(f *types.Flow) error {
		if f.Status == types.FlowRunning {
			f.Status = types.FlowFailed
		}
		f.CurrentPhase = phase
		return nil
	}, "coordinator"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to update flow %s after phase failure: %v\n", flowID, err)
	}

	event, eerr := events.NewPhaseFailedEvent(scope, flowID, c.instanceID,
		fmt.Sprintf("Phase %s failed after %d attempt(s): %v", phase, attempts, cause),
		events.PhaseFailedData{Phase: phase, Error: cause.Error(), AttemptCount: attempts})
	c.recordEvent(ctx, event, eerr)
	fmt.Fprintf(os.Stderr, "Flow %s: phase %s failed after %d attempt(s): %v\n", flowID, phase, attempts, cause)
}

// discardResults rolls a cancelled flow's in-flight run back to its entry
// snapshot. The phase returns to pending for bookkeeping; the flow itself
// is already terminal.
func (c *Coordinator) discardResults(ctx context.Context, scope types.TenantScope, flowID, phase string, snapshotIDs []string) {
	deleted, err := c.store.DeleteAssetsNotIn(ctx, scope, flowID, snapshotIDs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to discard results for flow %s: %v\n", flowID, err)
		return
	}
	if err := c.store.SavePhaseCheckpoint(ctx, scope, flowID, phase, ""); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to clear checkpoint for flow %s: %v\n", flowID, err)
	}
	if err := c.store.TransitionPhase(ctx, scope, flowID, phase, types.PhaseActive, types.PhasePending); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not demote cancelled phase %s: %v\n", phase, err)
	}
	c.logEvent(ctx, events.EventTypeResultsDiscarded, scope, flowID, phase, events.SeverityWarning,
		fmt.Sprintf("Flow was cancelled during execution; %d asset(s) discarded", deleted),
		map[string]interface{}{"phase": phase, "assets_discarded": deleted})
	fmt.Printf("Flow %s: discarded %d asset(s) after cancellation\n", flowID, deleted)
}

// demoteInterrupted returns a phase to pending after a shutdown cut its
// run short. The checkpoint survives, so resume picks up where it stopped.
func (c *Coordinator) demoteInterrupted(scope types.TenantScope, flowID, phase, reason string) {
	ctx := context.Background()
	if err := c.store.TransitionPhase(ctx, scope, flowID, phase, types.PhaseActive, types.PhasePending); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not demote interrupted phase %s: %v\n", phase, err)
		return
	}
	event, eerr := events.NewStaleDemotionEvent(scope, flowID, c.instanceID,
		fmt.Sprintf("Phase %s demoted to pending: %s", phase, reason),
		events.StaleDemotionData{Phase: phase, HolderInstanceID: c.instanceID})
	c.recordEvent(ctx, event, eerr)
	fmt.Printf("Flow %s: phase %s demoted to pending (%s)\n", flowID, phase, reason)
}
