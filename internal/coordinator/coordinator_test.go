package coordinator

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cloudshift-labs/surveyor/internal/agent"
	"github.com/cloudshift-labs/surveyor/internal/events"
	"github.com/cloudshift-labs/surveyor/internal/storage/sqlite"
	"github.com/cloudshift-labs/surveyor/internal/types"
)

// newTestCoordinator wires a coordinator to a temp sqlite database and the
// given stub engine. Loop intervals are long so nothing fires unless a test
// calls Start and waits for it; engine retries are tightened for speed.
func newTestCoordinator(t *testing.T, eng *agent.StubEngine, tweak func(*Config)) (*Coordinator, *sqlite.SQLiteStorage) {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "coordinator-test-*.db")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	_ = tmpfile.Close()

	store, err := sqlite.New(context.Background(), tmpfile.Name())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
		_ = os.Remove(tmpfile.Name())
	})

	cfg := DefaultConfig()
	cfg.LeaseTTL = 5 * time.Second
	cfg.HeartbeatPeriod = time.Hour
	cfg.SweepInterval = time.Hour
	cfg.RetentionInterval = time.Hour
	cfg.EngineRetryInitial = time.Millisecond
	cfg.EngineRetryMax = 5 * time.Millisecond
	cfg.EngineRetryBudget = 250 * time.Millisecond
	if tweak != nil {
		tweak(cfg)
	}

	coord, err := New(store, eng, cfg)
	if err != nil {
		t.Fatalf("Failed to create coordinator: %v", err)
	}
	return coord, store
}

func testScope() types.TenantScope {
	return types.TenantScope{ClientAccountID: "acct-1", EngagementID: "eng-1"}
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// waitSettled waits until the flow reaches status and its lease is gone,
// i.e. the run goroutine has fully unwound.
func waitSettled(t *testing.T, store *sqlite.SQLiteStorage, scope types.TenantScope, flowID string, status types.FlowStatus) *types.Flow {
	t.Helper()
	ctx := context.Background()
	var flow *types.Flow
	waitFor(t, func() bool {
		f, err := store.GetFlow(ctx, scope, flowID)
		if err != nil || f == nil || f.Status != status {
			return false
		}
		lease, err := store.GetLease(ctx, flowID)
		if err != nil || lease != nil {
			return false
		}
		flow = f
		return true
	}, "flow "+flowID+" to settle at "+string(status))
	return flow
}

// waitPhaseSettled waits until the phase reaches status and the flow lease
// is released.
func waitPhaseSettled(t *testing.T, store *sqlite.SQLiteStorage, scope types.TenantScope, flowID, phase string, status types.PhaseStatus) *types.PhaseRecord {
	t.Helper()
	ctx := context.Background()
	var rec *types.PhaseRecord
	waitFor(t, func() bool {
		r, err := store.GetPhaseRecord(ctx, scope, flowID, phase)
		if err != nil || r.Status != status {
			return false
		}
		lease, err := store.GetLease(ctx, flowID)
		if err != nil || lease != nil {
			return false
		}
		rec = r
		return true
	}, "phase "+phase+" to settle at "+string(status))
	return rec
}

// waitIdle waits until no lease and no active phase remain, then returns
// the flow.
func waitIdle(t *testing.T, store *sqlite.SQLiteStorage, scope types.TenantScope, flowID string) *types.Flow {
	t.Helper()
	ctx := context.Background()
	var flow *types.Flow
	waitFor(t, func() bool {
		lease, err := store.GetLease(ctx, flowID)
		if err != nil || lease != nil {
			return false
		}
		records, err := store.GetPhaseRecords(ctx, scope, flowID)
		if err != nil || types.ActivePhase(records) != nil {
			return false
		}
		f, err := store.GetFlow(ctx, scope, flowID)
		if err != nil || f == nil {
			return false
		}
		flow = f
		return true
	}, "flow "+flowID+" to go idle")
	return flow
}

func countEvents(t *testing.T, store *sqlite.SQLiteStorage, flowID string, eventType events.EventType) int {
	t.Helper()
	evts, err := store.GetFlowEvents(context.Background(), events.EventFilter{
		FlowID: flowID,
		Types:  []events.EventType{eventType},
	})
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	return len(evts)
}

// recordingDetector captures which phases triggered conflict detection
type recordingDetector struct {
	mu     sync.Mutex
	phases []string
}

func (d *recordingDetector) DetectAssets(ctx context.Context, scope types.TenantScope, flowID, phase string, assets []*types.Asset) (*events.ConflictsDetectedData, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.phases = append(d.phases, phase)
	return &events.ConflictsDetectedData{Phase: phase, AssetsScanned: len(assets)}, nil
}

func (d *recordingDetector) seen() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.phases))
	copy(out, d.phases)
	return out
}

func TestInitializeSeedsFlow(t *testing.T) {
	coord, store := newTestCoordinator(t, agent.NewStubEngine(), nil)
	ctx := context.Background()
	scope := testScope()

	flow, err := coord.Initialize(ctx, scope, "s3://imports/inventory.csv", map[string]string{"source": "cmdb"}, "tester")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if flow.Status != types.FlowInitialized {
		t.Errorf("Status = %s, want %s", flow.Status, types.FlowInitialized)
	}
	if flow.CurrentPhase != types.PhaseImportInventory {
		t.Errorf("CurrentPhase = %s, want %s", flow.CurrentPhase, types.PhaseImportInventory)
	}
	if flow.NextPhase != types.PhaseFieldMapping {
		t.Errorf("NextPhase = %s, want %s", flow.NextPhase, types.PhaseFieldMapping)
	}
	if len(flow.PhaseCompletion) != 7 {
		t.Errorf("PhaseCompletion length = %d, want 7", len(flow.PhaseCompletion))
	}

	records, err := store.GetPhaseRecords(ctx, scope, flow.ID)
	if err != nil {
		t.Fatalf("Failed to get phase records: %v", err)
	}
	if len(records) != 7 {
		t.Fatalf("Phase record count = %d, want 7", len(records))
	}
	for _, rec := range records {
		if rec.Status != types.PhasePending {
			t.Errorf("Phase %s status = %s, want pending", rec.Phase, rec.Status)
		}
	}

	if n := countEvents(t, store, flow.ID, events.EventTypeFlowCreated); n != 1 {
		t.Errorf("flow_created events = %d, want 1", n)
	}
}

func TestInitializeValidation(t *testing.T) {
	coord, _ := newTestCoordinator(t, agent.NewStubEngine(), nil)
	ctx := context.Background()

	_, err := coord.Initialize(ctx, types.TenantScope{EngagementID: "eng-1"}, "s3://imports/x.csv", nil, "tester")
	if !types.IsValidationError(err) {
		t.Errorf("Expected validation error for missing account, got %v", err)
	}

	_, err = coord.Initialize(ctx, testScope(), "   ", nil, "tester")
	if !types.IsValidationError(err) {
		t.Errorf("Expected validation error for blank import ref, got %v", err)
	}
}

func TestExecutePhaseRunsToCompletion(t *testing.T) {
	eng := agent.NewStubEngine()
	eng.AssetCount = 3
	coord, store := newTestCoordinator(t, eng, nil)
	ctx := context.Background()
	scope := testScope()

	flow, err := coord.Initialize(ctx, scope, "s3://imports/inventory.csv", nil, "tester")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	accepted, err := coord.ExecutePhase(ctx, scope, flow.ID, types.PhaseImportInventory, nil, "tester")
	if err != nil {
		t.Fatalf("ExecutePhase() error = %v", err)
	}
	if accepted.Status != types.FlowRunning {
		t.Errorf("Accepted status = %s, want %s", accepted.Status, types.FlowRunning)
	}

	rec := waitPhaseSettled(t, store, scope, flow.ID, types.PhaseImportInventory, types.PhaseCompleted)
	if rec.CompletedAt == nil {
		t.Error("Expected completed_at to be set")
	}
	if rec.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", rec.AttemptCount)
	}
	if rec.Checkpoint != "" {
		t.Errorf("Checkpoint = %q, want empty after completion", rec.Checkpoint)
	}

	assets, err := store.ListAssetsByFlow(ctx, scope, flow.ID)
	if err != nil {
		t.Fatalf("Failed to list assets: %v", err)
	}
	if len(assets) != 3 {
		t.Errorf("Asset count = %d, want 3", len(assets))
	}

	got, err := store.GetFlow(ctx, scope, flow.ID)
	if err != nil {
		t.Fatalf("Failed to get flow: %v", err)
	}
	if got.Status != types.FlowRunning {
		t.Errorf("Flow status = %s, want %s", got.Status, types.FlowRunning)
	}
	if got.NextPhase != types.PhaseFieldMapping {
		t.Errorf("NextPhase = %s, want %s", got.NextPhase, types.PhaseFieldMapping)
	}
	if got.ProgressPercentage != 100/7 {
		t.Errorf("ProgressPercentage = %d, want %d", got.ProgressPercentage, 100/7)
	}

	for _, et := range []events.EventType{
		events.EventTypePhaseClaimed,
		events.EventTypePhaseStarted,
		events.EventTypePhaseCompleted,
	} {
		if n := countEvents(t, store, flow.ID, et); n != 1 {
			t.Errorf("%s events = %d, want 1", et, n)
		}
	}
}

func TestExecutePhaseIdempotentOnCompleted(t *testing.T) {
	eng := agent.NewStubEngine()
	coord, store := newTestCoordinator(t, eng, nil)
	ctx := context.Background()
	scope := testScope()

	flow, err := coord.Initialize(ctx, scope, "s3://imports/inventory.csv", nil, "tester")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if _, err := coord.ExecutePhase(ctx, scope, flow.ID, types.PhaseImportInventory, nil, "tester"); err != nil {
		t.Fatalf("ExecutePhase() error = %v", err)
	}
	waitPhaseSettled(t, store, scope, flow.ID, types.PhaseImportInventory, types.PhaseCompleted)

	got, err := coord.ExecutePhase(ctx, scope, flow.ID, types.PhaseImportInventory, nil, "tester")
	if err != nil {
		t.Fatalf("Re-executing completed phase should be a no-op, got %v", err)
	}
	if got == nil {
		t.Fatal("Expected flow state from idempotent execute")
	}
	if calls := eng.Calls(types.PhaseImportInventory); calls != 1 {
		t.Errorf("Engine calls = %d, want 1 (no re-run)", calls)
	}
}

func TestExecutePhaseOrderingAndUnknownPhase(t *testing.T) {
	coord, _ := newTestCoordinator(t, agent.NewStubEngine(), nil)
	ctx := context.Background()
	scope := testScope()

	flow, err := coord.Initialize(ctx, scope, "s3://imports/inventory.csv", nil, "tester")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	_, err = coord.ExecutePhase(ctx, scope, flow.ID, types.PhaseFieldMapping, nil, "tester")
	if !types.IsStateConflict(err) {
		t.Errorf("Expected state conflict executing out of order, got %v", err)
	}

	_, err = coord.ExecutePhase(ctx, scope, flow.ID, "bogus_phase", nil, "tester")
	if !types.IsNotFound(err) {
		t.Errorf("Expected not found for unknown phase, got %v", err)
	}
}

func TestExecutePhaseEngineUnhealthy(t *testing.T) {
	eng := agent.NewStubEngine()
	eng.Unhealthy = errors.New("model endpoint offline")
	coord, store := newTestCoordinator(t, eng, nil)
	ctx := context.Background()
	scope := testScope()

	flow, err := coord.Initialize(ctx, scope, "s3://imports/inventory.csv", nil, "tester")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	_, err = coord.ExecutePhase(ctx, scope, flow.ID, types.PhaseImportInventory, nil, "tester")
	if !types.IsAgentExecutionFailure(err) {
		t.Fatalf("Expected agent execution failure, got %v", err)
	}

	// Nothing was claimed: phase still pending, no lease
	rec, err := store.GetPhaseRecord(ctx, scope, flow.ID, types.PhaseImportInventory)
	if err != nil {
		t.Fatalf("Failed to get phase record: %v", err)
	}
	if rec.Status != types.PhasePending {
		t.Errorf("Phase status = %s, want pending", rec.Status)
	}
	lease, err := store.GetLease(ctx, flow.ID)
	if err != nil {
		t.Fatalf("Failed to get lease: %v", err)
	}
	if lease != nil {
		t.Error("Expected no lease after failed health check")
	}
}

func TestExecutePhaseConcurrentClaims(t *testing.T) {
	eng := agent.NewStubEngine()
	eng.Delay = 300 * time.Millisecond
	coord, store := newTestCoordinator(t, eng, nil)
	ctx := context.Background()
	scope := testScope()

	flow, err := coord.Initialize(ctx, scope, "s3://imports/inventory.csv", nil, "tester")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	const claimers = 4
	errs := make(chan error, claimers)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := coord.ExecutePhase(ctx, scope, flow.ID, types.PhaseImportInventory, nil, "tester")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	won, lost := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			won++
		case types.IsStateConflict(err):
			lost++
		default:
			t.Errorf("Unexpected claim error: %v", err)
		}
	}
	if won != 1 {
		t.Errorf("Winners = %d, want 1", won)
	}
	if lost != claimers-1 {
		t.Errorf("Losers = %d, want %d", lost, claimers-1)
	}

	waitPhaseSettled(t, store, scope, flow.ID, types.PhaseImportInventory, types.PhaseCompleted)
	if calls := eng.Calls(types.PhaseImportInventory); calls != 1 {
		t.Errorf("Engine calls = %d, want 1", calls)
	}
}

func TestPhaseFailureRetainsPartialsAndRetryRestores(t *testing.T) {
	eng := agent.NewStubEngine()
	eng.AssetCount = 4
	eng.Batches = 2
	eng.FailuresByPhase = map[string]int{types.PhaseImportInventory: 1000}
	coord, store := newTestCoordinator(t, eng, func(cfg *Config) {
		cfg.EngineRetryInitial = 5 * time.Millisecond
		cfg.EngineRetryBudget = 30 * time.Millisecond
	})
	ctx := context.Background()
	scope := testScope()

	flow, err := coord.Initialize(ctx, scope, "s3://imports/inventory.csv", nil, "tester")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if _, err := coord.ExecutePhase(ctx, scope, flow.ID, types.PhaseImportInventory, nil, "tester"); err != nil {
		t.Fatalf("ExecutePhase() error = %v", err)
	}

	waitSettled(t, store, scope, flow.ID, types.FlowFailed)

	rec, err := store.GetPhaseRecord(ctx, scope, flow.ID, types.PhaseImportInventory)
	if err != nil {
		t.Fatalf("Failed to get phase record: %v", err)
	}
	if rec.Status != types.PhaseFailed {
		t.Fatalf("Phase status = %s, want failed", rec.Status)
	}
	if rec.ErrorMessage == "" {
		t.Error("Expected error message on failed phase")
	}
	if rec.Checkpoint == "" {
		t.Error("Expected checkpoint retained from partial batches")
	}
	if rec.RollbackSnapshot == "" {
		t.Error("Expected rollback snapshot retained for retry")
	}

	partials, err := store.ListAssetsByFlow(ctx, scope, flow.ID)
	if err != nil {
		t.Fatalf("Failed to list assets: %v", err)
	}
	if len(partials) == 0 {
		t.Error("Expected partial assets persisted across in-run retries")
	}

	if n := countEvents(t, store, flow.ID, events.EventTypeRetryScheduled); n == 0 {
		t.Error("Expected retry_scheduled events from in-run backoff")
	}
	if n := countEvents(t, store, flow.ID, events.EventTypePhaseFailed); n != 1 {
		t.Errorf("phase_failed events = %d, want 1", n)
	}

	// Resume refuses a failed flow; only Retry re-enters it
	if _, err := coord.Resume(ctx, scope, flow.ID, "tester"); !types.IsFlowUnresumable(err) {
		t.Errorf("Expected unresumable resuming failed flow, got %v", err)
	}

	// Let the engine succeed this time
	eng.FailuresByPhase = nil

	if _, err := coord.Retry(ctx, scope, flow.ID, "tester"); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	rec = waitPhaseSettled(t, store, scope, flow.ID, types.PhaseImportInventory, types.PhaseCompleted)
	if rec.AttemptCount != 2 {
		t.Errorf("AttemptCount = %d, want 2", rec.AttemptCount)
	}
	if rec.Checkpoint != "" {
		t.Errorf("Checkpoint = %q, want cleared (retry restarts the phase)", rec.Checkpoint)
	}

	// The retry rolled back the failed run's partials and re-imported
	assets, err := store.ListAssetsByFlow(ctx, scope, flow.ID)
	if err != nil {
		t.Fatalf("Failed to list assets: %v", err)
	}
	if len(assets) != 4 {
		t.Errorf("Asset count = %d, want 4", len(assets))
	}

	got, err := store.GetFlow(ctx, scope, flow.ID)
	if err != nil {
		t.Fatalf("Failed to get flow: %v", err)
	}
	if got.Status != types.FlowRunning {
		t.Errorf("Flow status = %s, want %s", got.Status, types.FlowRunning)
	}
}

func TestRetryRequiresFailedFlow(t *testing.T) {
	coord, _ := newTestCoordinator(t, agent.NewStubEngine(), nil)
	ctx := context.Background()
	scope := testScope()

	flow, err := coord.Initialize(ctx, scope, "s3://imports/inventory.csv", nil, "tester")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	_, err = coord.Retry(ctx, scope, flow.ID, "tester")
	if !types.IsStateConflict(err) {
		t.Errorf("Expected state conflict retrying non-failed flow, got %v", err)
	}
}

func TestResumeWalksFlowToCompletion(t *testing.T) {
	eng := agent.NewStubEngine()
	eng.AssetCount = 2
	detector := &recordingDetector{}
	coord, store := newTestCoordinator(t, eng, func(cfg *Config) {
		cfg.Detector = detector
	})
	ctx := context.Background()
	scope := testScope()

	flow, err := coord.Initialize(ctx, scope, "s3://imports/inventory.csv", nil, "tester")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	sawPause := false
	for i := 0; i < 12; i++ {
		state := waitIdle(t, store, scope, flow.ID)
		if state.Status == types.FlowPausedForApproval {
			sawPause = true
		}
		if state.Status == types.FlowCompleted {
			break
		}
		if _, err := coord.Resume(ctx, scope, flow.ID, "tester"); err != nil {
			t.Fatalf("Resume() iteration %d error = %v", i, err)
		}
	}

	final := waitSettled(t, store, scope, flow.ID, types.FlowCompleted)
	if !sawPause {
		t.Error("Expected flow to pause for approval after readiness assessment")
	}
	if final.ProgressPercentage != 100 {
		t.Errorf("ProgressPercentage = %d, want 100", final.ProgressPercentage)
	}
	if final.NextPhase != "" {
		t.Errorf("NextPhase = %q, want empty", final.NextPhase)
	}

	records, err := store.GetPhaseRecords(ctx, scope, flow.ID)
	if err != nil {
		t.Fatalf("Failed to get phase records: %v", err)
	}
	for _, rec := range records {
		if rec.Status != types.PhaseCompleted {
			t.Errorf("Phase %s status = %s, want completed", rec.Phase, rec.Status)
		}
	}

	plan := types.DefaultPhasePlan()
	for _, def := range plan.Phases {
		if calls := eng.Calls(def.Name); calls != 1 {
			t.Errorf("Engine calls for %s = %d, want 1", def.Name, calls)
		}
	}

	// Detection ran after every phase, in plan order
	seen := detector.seen()
	if len(seen) != len(plan.Phases) {
		t.Fatalf("Detector invocations = %d, want %d (%v)", len(seen), len(plan.Phases), seen)
	}
	if seen[0] != types.PhaseImportInventory {
		t.Errorf("First detection phase = %s, want %s", seen[0], types.PhaseImportInventory)
	}

	// A completed flow refuses further work
	if _, err := coord.Resume(ctx, scope, flow.ID, "tester"); !types.IsStateConflict(err) {
		t.Errorf("Expected state conflict resuming completed flow, got %v", err)
	}
}

func TestResumeOnFreshFlowStartsFirstPhase(t *testing.T) {
	eng := agent.NewStubEngine()
	coord, store := newTestCoordinator(t, eng, nil)
	ctx := context.Background()
	scope := testScope()

	flow, err := coord.Initialize(ctx, scope, "s3://imports/inventory.csv", nil, "tester")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if _, err := coord.Resume(ctx, scope, flow.ID, "tester"); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	waitPhaseSettled(t, store, scope, flow.ID, types.PhaseImportInventory, types.PhaseCompleted)
	if calls := eng.Calls(types.PhaseImportInventory); calls != 1 {
		t.Errorf("Engine calls = %d, want 1", calls)
	}
}

func TestResumeCancelledFlowUnresumable(t *testing.T) {
	coord, _ := newTestCoordinator(t, agent.NewStubEngine(), nil)
	ctx := context.Background()
	scope := testScope()

	flow, err := coord.Initialize(ctx, scope, "s3://imports/inventory.csv", nil, "tester")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if _, err := coord.Cancel(ctx, scope, flow.ID, "tester"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if _, err := coord.Resume(ctx, scope, flow.ID, "tester"); !types.IsFlowUnresumable(err) {
		t.Errorf("Expected unresumable resuming cancelled flow, got %v", err)
	}
}

func TestCancelDiscardsInFlightResults(t *testing.T) {
	eng := agent.NewStubEngine()
	eng.Delay = 500 * time.Millisecond
	coord, store := newTestCoordinator(t, eng, nil)
	ctx := context.Background()
	scope := testScope()

	flow, err := coord.Initialize(ctx, scope, "s3://imports/inventory.csv", nil, "tester")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if _, err := coord.ExecutePhase(ctx, scope, flow.ID, types.PhaseImportInventory, nil, "tester"); err != nil {
		t.Fatalf("ExecutePhase() error = %v", err)
	}

	cancelled, err := coord.Cancel(ctx, scope, flow.ID, "tester")
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if cancelled.Status != types.FlowCancelled {
		t.Errorf("Status = %s, want %s", cancelled.Status, types.FlowCancelled)
	}

	// The run finishes after the cancel and discards everything it produced
	rec := waitPhaseSettled(t, store, scope, flow.ID, types.PhaseImportInventory, types.PhasePending)
	if rec.Checkpoint != "" {
		t.Errorf("Checkpoint = %q, want cleared after discard", rec.Checkpoint)
	}

	assets, err := store.ListAssetsByFlow(ctx, scope, flow.ID)
	if err != nil {
		t.Fatalf("Failed to list assets: %v", err)
	}
	if len(assets) != 0 {
		t.Errorf("Asset count = %d, want 0 after discard", len(assets))
	}

	if n := countEvents(t, store, flow.ID, events.EventTypeResultsDiscarded); n != 1 {
		t.Errorf("results_discarded events = %d, want 1", n)
	}
	if n := countEvents(t, store, flow.ID, events.EventTypePhaseCompleted); n != 0 {
		t.Errorf("phase_completed events = %d, want 0", n)
	}

	// Cancelled flows refuse further execution
	if _, err := coord.ExecutePhase(ctx, scope, flow.ID, types.PhaseImportInventory, nil, "tester"); !types.IsStateConflict(err) {
		t.Errorf("Expected state conflict executing cancelled flow, got %v", err)
	}
	if _, err := coord.Cancel(ctx, scope, flow.ID, "tester"); !types.IsStateConflict(err) {
		t.Errorf("Expected state conflict cancelling twice, got %v", err)
	}
}

func TestSkipPhase(t *testing.T) {
	coord, store := newTestCoordinator(t, agent.NewStubEngine(), nil)
	ctx := context.Background()
	scope := testScope()

	flow, err := coord.Initialize(ctx, scope, "s3://imports/inventory.csv", nil, "tester")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	updated, err := coord.SkipPhase(ctx, scope, flow.ID, types.PhaseTechDebtAnalysis, "tester")
	if err != nil {
		t.Fatalf("SkipPhase() error = %v", err)
	}
	if updated.ProgressPercentage != 100/7 {
		t.Errorf("ProgressPercentage = %d, want %d", updated.ProgressPercentage, 100/7)
	}
	if updated.NextPhase != types.PhaseImportInventory {
		t.Errorf("NextPhase = %s, want %s", updated.NextPhase, types.PhaseImportInventory)
	}

	rec, err := store.GetPhaseRecord(ctx, scope, flow.ID, types.PhaseTechDebtAnalysis)
	if err != nil {
		t.Fatalf("Failed to get phase record: %v", err)
	}
	if rec.Status != types.PhaseSkipped {
		t.Errorf("Phase status = %s, want skipped", rec.Status)
	}

	// Skipping again is a no-op
	if _, err := coord.SkipPhase(ctx, scope, flow.ID, types.PhaseTechDebtAnalysis, "tester"); err != nil {
		t.Errorf("Re-skipping skipped phase should be a no-op, got %v", err)
	}

	// Mandatory phases cannot be skipped
	if _, err := coord.SkipPhase(ctx, scope, flow.ID, types.PhaseImportInventory, "tester"); !types.IsStateConflict(err) {
		t.Errorf("Expected state conflict skipping mandatory phase, got %v", err)
	}

	if _, err := coord.SkipPhase(ctx, scope, flow.ID, "bogus_phase", "tester"); !types.IsNotFound(err) {
		t.Errorf("Expected not found skipping unknown phase, got %v", err)
	}

	if n := countEvents(t, store, flow.ID, events.EventTypePhaseSkipped); n != 1 {
		t.Errorf("phase_skipped events = %d, want 1", n)
	}
}

func TestTenantIsolation(t *testing.T) {
	coord, _ := newTestCoordinator(t, agent.NewStubEngine(), nil)
	ctx := context.Background()

	flow, err := coord.Initialize(ctx, testScope(), "s3://imports/inventory.csv", nil, "tester")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	other := types.TenantScope{ClientAccountID: "acct-2", EngagementID: "eng-9"}
	if _, err := coord.ExecutePhase(ctx, other, flow.ID, types.PhaseImportInventory, nil, "tester"); !types.IsNotFound(err) {
		t.Errorf("ExecutePhase cross-tenant: expected not found, got %v", err)
	}
	if _, err := coord.Resume(ctx, other, flow.ID, "tester"); !types.IsNotFound(err) {
		t.Errorf("Resume cross-tenant: expected not found, got %v", err)
	}
	if _, err := coord.Cancel(ctx, other, flow.ID, "tester"); !types.IsNotFound(err) {
		t.Errorf("Cancel cross-tenant: expected not found, got %v", err)
	}
	if _, err := coord.SkipPhase(ctx, other, flow.ID, types.PhaseTechDebtAnalysis, "tester"); !types.IsNotFound(err) {
		t.Errorf("SkipPhase cross-tenant: expected not found, got %v", err)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	coord, store := newTestCoordinator(t, agent.NewStubEngine(), nil)
	ctx := context.Background()

	if coord.IsRunning() {
		t.Error("Expected not running before Start")
	}
	if err := coord.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !coord.IsRunning() {
		t.Error("Expected running after Start")
	}
	if err := coord.Start(ctx); err == nil {
		t.Error("Expected error starting twice")
	}

	instances, err := store.GetActiveInstances(ctx)
	if err != nil {
		t.Fatalf("Failed to list instances: %v", err)
	}
	found := false
	for _, inst := range instances {
		if inst.InstanceID == coord.InstanceID() && inst.Status == types.InstanceRunning {
			found = true
		}
	}
	if !found {
		t.Errorf("Instance %s not registered as running", coord.InstanceID())
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := coord.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if coord.IsRunning() {
		t.Error("Expected not running after Stop")
	}
	if err := coord.Stop(stopCtx); err == nil {
		t.Error("Expected error stopping twice")
	}

	instances, err = store.GetActiveInstances(ctx)
	if err != nil {
		t.Fatalf("Failed to list instances: %v", err)
	}
	for _, inst := range instances {
		if inst.InstanceID == coord.InstanceID() {
			t.Errorf("Instance %s still active after Stop", coord.InstanceID())
		}
	}
}

func TestCheckPhaseOutputs(t *testing.T) {
	valid := &types.Asset{
		ID: "a-1", FlowID: "f-1", Name: "host-01",
		NormalizedFields:        map[string]string{"fqdn": "host-01.corp.example.com"},
		ValidationStatus:        types.AssetValid,
		MigrationReadinessScore: 0.9,
	}
	unscored := &types.Asset{
		ID: "a-2", FlowID: "f-1", Name: "host-02",
		ValidationStatus: types.AssetPending,
	}

	if err := checkPhaseOutputs(types.PhaseImportInventory, nil); err == nil {
		t.Error("Expected error for import with no assets")
	}
	if err := checkPhaseOutputs(types.PhaseImportInventory, []*types.Asset{unscored}); err != nil {
		t.Errorf("Import with assets should pass, got %v", err)
	}
	if err := checkPhaseOutputs(types.PhaseFieldMapping, []*types.Asset{unscored}); err == nil {
		t.Error("Expected error for mapping with no normalized fields")
	}
	if err := checkPhaseOutputs(types.PhaseFieldMapping, []*types.Asset{valid}); err != nil {
		t.Errorf("Mapping with normalized fields should pass, got %v", err)
	}
	if err := checkPhaseOutputs(types.PhaseDataCleansing, []*types.Asset{unscored}); err == nil {
		t.Error("Expected error for cleansing with no valid assets")
	}
	if err := checkPhaseOutputs(types.PhaseReadinessAssessment, []*types.Asset{valid, unscored}); err == nil {
		t.Error("Expected error for readiness with unscored assets")
	}
	if err := checkPhaseOutputs(types.PhaseReadinessAssessment, []*types.Asset{valid}); err != nil {
		t.Errorf("Readiness with all scored should pass, got %v", err)
	}
	if err := checkPhaseOutputs(types.PhaseDependencyAnalysis, nil); err != nil {
		t.Errorf("Phases without output gates should pass, got %v", err)
	}
}

func TestFlowProgress(t *testing.T) {
	records := []*types.PhaseRecord{
		{Phase: "a", Status: types.PhaseCompleted},
		{Phase: "b", Status: types.PhaseSkipped},
		{Phase: "c", Status: types.PhaseActive},
		{Phase: "d", Status: types.PhasePending},
	}
	if got := flowProgress(records, ""); got != 50 {
		t.Errorf("flowProgress = %d, want 50", got)
	}
	if got := flowProgress(records, "c"); got != 75 {
		t.Errorf("flowProgress with settled = %d, want 75", got)
	}
	if got := flowProgress(nil, ""); got != 0 {
		t.Errorf("flowProgress on empty = %d, want 0", got)
	}
}

func TestCountNewAssets(t *testing.T) {
	assets := []*types.Asset{{ID: "a-1"}, {ID: "a-2"}, {ID: "a-3"}}
	created, updated := countNewAssets(assets, []string{"a-1"})
	if created != 2 || updated != 1 {
		t.Errorf("countNewAssets = (%d, %d), want (2, 1)", created, updated)
	}
}
