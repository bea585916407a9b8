package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudshift-labs/surveyor/internal/agent"
	"github.com/cloudshift-labs/surveyor/internal/conflict"
	"github.com/cloudshift-labs/surveyor/internal/coordinator"
	"github.com/cloudshift-labs/surveyor/internal/events"
	"github.com/cloudshift-labs/surveyor/internal/lifecycle"
	"github.com/cloudshift-labs/surveyor/internal/storage/sqlite"
	"github.com/cloudshift-labs/surveyor/internal/types"
	"github.com/cloudshift-labs/surveyor/internal/validation"
)

// harness runs the whole service in-process: real storage, real
// coordinator, stub engine. Requests go straight into the echo handler.
type harness struct {
	server *Server
	store  *sqlite.SQLiteStorage
	engine *agent.StubEngine
}

func newTestServer(t *testing.T, tweak func(*agent.StubEngine)) *harness {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "api-test-*.db")
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	store, err := sqlite.New(context.Background(), tmpfile.Name())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
		_ = os.Remove(tmpfile.Name())
	})

	eng := agent.NewStubEngine()
	if tweak != nil {
		tweak(eng)
	}

	detector, err := conflict.NewDetector(store, nil)
	require.NoError(t, err)

	ccfg := coordinator.DefaultConfig()
	ccfg.LeaseTTL = 5 * time.Second
	ccfg.HeartbeatPeriod = time.Hour
	ccfg.SweepInterval = time.Hour
	ccfg.RetentionInterval = time.Hour
	ccfg.EngineRetryInitial = time.Millisecond
	ccfg.EngineRetryMax = 5 * time.Millisecond
	ccfg.EngineRetryBudget = 250 * time.Millisecond
	ccfg.Detector = detector
	coord, err := coordinator.New(store, eng, ccfg)
	require.NoError(t, err)

	validator, err := validation.NewValidator(store, nil)
	require.NoError(t, err)
	lc, err := lifecycle.NewService(store, nil)
	require.NoError(t, err)

	server, err := New(coord, detector, validator, lc, store, eng, nil)
	require.NoError(t, err)
	return &harness{server: server, store: store, engine: eng}
}

// request performs one round trip against the in-process handler. A nil
// headers map gets the default tenant scope; an explicit map replaces all
// headers, so passing an empty map sends an unscoped request.
func (h *harness) request(t *testing.T, method, target string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if headers == nil {
		headers = map[string]string{
			HeaderClientAccountID: "acct-1",
			HeaderEngagementID:    "eng-1",
		}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeFlow(t *testing.T, rec *httptest.ResponseRecorder) *types.Flow {
	t.Helper()
	var env flowEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NotNil(t, env.Flow)
	return env.Flow
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) Problem {
	t.Helper()
	require.Equal(t, problemContentType, rec.Header().Get(echo.HeaderContentType))
	var p Problem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	require.Equal(t, rec.Code, p.Status)
	return p
}

func (h *harness) createFlow(t *testing.T) string {
	t.Helper()
	rec := h.request(t, http.MethodPost, "/api/v1/flows",
		createFlowRequest{ImportRef: "imports/raw.csv"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	return decodeFlow(t, rec).ID
}

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

func (h *harness) waitForFlow(t *testing.T, flowID string, cond func(*types.Flow) bool, what string) *types.Flow {
	t.Helper()
	var flow *types.Flow
	waitFor(t, func() bool {
		rec := h.request(t, http.MethodGet, "/api/v1/flows/"+flowID, nil, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		flow = decodeFlow(t, rec)
		return cond(flow)
	}, what)
	return flow
}

func phaseDone(phase string) func(*types.Flow) bool {
	return func(f *types.Flow) bool {
		for _, pc := range f.PhaseCompletion {
			if pc.Phase == phase {
				return pc.Completed
			}
		}
		return false
	}
}

// executeAndSettle accepts a phase over HTTP and waits until the run
// goroutine has completed it and returned its lease.
func (h *harness) executeAndSettle(t *testing.T, flowID, phase string) *types.Flow {
	t.Helper()
	rec := h.request(t, http.MethodPost, "/api/v1/flows/"+flowID+"/phases/"+phase+"/execute", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, "execute %s: %s", phase, rec.Body.String())

	flow := h.waitForFlow(t, flowID, phaseDone(phase), "phase "+phase+" completion")
	waitFor(t, func() bool {
		lease, err := h.store.GetLease(context.Background(), flowID)
		return err == nil && lease == nil
	}, "lease release after "+phase)
	return flow
}

func TestTenantScopeRequired(t *testing.T) {
	h := newTestServer(t, nil)

	rec := h.request(t, http.MethodGet, "/api/v1/flows", nil, map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, "Missing Tenant Scope", p.Title)
	assert.Equal(t, string(types.KindValidation), p.Kind)
	assert.Contains(t, p.Detail, HeaderClientAccountID)

	// One header is not a scope
	rec = h.request(t, http.MethodGet, "/api/v1/flows", nil,
		map[string]string{HeaderClientAccountID: "acct-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.request(t, http.MethodGet, "/api/v1/flows", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateAndFetchFlow(t *testing.T) {
	h := newTestServer(t, nil)

	rec := h.request(t, http.MethodPost, "/api/v1/flows",
		createFlowRequest{ImportRef: "imports/raw.csv", Metadata: map[string]string{"wave": "1"}}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stale_time":"2s"`)

	created := decodeFlow(t, rec)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, types.FlowInitialized, created.Status)
	assert.Equal(t, types.PhaseImportInventory, created.CurrentPhase)
	assert.Equal(t, "acct-1", created.ClientAccountID)
	assert.Len(t, created.PhaseCompletion, 7)

	rec = h.request(t, http.MethodGet, "/api/v1/flows/"+created.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decodeFlow(t, rec).ID)

	rec = h.request(t, http.MethodGet, "/api/v1/flows", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var flows []*types.Flow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &flows))
	assert.Len(t, flows, 1)

	// Another tenant sees an empty world, not this flow
	otherScope := map[string]string{HeaderClientAccountID: "acct-2", HeaderEngagementID: "eng-9"}
	rec = h.request(t, http.MethodGet, "/api/v1/flows/"+created.ID, nil, otherScope)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.request(t, http.MethodGet, "/api/v1/flows/no-such-flow", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, string(types.KindNotFound), p.Kind)
	assert.Equal(t, "no-such-flow", p.FlowID)
}

func TestCreateFlowRequiresImportRef(t *testing.T) {
	h := newTestServer(t, nil)

	rec := h.request(t, http.MethodPost, "/api/v1/flows", createFlowRequest{}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, string(types.KindValidation), p.Kind)
	assert.Contains(t, p.Detail, "import payload reference")
}

func TestFlowLifecycleOverHTTP(t *testing.T) {
	h := newTestServer(t, nil)
	flowID := h.createFlow(t)

	for _, phase := range []string{
		types.PhaseImportInventory,
		types.PhaseFieldMapping,
		types.PhaseDataCleansing,
		types.PhaseAssetInventory,
		types.PhaseDependencyAnalysis,
	} {
		h.executeAndSettle(t, flowID, phase)
	}

	rec := h.request(t, http.MethodPost,
		"/api/v1/flows/"+flowID+"/phases/"+types.PhaseTechDebtAnalysis+"/skip", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.PhaseReadinessAssessment, decodeFlow(t, rec).NextPhase)

	// The final phase requires approval: it completes, then the flow parks
	rec = h.request(t, http.MethodPost,
		"/api/v1/flows/"+flowID+"/phases/"+types.PhaseReadinessAssessment+"/execute", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	h.waitForFlow(t, flowID, func(f *types.Flow) bool {
		return f.Status == types.FlowPausedForApproval
	}, "approval pause")

	rec = h.request(t, http.MethodPost, "/api/v1/flows/"+flowID+"/resume", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	flow := decodeFlow(t, rec)
	assert.Equal(t, types.FlowCompleted, flow.Status)
	assert.Equal(t, 100, flow.ProgressPercentage)

	rec = h.request(t, http.MethodPost, "/api/v1/flows/"+flowID+"/resume", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(types.KindStateConflict), decodeProblem(t, rec).Kind)

	rec = h.request(t, http.MethodGet, "/api/v1/flows/"+flowID+"/validation", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report types.ValidationReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.IsReady, "errors: %v", report.Errors)
	assert.InDelta(t, 0.9, report.ReadinessScore, 0.01)

	rec = h.request(t, http.MethodPost,
		"/api/v1/flows/"+flowID+"/complete-with-assessment", completeWithAssessmentRequest{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pkg types.HandoffPackage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pkg))
	assert.False(t, pkg.Forced)
	assert.Len(t, pkg.Assets, 3)
	assert.Len(t, pkg.Digest, 64)
	require.NotEmpty(t, pkg.Groupings)
	assert.Equal(t, "wave_1_ready", pkg.Groupings[0].Name)
	assert.Len(t, pkg.Groupings[0].AssetIDs, 3)
}

func TestExecutePhaseOrdering(t *testing.T) {
	h := newTestServer(t, nil)
	flowID := h.createFlow(t)

	rec := h.request(t, http.MethodPost,
		"/api/v1/flows/"+flowID+"/phases/"+types.PhaseDataCleansing+"/execute", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, string(types.KindStateConflict), p.Kind)
	assert.Equal(t, types.PhaseDataCleansing, p.Phase)

	rec = h.request(t, http.MethodPost, "/api/v1/flows/"+flowID+"/phases/bogus/execute", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(types.KindNotFound), decodeProblem(t, rec).Kind)
}

func TestSkipPhaseRules(t *testing.T) {
	h := newTestServer(t, nil)
	flowID := h.createFlow(t)

	rec := h.request(t, http.MethodPost,
		"/api/v1/flows/"+flowID+"/phases/"+types.PhaseFieldMapping+"/skip", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, string(types.KindStateConflict), p.Kind)
	assert.Contains(t, p.Detail, "mandatory")

	rec = h.request(t, http.MethodPost,
		"/api/v1/flows/"+flowID+"/phases/"+types.PhaseTechDebtAnalysis+"/skip", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Skipping again is a no-op, not an error
	rec = h.request(t, http.MethodPost,
		"/api/v1/flows/"+flowID+"/phases/"+types.PhaseTechDebtAnalysis+"/skip", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCancelFlow(t *testing.T) {
	h := newTestServer(t, nil)
	flowID := h.createFlow(t)

	rec := h.request(t, http.MethodPost, "/api/v1/flows/"+flowID+"/cancel", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.FlowCancelled, decodeFlow(t, rec).Status)

	rec = h.request(t, http.MethodPost,
		"/api/v1/flows/"+flowID+"/phases/"+types.PhaseImportInventory+"/execute", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decodeProblem(t, rec).Detail, "cancelled")

	rec = h.request(t, http.MethodPost, "/api/v1/flows/"+flowID+"/resume", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(types.KindFlowUnresumable), decodeProblem(t, rec).Kind)
}

func TestConflictResolutionOverHTTP(t *testing.T) {
	h := newTestServer(t, func(eng *agent.StubEngine) {
		eng.SeedConflicts = true
	})
	flowID := h.createFlow(t)
	h.executeAndSettle(t, flowID, types.PhaseImportInventory)

	rec := h.request(t, http.MethodGet, "/api/v1/flows/"+flowID+"/conflicts", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var conflicts []*types.ConflictRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conflicts))

	var osConflict *types.ConflictRecord
	for _, c := range conflicts {
		if c.Field == "os_version" {
			osConflict = c
		}
	}
	require.NotNil(t, osConflict, "expected an os_version conflict, got %d conflicts", len(conflicts))
	assert.Equal(t, types.SeverityHigh, osConflict.Severity)
	assert.Equal(t, types.ResolutionPending, osConflict.ResolutionStatus)

	// The resolve URL names a flow; a conflict under a different flow is 404
	otherID := h.createFlow(t)
	rec = h.request(t, http.MethodPost,
		"/api/v1/flows/"+otherID+"/conflicts/os_version/resolve",
		resolveConflictRequest{AssetID: osConflict.AssetID, ChooseSource: "raw_import"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.request(t, http.MethodPost,
		"/api/v1/flows/"+flowID+"/conflicts/os_version/resolve",
		resolveConflictRequest{ChooseSource: "raw_import"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeProblem(t, rec).Detail, "asset_id")

	rec = h.request(t, http.MethodPost,
		"/api/v1/flows/"+flowID+"/conflicts/os_version/resolve",
		resolveConflictRequest{AssetID: osConflict.AssetID, ChooseSource: "raw_import", Rationale: "CMDB is authoritative"},
		map[string]string{
			HeaderClientAccountID: "acct-1",
			HeaderEngagementID:    "eng-1",
			HeaderActor:           "lead",
		})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resolved types.ConflictRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))
	assert.Equal(t, types.ResolutionManualResolved, resolved.ResolutionStatus)
	assert.Equal(t, "7.9", resolved.ResolvedValue)
	assert.Equal(t, "lead", resolved.ResolvedBy)
}

func TestHandoffRequiresReadiness(t *testing.T) {
	h := newTestServer(t, nil)
	flowID := h.createFlow(t)

	rec := h.request(t, http.MethodGet, "/api/v1/flows/"+flowID+"/validation", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report types.ValidationReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.False(t, report.IsReady)
	assert.NotEmpty(t, report.Errors)

	// Not ready means unprocessable here, not a malformed request
	rec = h.request(t, http.MethodPost,
		"/api/v1/flows/"+flowID+"/complete-with-assessment", completeWithAssessmentRequest{}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, "Flow Not Ready", p.Title)
	assert.Equal(t, string(types.KindValidation), p.Kind)

	rec = h.request(t, http.MethodPost,
		"/api/v1/flows/"+flowID+"/complete-with-assessment",
		completeWithAssessmentRequest{Force: true}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pkg types.HandoffPackage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pkg))
	assert.True(t, pkg.Forced)
}

func TestDeleteFlowOverHTTP(t *testing.T) {
	h := newTestServer(t, nil)
	flowID := h.createFlow(t)

	_, err := h.store.AcquireLease(context.Background(), flowID, "another-instance",
		types.PhaseImportInventory, time.Minute)
	require.NoError(t, err)

	rec := h.request(t, http.MethodDelete, "/api/v1/flows/"+flowID, nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(types.KindStateConflict), decodeProblem(t, rec).Kind)

	rec = h.request(t, http.MethodDelete, "/api/v1/flows/"+flowID+"?force=notabool", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.request(t, http.MethodDelete, "/api/v1/flows/"+flowID+"?force=true", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var summary types.DeletionSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.True(t, summary.LeaseRevoked)
	assert.Equal(t, 7, summary.PhasesDeleted)

	rec = h.request(t, http.MethodGet, "/api/v1/flows/"+flowID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventListingOverHTTP(t *testing.T) {
	h := newTestServer(t, nil)
	flowID := h.createFlow(t)
	h.executeAndSettle(t, flowID, types.PhaseImportInventory)

	rec := h.request(t, http.MethodGet, "/api/v1/flows/"+flowID+"/events", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var evts []*events.FlowEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &evts))
	require.GreaterOrEqual(t, len(evts), 3, "expected create, claim, and completion events")

	rec = h.request(t, http.MethodGet, "/api/v1/flows/"+flowID+"/events?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	evts = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &evts))
	assert.Len(t, evts, 1)

	rec = h.request(t, http.MethodGet,
		"/api/v1/flows/"+flowID+"/events?type="+string(events.EventTypePhaseCompleted), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	evts = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &evts))
	require.NotEmpty(t, evts)
	for _, e := range evts {
		assert.Equal(t, events.EventTypePhaseCompleted, e.Type)
	}

	rec = h.request(t, http.MethodGet, "/api/v1/flows/"+flowID+"/events?limit=0", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t, nil)

	// No tenant headers needed outside /api/v1
	rec := h.request(t, http.MethodGet, "/healthz", nil, map[string]string{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	h.engine.Unhealthy = errors.New("api credits exhausted")
	rec = h.request(t, http.MethodGet, "/healthz", nil, map[string]string{})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
	assert.Contains(t, rec.Body.String(), "credits exhausted")
}

func TestExecuteFailsFastWhenEngineDown(t *testing.T) {
	h := newTestServer(t, nil)
	flowID := h.createFlow(t)

	h.engine.Unhealthy = errors.New("api credits exhausted")
	rec := h.request(t, http.MethodPost,
		"/api/v1/flows/"+flowID+"/phases/"+types.PhaseImportInventory+"/execute", nil, nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, string(types.KindAgentExecution), p.Kind)
	assert.Contains(t, p.Detail, "engine unavailable")
}
