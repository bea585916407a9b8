package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/cloudshift-labs/surveyor/internal/events"
	"github.com/cloudshift-labs/surveyor/internal/types"
)

type createFlowRequest struct {
	ImportRef string            `json:"import_ref"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type executePhaseRequest struct {
	Overrides map[string]string `json:"overrides,omitempty"`
}

type resolveConflictRequest struct {
	AssetID      string `json:"asset_id"`
	ChooseSource string `json:"choose_source,omitempty"`
	ManualValue  string `json:"manual_value,omitempty"`
	Rationale    string `json:"rationale,omitempty"`
}

type completeWithAssessmentRequest struct {
	AssetIDs []string `json:"asset_ids,omitempty"`
	Force    bool     `json:"force,omitempty"`
}

// flowEnvelope decorates flow state with the polling hint
type flowEnvelope struct {
	*types.Flow
	StaleTime string `json:"stale_time"`
}

func (s *Server) envelope(flow *types.Flow) flowEnvelope {
	return flowEnvelope{Flow: flow, StaleTime: s.config.StaleTime.String()}
}

func (s *Server) handleCreateFlow(c echo.Context) error {
	var req createFlowRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	flow, err := s.coordinator.Initialize(c.Request().Context(), scopeFrom(c),
		req.ImportRef, req.Metadata, actorFrom(c))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusCreated, s.envelope(flow))
}

func (s *Server) handleListFlows(c echo.Context) error {
	flows, err := s.store.ListActiveFlows(c.Request().Context(), scopeFrom(c))
	if err != nil {
		return s.respondError(c, err)
	}
	if flows == nil {
		flows = []*types.Flow{}
	}
	return c.JSON(http.StatusOK, flows)
}

func (s *Server) handleGetFlow(c echo.Context) error {
	flow, err := s.loadFlow(c)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, s.envelope(flow))
}

// handleExecutePhase accepts the work and returns immediately; the engine
// run proceeds in the background and clients poll for the outcome.
func (s *Server) handleExecutePhase(c echo.Context) error {
	var req executePhaseRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	flow, err := s.coordinator.ExecutePhase(c.Request().Context(), scopeFrom(c),
		c.Param("flow_id"), c.Param("phase"), req.Overrides, actorFrom(c))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, s.envelope(flow))
}

func (s *Server) handleSkipPhase(c echo.Context) error {
	flow, err := s.coordinator.SkipPhase(c.Request().Context(), scopeFrom(c),
		c.Param("flow_id"), c.Param("phase"), actorFrom(c))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, s.envelope(flow))
}

func (s *Server) handleResume(c echo.Context) error {
	flow, err := s.coordinator.Resume(c.Request().Context(), scopeFrom(c),
		c.Param("flow_id"), actorFrom(c))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, s.envelope(flow))
}

func (s *Server) handleRetry(c echo.Context) error {
	flow, err := s.coordinator.Retry(c.Request().Context(), scopeFrom(c),
		c.Param("flow_id"), actorFrom(c))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, s.envelope(flow))
}

func (s *Server) handleCancel(c echo.Context) error {
	flow, err := s.coordinator.Cancel(c.Request().Context(), scopeFrom(c),
		c.Param("flow_id"), actorFrom(c))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, s.envelope(flow))
}

func (s *Server) handleListConflicts(c echo.Context) error {
	if _, err := s.loadFlow(c); err != nil {
		return s.respondError(c, err)
	}
	conflicts, err := s.store.ListConflictsByFlow(c.Request().Context(), scopeFrom(c), c.Param("flow_id"))
	if err != nil {
		return s.respondError(c, err)
	}
	if conflicts == nil {
		conflicts = []*types.ConflictRecord{}
	}
	return c.JSON(http.StatusOK, conflicts)
}

func (s *Server) handleResolveConflict(c echo.Context) error {
	ctx := c.Request().Context()
	scope := scopeFrom(c)
	flowID := c.Param("flow_id")
	field := c.Param("field")

	var req resolveConflictRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.AssetID == "" {
		return s.respondError(c, types.NewValidationError(flowID, "", "asset_id is required"))
	}

	// The conflict must belong to the flow in the path; a conflict under
	// another flow is invisible here.
	existing, err := s.store.GetConflict(ctx, scope, req.AssetID, field)
	if err != nil {
		return s.respondError(c, err)
	}
	if existing == nil || existing.FlowID != flowID {
		return s.respondError(c, types.NewNotFound(flowID, ""))
	}

	resolved, err := s.detector.Resolve(ctx, scope, req.AssetID, field, types.Resolution{
		ChooseSource: types.SourceKind(req.ChooseSource),
		ManualValue:  req.ManualValue,
		Rationale:    req.Rationale,
	}, actorFrom(c))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, resolved)
}

func (s *Server) handleValidation(c echo.Context) error {
	report, err := s.validator.Validate(c.Request().Context(), scopeFrom(c), c.Param("flow_id"))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleListEvents(c echo.Context) error {
	if _, err := s.loadFlow(c); err != nil {
		return s.respondError(c, err)
	}

	limit := s.config.EventPageLimit
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return s.respondError(c, types.NewValidationError(c.Param("flow_id"), "",
				"limit must be a positive integer"))
		}
		if parsed < limit {
			limit = parsed
		}
	}
	filter := events.EventFilter{FlowID: c.Param("flow_id"), Limit: limit}
	if raw := c.QueryParam("type"); raw != "" {
		filter.Types = []events.EventType{events.EventType(raw)}
	}

	evts, err := s.store.GetFlowEvents(c.Request().Context(), filter)
	if err != nil {
		return s.respondError(c, err)
	}
	if evts == nil {
		evts = []*events.FlowEvent{}
	}
	return c.JSON(http.StatusOK, evts)
}

func (s *Server) handleCompleteWithAssessment(c echo.Context) error {
	var req completeWithAssessmentRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	pkg, err := s.validator.BuildHandoffPackage(c.Request().Context(), scopeFrom(c),
		c.Param("flow_id"), req.AssetIDs, req.Force, actorFrom(c))
	if err != nil {
		return s.respondReadinessError(c, err)
	}
	return c.JSON(http.StatusOK, pkg)
}

func (s *Server) handleDeleteFlow(c echo.Context) error {
	force := false
	if raw := c.QueryParam("force"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return s.respondError(c, types.NewValidationError(c.Param("flow_id"), "",
				"force must be a boolean"))
		}
		force = parsed
	}
	summary, err := s.lifecycle.Delete(c.Request().Context(), scopeFrom(c),
		c.Param("flow_id"), force, actorFrom(c))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}

// loadFlow resolves the path's flow under the request scope. Absent and
// cross-tenant flows are indistinguishable.
func (s *Server) loadFlow(c echo.Context) (*types.Flow, error) {
	flowID := c.Param("flow_id")
	flow, err := s.store.GetFlow(c.Request().Context(), scopeFrom(c), flowID)
	if err != nil {
		return nil, err
	}
	if flow == nil {
		return nil, types.NewNotFound(flowID, "")
	}
	return flow, nil
}
