package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cloudshift-labs/surveyor/internal/types"
)

const problemContentType = "application/problem+json"

// Problem is an RFC 7807 error body. kind, flow_id, and phase are extension
// members carrying the orchestrator's error taxonomy so clients can branch
// on kind instead of parsing detail strings.
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
	Kind   string `json:"kind,omitempty"`
	FlowID string `json:"flow_id,omitempty"`
	Phase  string `json:"phase,omitempty"`
}

var kindTitles = map[types.ErrorKind]string{
	types.KindValidation:      "Validation Failed",
	types.KindNotFound:        "Not Found",
	types.KindStateConflict:   "State Conflict",
	types.KindAgentExecution:  "Engine Execution Failed",
	types.KindFlowUnresumable: "Flow Unresumable",
}

func statusForKind(kind types.ErrorKind) int {
	switch kind {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindStateConflict, types.KindFlowUnresumable:
		return http.StatusConflict
	case types.KindAgentExecution:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError converts a service error into a problem response. Unknown
// errors become opaque 500s; their detail stays out of the body.
func (s *Server) respondError(c echo.Context, err error) error {
	var oe *types.Error
	if errors.As(err, &oe) {
		return writeProblem(c, &Problem{
			Type:   "about:blank",
			Title:  kindTitles[oe.Kind],
			Status: statusForKind(oe.Kind),
			Detail: oe.Error(),
			Kind:   string(oe.Kind),
			FlowID: oe.FlowID,
			Phase:  oe.Phase,
		})
	}
	c.Logger().Error(err)
	return writeProblem(c, &Problem{
		Type:   "about:blank",
		Title:  "Internal Server Error",
		Status: http.StatusInternalServerError,
	})
}

// respondReadinessError is respondError for the handoff route, where a
// validation failure means the flow state is unprocessable, not that the
// request was malformed.
func (s *Server) respondReadinessError(c echo.Context, err error) error {
	var oe *types.Error
	if errors.As(err, &oe) && oe.Kind == types.KindValidation {
		return writeProblem(c, &Problem{
			Type:   "about:blank",
			Title:  "Flow Not Ready",
			Status: http.StatusUnprocessableEntity,
			Detail: oe.Error(),
			Kind:   string(oe.Kind),
			FlowID: oe.FlowID,
			Phase:  oe.Phase,
		})
	}
	return s.respondError(c, err)
}

func writeProblem(c echo.Context, p *Problem) error {
	res := c.Response()
	if res.Committed {
		return nil
	}
	res.Header().Set(echo.HeaderContentType, problemContentType)
	res.WriteHeader(p.Status)
	return json.NewEncoder(res).Encode(p)
}

// httpErrorHandler converts echo's own errors (unknown routes, binding
// failures) into problem bodies so every error the API emits has one shape.
func (s *Server) httpErrorHandler(err error, c echo.Context) {
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		_ = s.respondError(c, err)
		return
	}
	detail := ""
	if msg, ok := he.Message.(string); ok {
		detail = msg
	}
	_ = writeProblem(c, &Problem{
		Type:   "about:blank",
		Title:  http.StatusText(he.Code),
		Status: he.Code,
		Detail: detail,
	})
}
