package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cloudshift-labs/surveyor/internal/types"
)

// Tenant scope travels in headers on every /api/v1 request. There is no
// ambient default tenant: a request that does not say who it is for is
// rejected before any handler runs.
const (
	HeaderClientAccountID = "X-Client-Account-ID"
	HeaderEngagementID    = "X-Engagement-ID"
	// HeaderActor optionally attributes mutations in the audit trail
	HeaderActor = "X-Actor"
)

const scopeContextKey = "tenantScope"

// requireTenantScope rejects requests missing tenant headers and stashes
// the parsed scope for handlers.
func (s *Server) requireTenantScope(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		scope := types.TenantScope{
			ClientAccountID: c.Request().Header.Get(HeaderClientAccountID),
			EngagementID:    c.Request().Header.Get(HeaderEngagementID),
		}
		if err := scope.Validate(); err != nil {
			return writeProblem(c, &Problem{
				Type:   "about:blank",
				Title:  "Missing Tenant Scope",
				Status: http.StatusBadRequest,
				Detail: HeaderClientAccountID + " and " + HeaderEngagementID + " headers are required",
				Kind:   string(types.KindValidation),
			})
		}
		c.Set(scopeContextKey, scope)
		return next(c)
	}
}

func scopeFrom(c echo.Context) types.TenantScope {
	scope, _ := c.Get(scopeContextKey).(types.TenantScope)
	return scope
}

// actorFrom returns the audit attribution for a request. Anonymous
// mutations are attributed to the calling tenant account.
func actorFrom(c echo.Context) string {
	if actor := c.Request().Header.Get(HeaderActor); actor != "" {
		return actor
	}
	return scopeFrom(c).ClientAccountID
}
