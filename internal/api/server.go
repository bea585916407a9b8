// Package api exposes the orchestrator over HTTP: flow lifecycle, phase
// execution, conflict resolution, validation, and handoff. Every route under
// /api/v1 is tenant-scoped through mandatory headers; clients poll flow
// state and are given a stale_time hint to keep the polling civil.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/cloudshift-labs/surveyor/internal/agent"
	"github.com/cloudshift-labs/surveyor/internal/conflict"
	"github.com/cloudshift-labs/surveyor/internal/coordinator"
	"github.com/cloudshift-labs/surveyor/internal/lifecycle"
	"github.com/cloudshift-labs/surveyor/internal/storage"
	"github.com/cloudshift-labs/surveyor/internal/validation"
)

// Config holds HTTP server settings.
type Config struct {
	// Addr is the listen address, e.g. ":8080"
	Addr string
	// StaleTime is the minimum polling interval hinted to clients on flow
	// reads
	StaleTime time.Duration
	// ReadTimeout/WriteTimeout/IdleTimeout bound connection lifetimes
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// EventPageLimit caps how many events one listing returns
	EventPageLimit int
}

// DefaultConfig returns the default HTTP configuration
func DefaultConfig() *Config {
	return &Config{
		Addr:           ":8080",
		StaleTime:      2 * time.Second,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		EventPageLimit: 100,
	}
}

// Server wires the orchestrator's services to HTTP routes.
type Server struct {
	echo        *echo.Echo
	httpServer  *http.Server
	coordinator *coordinator.Coordinator
	detector    *conflict.Detector
	validator   *validation.Validator
	lifecycle   *lifecycle.Service
	store       storage.Storage
	engine      agent.Engine
	config      *Config
}

// New assembles the HTTP server. All services are required.
func New(coord *coordinator.Coordinator, detector *conflict.Detector, validator *validation.Validator, lc *lifecycle.Service, store storage.Storage, engine agent.Engine, cfg *Config) (*Server, error) {
	if coord == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if detector == nil {
		return nil, fmt.Errorf("conflict detector is required")
	}
	if validator == nil {
		return nil, fmt.Errorf("validator is required")
	}
	if lc == nil {
		return nil, fmt.Errorf("lifecycle service is required")
	}
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	defaults := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = defaults.Addr
	}
	if cfg.StaleTime == 0 {
		cfg.StaleTime = defaults.StaleTime
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaults.IdleTimeout
	}
	if cfg.EventPageLimit == 0 {
		cfg.EventPageLimit = defaults.EventPageLimit
	}

	s := &Server{
		coordinator: coord,
		detector:    detector,
		validator:   validator,
		lifecycle:   lc,
		store:       store,
		engine:      engine,
		config:      cfg,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = s.httpErrorHandler

	e.GET("/healthz", s.handleHealthz)

	g := e.Group("/api/v1", s.requireTenantScope)
	g.POST("/flows", s.handleCreateFlow)
	g.GET("/flows", s.handleListFlows)
	g.GET("/flows/:flow_id", s.handleGetFlow)
	g.POST("/flows/:flow_id/phases/:phase/execute", s.handleExecutePhase)
	g.POST("/flows/:flow_id/phases/:phase/skip", s.handleSkipPhase)
	g.POST("/flows/:flow_id/resume", s.handleResume)
	g.POST("/flows/:flow_id/retry", s.handleRetry)
	g.POST("/flows/:flow_id/cancel", s.handleCancel)
	g.GET("/flows/:flow_id/conflicts", s.handleListConflicts)
	g.POST("/flows/:flow_id/conflicts/:field/resolve", s.handleResolveConflict)
	g.GET("/flows/:flow_id/validation", s.handleValidation)
	g.GET("/flows/:flow_id/events", s.handleListEvents)
	g.POST("/flows/:flow_id/complete-with-assessment", s.handleCompleteWithAssessment)
	g.DELETE("/flows/:flow_id", s.handleDeleteFlow)

	s.echo = e
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      e,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

// Handler returns the underlying HTTP handler; tests drive it directly.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown or a listener error. It blocks.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// healthState is the /healthz response body
type healthState struct {
	Status    string    `json:"status"`
	Storage   string    `json:"storage"`
	Engine    string    `json:"engine"`
	Timestamp time.Time `json:"timestamp"`
}

// handleHealthz reports liveness of the two hard dependencies. A degraded
// dependency turns the whole check 503 so load balancers rotate us out.
func (s *Server) handleHealthz(c echo.Context) error {
	ctx := c.Request().Context()
	state := healthState{Status: "ok", Storage: "ok", Engine: "ok", Timestamp: time.Now().UTC()}
	status := http.StatusOK

	if err := s.store.Ping(ctx); err != nil {
		state.Status = "degraded"
		state.Storage = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.engine.HealthCheck(ctx); err != nil {
		state.Status = "degraded"
		state.Engine = err.Error()
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, state)
}
