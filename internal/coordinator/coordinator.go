// Package coordinator schedules and drives phase execution for discovery
// flows. It owns the flow lease protocol (at most one active execution per
// flow), dispatches engine runs to a bounded worker pool, persists partial
// and final results, and runs the background loops that keep a multi-node
// deployment honest: instance heartbeats, stale-lease sweeping, and event
// retention.
package coordinator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/cloudshift-labs/surveyor/internal/agent"
	"github.com/cloudshift-labs/surveyor/internal/events"
	"github.com/cloudshift-labs/surveyor/internal/storage"
	"github.com/cloudshift-labs/surveyor/internal/types"
)

// ConflictDetector runs conflict detection over assets a phase touched.
// Detection is opportunistic: the coordinator invokes it after each
// successful phase and treats failures as advisory.
type ConflictDetector interface {
	DetectAssets(ctx context.Context, scope types.TenantScope, flowID, phase string, assets []*types.Asset) (*events.ConflictsDetectedData, error)
}

// RetentionRunner performs one retention pass (event cleanup, stopped
// instance pruning). The lifecycle service implements it; the coordinator
// only schedules it.
type RetentionRunner interface {
	RunRetention(ctx context.Context) error
}

// Config holds coordinator configuration
type Config struct {
	// InstanceID uniquely identifies this coordinator; generated when empty
	InstanceID string
	// Version is reported in the instance registry
	Version string

	// LeaseTTL is how long a flow execution lease lives between renewals
	LeaseTTL time.Duration
	// HeartbeatPeriod is how often the instance heartbeat is refreshed
	HeartbeatPeriod time.Duration
	// SweepInterval is how often stale instances and orphaned phases are swept
	SweepInterval time.Duration
	// RetentionInterval is how often the retention runner is invoked
	RetentionInterval time.Duration
	// StaleThreshold is how old a heartbeat may be before its holder is
	// presumed dead
	StaleThreshold time.Duration

	// MaxConcurrentRuns bounds simultaneous engine executions
	MaxConcurrentRuns int64

	// InstanceCleanupAge is how old a stopped instance row must be before
	// shutdown prunes it
	InstanceCleanupAge time.Duration
	// InstanceCleanupKeep is how many recent stopped instances survive the
	// shutdown prune
	InstanceCleanupKeep int

	// EngineRetryInitial is the first backoff delay after an engine failure
	EngineRetryInitial time.Duration
	// EngineRetryMax caps the backoff delay
	EngineRetryMax time.Duration
	// EngineRetryBudget is the total retry time allowed per phase run
	EngineRetryBudget time.Duration

	// Plan is the phase sequence new flows are seeded with
	Plan *types.PhasePlan
	// Detector runs post-phase conflict detection; nil disables it
	Detector ConflictDetector
	// Retention runs periodic cleanup; nil disables the retention loop
	Retention RetentionRunner
}

// DefaultConfig returns the default coordinator configuration
func DefaultConfig() *Config {
	return &Config{
		LeaseTTL:            90 * time.Second,
		HeartbeatPeriod:     30 * time.Second,
		SweepInterval:       time.Minute,
		RetentionInterval:   time.Hour,
		StaleThreshold:      5 * time.Minute,
		MaxConcurrentRuns:   4,
		InstanceCleanupAge:  24 * time.Hour,
		InstanceCleanupKeep: 10,
		EngineRetryInitial:  5 * time.Second,
		EngineRetryMax:      2 * time.Minute,
		EngineRetryBudget:   15 * time.Minute,
	}
}

// Coordinator drives flow execution. One instance per process; multiple
// instances may share a database, coordinating through leases and the
// instance registry.
type Coordinator struct {
	store     storage.Storage
	engine    agent.Engine
	detector  ConflictDetector
	retention RetentionRunner
	plan      *types.PhasePlan
	config    *Config

	instanceID string
	hostname   string
	pid        int

	// runCtx outlives individual requests; cancelling it aborts every
	// in-flight engine run.
	runCtx    context.Context
	runCancel context.CancelFunc
	workers   *semaphore.Weighted
	runsWG    sync.WaitGroup

	mu      sync.RWMutex
	running bool

	heartbeatStopCh chan struct{}
	heartbeatDoneCh chan struct{}
	sweepStopCh     chan struct{}
	sweepDoneCh     chan struct{}
	retentionStopCh chan struct{}
	retentionDoneCh chan struct{}
}

// New creates a coordinator. Storage and engine are required; the detector
// and retention runner degrade gracefully when absent.
func New(store storage.Storage, engine agent.Engine, cfg *Config) (*Coordinator, error) {
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
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = defaults.LeaseTTL
	}
	if cfg.HeartbeatPeriod == 0 {
		cfg.HeartbeatPeriod = defaults.HeartbeatPeriod
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	if cfg.RetentionInterval == 0 {
		cfg.RetentionInterval = defaults.RetentionInterval
	}
	if cfg.StaleThreshold == 0 {
		cfg.StaleThreshold = defaults.StaleThreshold
	}
	if cfg.MaxConcurrentRuns == 0 {
		cfg.MaxConcurrentRuns = defaults.MaxConcurrentRuns
	}
	if cfg.InstanceCleanupAge == 0 {
		cfg.InstanceCleanupAge = defaults.InstanceCleanupAge
	}
	if cfg.InstanceCleanupKeep == 0 {
		cfg.InstanceCleanupKeep = defaults.InstanceCleanupKeep
	}
	if cfg.EngineRetryInitial == 0 {
		cfg.EngineRetryInitial = defaults.EngineRetryInitial
	}
	if cfg.EngineRetryMax == 0 {
		cfg.EngineRetryMax = defaults.EngineRetryMax
	}
	if cfg.EngineRetryBudget == 0 {
		cfg.EngineRetryBudget = defaults.EngineRetryBudget
	}

	plan := cfg.Plan
	if plan == nil {
		plan = types.DefaultPhasePlan()
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid phase plan: %w", err)
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	if cfg.Detector == nil {
		fmt.Fprintf(os.Stderr, "Warning: no conflict detector configured (conflict detection disabled)\n")
	}
	if cfg.Retention == nil {
		fmt.Fprintf(os.Stderr, "Warning: no retention runner configured (event retention disabled)\n")
	}

	runCtx, runCancel := context.WithCancel(context.Background())

	return &Coordinator{
		store:           store,
		engine:          engine,
		detector:        cfg.Detector,
		retention:       cfg.Retention,
		plan:            plan,
		config:          cfg,
		instanceID:      instanceID,
		hostname:        hostname,
		pid:             os.Getpid(),
		runCtx:          runCtx,
		runCancel:       runCancel,
		workers:         semaphore.NewWeighted(cfg.MaxConcurrentRuns),
		heartbeatStopCh: make(chan struct{}),
		heartbeatDoneCh: make(chan struct{}),
		sweepStopCh:     make(chan struct{}),
		sweepDoneCh:     make(chan struct{}),
		retentionStopCh: make(chan struct{}),
		retentionDoneCh: make(chan struct{}),
	}, nil
}

// Start registers this instance and launches the background loops. Stale
// state left by crashed instances is cleared synchronously first so this
// instance never trusts a phase that only looks active.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("coordinator is already running")
	}
	c.running = true
	c.mu.Unlock()

	now := time.Now().UTC()
	instance := &types.CoordinatorInstance{
		InstanceID:    c.instanceID,
		Hostname:      c.hostname,
		PID:           c.pid,
		Status:        types.InstanceRunning,
		StartedAt:     now,
		LastHeartbeat: now,
		Version:       c.config.Version,
	}
	if err := c.store.RegisterInstance(ctx, instance); err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return fmt.Errorf("failed to register coordinator instance: %w", err)
	}

	staleSecs := int(c.config.StaleThreshold.Seconds())
	if cleaned, err := c.store.CleanupStaleInstances(ctx, staleSecs); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to clean up stale instances on startup: %v\n", err)
	} else if cleaned > 0 {
		fmt.Printf("Sweep: Marked %d stale instance(s) stopped on startup\n", cleaned)
	}
	if demoted, err := c.store.DemoteOrphanedActivePhases(ctx, c.config.StaleThreshold); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to demote orphaned phases on startup: %v\n", err)
	} else if demoted > 0 {
		fmt.Printf("Sweep: Demoted %d orphaned active phase(s) on startup\n", demoted)
	}

	go c.heartbeatLoop(ctx)
	go c.sweepLoop(ctx)
	fmt.Printf("Sweep: Started background sweep (interval=%v, stale_threshold=%v)\n",
		c.config.SweepInterval, c.config.StaleThreshold)

	if c.retention != nil {
		go c.retentionLoop(ctx)
		fmt.Printf("Retention: Started retention loop (interval=%v)\n", c.config.RetentionInterval)
	} else {
		close(c.retentionDoneCh)
	}

	fmt.Printf("Coordinator %s started (host=%s, pid=%d, workers=%d)\n",
		c.instanceID, c.hostname, c.pid, c.config.MaxConcurrentRuns)
	return nil
}

// Stop gracefully stops the coordinator. In-flight engine runs are
// cancelled; interrupted phases demote themselves back to pending so a
// later resume re-enters them cleanly.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return fmt.Errorf("coordinator is not running")
	}
	c.mu.Unlock()

	close(c.heartbeatStopCh)
	close(c.sweepStopCh)
	close(c.retentionStopCh)
	c.runCancel()

	// Wait for the loops concurrently so one slow loop cannot stack
	// timeouts on the others.
	heartbeatDone := false
	sweepDone := false
	retentionDone := false
	for !heartbeatDone || !sweepDone || !retentionDone {
		select {
		case <-c.heartbeatDoneCh:
			heartbeatDone = true
		case <-c.sweepDoneCh:
			sweepDone = true
		case <-c.retentionDoneCh:
			retentionDone = true
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	runsDone := make(chan struct{})
	go func() {
		c.runsWG.Wait()
		close(runsDone)
	}()
	select {
	case <-runsDone:
	case <-ctx.Done():
		fmt.Fprintf(os.Stderr, "warning: timed out waiting for in-flight phase runs\n")
	}

	if err := c.store.MarkInstanceStopped(ctx, c.instanceID); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to mark instance as stopped: %v\n", err)
	}

	olderThan := int(c.config.InstanceCleanupAge.Seconds())
	deleted, err := c.store.DeleteOldStoppedInstances(ctx, olderThan, c.config.InstanceCleanupKeep)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to clean up old instances: %v\n", err)
	} else if deleted > 0 {
		fmt.Printf("Sweep: Deleted %d old stopped instance(s)\n", deleted)
		c.logEvent(ctx, events.EventTypeInstanceCleanupCompleted, types.TenantScope{}, "", "", events.SeverityInfo,
			fmt.Sprintf("Pruned %d old stopped instance(s) at shutdown", deleted),
			map[string]interface{}{"instances_deleted": deleted})
	}

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	fmt.Printf("Coordinator %s stopped\n", c.instanceID)
	return nil
}

// IsRunning returns whether the coordinator is currently running
func (c *Coordinator) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// InstanceID returns this coordinator's unique identity
func (c *Coordinator) InstanceID() string {
	return c.instanceID
}

// logEvent records a flow event. Telemetry failures never block
// execution; they degrade to a warning.
func (c *Coordinator) logEvent(ctx context.Context, eventType events.EventType, scope types.TenantScope, flowID, phase string, severity events.EventSeverity, message string, data map[string]interface{}) {
	event := events.NewFlowEvent(eventType, scope, flowID, phase, c.instanceID, severity, message, data)
	if err := c.store.AddFlowEvent(ctx, event); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to record %s event for flow %s: %v\n", eventType, flowID, err)
	}
}

// recordEvent persists an event built by a typed constructor
func (c *Coordinator) recordEvent(ctx context.Context, event *events.FlowEvent, err error) {
	if err == nil {
		err = c.store.AddFlowEvent(ctx, event)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to record flow event: %v\n", err)
	}
}
