package lifecycle

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cloudshift-labs/surveyor/internal/events"
	"github.com/cloudshift-labs/surveyor/internal/types"
)

// RetentionConfig bounds the event log and the instance registry.
type RetentionConfig struct {
	// RetentionDays is how long regular (info/warning) events are kept.
	// Range: 1-365.
	RetentionDays int
	// CriticalRetentionDays is how long error/critical events are kept for
	// failure analysis. Must be >= RetentionDays. Range: 1-730.
	CriticalRetentionDays int
	// PerFlowLimit caps events per flow; the oldest non-critical ones go
	// first. 0 means unlimited.
	PerFlowLimit int
	// GlobalLimit caps total events as a bloat safety net. Cleanup triggers
	// at 95% of the limit.
	GlobalLimit int
	// BatchSize is how many events one delete statement may remove. Larger
	// batches finish faster but hold the write lock longer.
	BatchSize int
	// Vacuum reclaims disk space after a pass that deleted anything.
	Vacuum bool
	// InstanceMaxAge is how old a stopped coordinator instance row must be
	// before the pass prunes it.
	InstanceMaxAge time.Duration
	// InstanceKeep is how many recent stopped instances survive pruning so
	// the status command retains some history.
	InstanceKeep int
}

// DefaultRetentionConfig returns defaults sized for a single-node
// deployment: a month of regular history, a quarter of failure history,
// and a ~100k event cap.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		RetentionDays:         30,
		CriticalRetentionDays: 90,
		PerFlowLimit:          1000,
		GlobalLimit:           100000,
		BatchSize:             1000,
		Vacuum:                false,
		InstanceMaxAge:        24 * time.Hour,
		InstanceKeep:          10,
	}
}

// Validate checks the configuration ranges
func (c RetentionConfig) Validate() error {
	if c.RetentionDays < 1 || c.RetentionDays > 365 {
		return fmt.Errorf("retention days must be between 1 and 365 (got %d)", c.RetentionDays)
	}
	if c.CriticalRetentionDays < 1 || c.CriticalRetentionDays > 730 {
		return fmt.Errorf("critical retention days must be between 1 and 730 (got %d)", c.CriticalRetentionDays)
	}
	if c.CriticalRetentionDays < c.RetentionDays {
		return fmt.Errorf("critical retention days (%d) must be >= retention days (%d)",
			c.CriticalRetentionDays, c.RetentionDays)
	}
	if c.PerFlowLimit < 0 {
		return fmt.Errorf("per-flow limit cannot be negative (got %d)", c.PerFlowLimit)
	}
	if c.GlobalLimit < 1000 {
		return fmt.Errorf("global limit must be at least 1000 (got %d)", c.GlobalLimit)
	}
	if c.BatchSize < 100 || c.BatchSize > 10000 {
		return fmt.Errorf("batch size must be between 100 and 10000 (got %d)", c.BatchSize)
	}
	if c.InstanceMaxAge < time.Minute {
		return fmt.Errorf("instance max age must be at least 1m (got %s)", c.InstanceMaxAge)
	}
	if c.InstanceKeep < 0 {
		return fmt.Errorf("instance keep count cannot be negative (got %d)", c.InstanceKeep)
	}
	return nil
}

// RunRetention executes one retention pass: age-based event cleanup, then
// per-flow caps, then the global cap, then stopped-instance pruning. Steps
// fail the pass individually; whatever already ran stays deleted.
func (s *Service) RunRetention(ctx context.Context) error {
	cfg := s.config
	start := time.Now()

	byAge, err := s.store.CleanupEventsByAge(ctx, cfg.RetentionDays, cfg.CriticalRetentionDays, cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("age-based event cleanup failed: %w", err)
	}

	byFlow, err := s.store.CleanupEventsByFlowLimit(ctx, cfg.PerFlowLimit, cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("per-flow event cleanup failed: %w", err)
	}

	// Trigger a little early so steady-state inserts don't oscillate
	// around the hard cap.
	trigger := int(float64(cfg.GlobalLimit) * 0.95)
	byGlobal, err := s.store.CleanupEventsByGlobalLimit(ctx, trigger, cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("global event cleanup failed: %w", err)
	}

	eventsDeleted := byAge + byFlow + byGlobal

	instancesDeleted, err := s.store.DeleteOldStoppedInstances(ctx,
		int(cfg.InstanceMaxAge.Seconds()), cfg.InstanceKeep)
	if err != nil {
		return fmt.Errorf("stopped instance pruning failed: %w", err)
	}

	if cfg.Vacuum && eventsDeleted > 0 {
		if err := s.store.VacuumDatabase(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: vacuum after retention failed: %v\n", err)
		}
	}

	remaining := 0
	if counts, err := s.store.GetEventCounts(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to read event counts: %v\n", err)
	} else if counts != nil {
		remaining = counts.TotalEvents
	}

	elapsed := time.Since(start).Milliseconds()
	event, err := events.NewCleanupCompletedEvent(types.TenantScope{}, "", "",
		fmt.Sprintf("Retention pass removed %d event(s) and %d instance(s)", eventsDeleted, instancesDeleted),
		events.CleanupCompletedData{
			EventsDeleted:    eventsDeleted,
			InstancesDeleted: instancesDeleted,
			DurationMS:       elapsed,
		})
	if err == nil {
		err = s.store.AddFlowEvent(ctx, event)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to record retention event: %v\n", err)
	}

	if eventsDeleted > 0 || instancesDeleted > 0 {
		fmt.Printf("Retention: deleted %d event(s) (age=%d, per_flow=%d, global=%d) and %d instance(s) in %dms (remaining=%d)\n",
			eventsDeleted, byAge, byFlow, byGlobal, instancesDeleted, elapsed, remaining)
	}
	return nil
}
