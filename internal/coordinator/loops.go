package coordinator

import (
	"context"
	"fmt"
	"os"
	"time"
)

// heartbeatLoop refreshes this instance's registry heartbeat. Execution
// leases renew on their own schedule per run; the heartbeat is what other
// instances' sweepers consult before demoting our phases.
func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	defer close(c.heartbeatDoneCh)

	ticker := time.NewTicker(c.config.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.heartbeatStopCh:
			return
		case <-ticker.C:
			if err := c.store.UpdateInstanceHeartbeat(ctx, c.instanceID); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to update instance heartbeat: %v\n", err)
			}
		}
	}
}

// sweepLoop periodically clears state abandoned by dead instances
func (c *Coordinator) sweepLoop(ctx context.Context) {
	defer close(c.sweepDoneCh)

	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.sweepStopCh:
			return
		case <-ticker.C:
			c.sweepOnce(ctx)
		}
	}
}

// sweepOnce marks stale instances stopped and demotes active phases whose
// lease holder has not heartbeated within the stale threshold.
func (c *Coordinator) sweepOnce(ctx context.Context) {
	staleSecs := int(c.config.StaleThreshold.Seconds())
	if cleaned, err := c.store.CleanupStaleInstances(ctx, staleSecs); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: stale instance cleanup failed: %v\n", err)
	} else if cleaned > 0 {
		fmt.Printf("Sweep: Marked %d stale instance(s) stopped\n", cleaned)
	}

	if demoted, err := c.store.DemoteOrphanedActivePhases(ctx, c.config.StaleThreshold); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: orphaned phase demotion failed: %v\n", err)
	} else if demoted > 0 {
		fmt.Printf("Sweep: Demoted %d orphaned active phase(s) to pending\n", demoted)
	}
}

// retentionLoop invokes the retention runner on its interval. The pass runs
// in a goroutine with a buffered result channel so a slow pass can be
// abandoned at shutdown instead of blocking it.
func (c *Coordinator) retentionLoop(ctx context.Context) {
	defer close(c.retentionDoneCh)

	ticker := time.NewTicker(c.config.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.retentionStopCh:
			return
		case <-ticker.C:
			done := make(chan error, 1)
			go func() {
				done <- c.retention.RunRetention(ctx)
			}()
			select {
			case err := <-done:
				if err != nil {
					fmt.Fprintf(os.Stderr, "Warning: retention pass failed: %v\n", err)
				}
			case <-c.retentionStopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}
