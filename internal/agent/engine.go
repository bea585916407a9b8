// Package agent is the boundary to the AI execution layer that performs
// the actual discovery work. The coordinator hands an engine one phase of
// one flow at a time; the engine returns discovered or enriched assets
// plus an opaque checkpoint that makes interrupted runs resumable.
package agent

import (
	"context"
	"fmt"

	"github.com/cloudshift-labs/surveyor/internal/types"
)

// RunRequest carries everything an engine needs to execute one phase.
type RunRequest struct {
	Flow           *types.Flow
	Phase          string
	Overrides      map[string]string // per-run tuning passed through from the API
	Checkpoint     string            // opaque resume token from a prior partial run
	ExistingAssets []*types.Asset    // assets already persisted for this flow
}

// Validate checks the request is well formed
func (r *RunRequest) Validate() error {
	if r.Flow == nil {
		return fmt.Errorf("flow is required")
	}
	if r.Phase == "" {
		return fmt.Errorf("phase is required")
	}
	return nil
}

// RunResult is the outcome of a completed phase run. Assets carries every
// asset the run produced or modified, including batches already delivered
// through the partial callback.
type RunResult struct {
	Assets     []*types.Asset
	Checkpoint string // final checkpoint; empty once the phase ran to completion
	Summary    string // one-line description for the flow event stream
}

// PartialFunc receives asset batches as an engine produces them, before
// the run completes. Persisting each batch together with its checkpoint
// means a retry after an interruption resumes instead of restarting.
// Returning an error aborts the run.
type PartialFunc func(ctx context.Context, assets []*types.Asset, checkpoint string) error

// Engine executes discovery phases. Implementations must be safe for
// concurrent use: the coordinator dispatches phases from many flows
// against one shared engine.
type Engine interface {
	// RunPhase executes one phase to completion or error. onPartial may be nil.
	RunPhase(ctx context.Context, req *RunRequest, onPartial PartialFunc) (*RunResult, error)

	// HealthCheck reports whether the engine can currently accept work.
	HealthCheck(ctx context.Context) error
}
