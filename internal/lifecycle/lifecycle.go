// Package lifecycle owns destructive maintenance: cascading flow deletion
// and the retention pass that keeps the event log and instance registry
// bounded. Deletion is tenant-facing; retention is scheduled by the
// coordinator and exposed on the CLI.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cloudshift-labs/surveyor/internal/storage"
	"github.com/cloudshift-labs/surveyor/internal/types"
)

// Service performs deletions and retention passes over one storage backend.
type Service struct {
	store  storage.Storage
	config *RetentionConfig
}

// NewService creates a lifecycle service. A nil config gets defaults.
func NewService(store storage.Storage, cfg *RetentionConfig) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg == nil {
		defaults := DefaultRetentionConfig()
		cfg = &defaults
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retention config: %w", err)
	}
	return &Service{store: store, config: cfg}, nil
}

// Delete removes a flow and everything under it in one transaction:
// conflicts, assets, phase records, and events. The flow row itself is
// soft-deleted and the audit trail always survives. A flow whose lease is
// live is mid-execution and cannot be deleted unless force is set, in which
// case the lease is revoked first and the revocation audited.
func (s *Service) Delete(ctx context.Context, scope types.TenantScope, flowID string, force bool, actor string) (*types.DeletionSummary, error) {
	if err := scope.Validate(); err != nil {
		return nil, types.NewValidationError(flowID, "", err.Error())
	}

	flow, err := s.store.GetFlow(ctx, scope, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load flow: %w", err)
	}
	if flow == nil {
		return nil, types.NewNotFound(flowID, "")
	}

	revoked := false
	lease, err := s.store.GetLease(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to check lease: %w", err)
	}
	if lease != nil && !lease.IsExpired(time.Now().UTC()) {
		if !force {
			return nil, types.NewStateConflict(flowID, lease.Phase,
				"flow has an active execution; retry after it settles or force the deletion")
		}
		if err := s.store.RevokeLease(ctx, flowID); err != nil {
			return nil, fmt.Errorf("failed to revoke lease: %w", err)
		}
		revoked = true
		if err := s.store.AddAuditEntry(ctx, &types.AuditEntry{
			FlowID:          flowID,
			ClientAccountID: scope.ClientAccountID,
			EngagementID:    scope.EngagementID,
			Action:          types.AuditLeaseRevoked,
			Actor:           actor,
			Comment:         fmt.Sprintf("revoked from %s for forced deletion", lease.HolderInstanceID),
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to record lease revocation audit entry: %v\n", err)
		}
	}

	summary, err := s.store.DeleteFlowCascade(ctx, scope, flowID, actor)
	if err != nil {
		return nil, err
	}
	if revoked {
		summary.LeaseRevoked = true
	}

	fmt.Printf("Flow %s: deleted (%d assets, %d conflicts, %d events) in %dms\n",
		flowID, summary.AssetsDeleted, summary.ConflictsDeleted, summary.EventsDeleted, summary.DurationMS)
	return summary, nil
}
