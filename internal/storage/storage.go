// Package storage defines the persistence interface for the orchestrator:
// flows, phase records, leases, coordinator instances, assets, conflicts,
// handoff packages, the audit trail, and flow events. Two backends
// implement it: sqlite (default, single node) and postgres (SaaS
// deployments).
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudshift-labs/surveyor/internal/events"
	"github.com/cloudshift-labs/surveyor/internal/storage/postgres"
	"github.com/cloudshift-labs/surveyor/internal/storage/sqlite"
	"github.com/cloudshift-labs/surveyor/internal/types"
)

// Storage is the interface all persistence backends implement. Every
// record-level operation is tenant-scoped; a flow id that exists under a
// different tenant behaves exactly like an absent one.
type Storage interface {
	// Flow operations
	CreateFlow(ctx context.Context, flow *types.Flow, plan *types.PhasePlan, actor string) error
	GetFlow(ctx context.Context, scope types.TenantScope, flowID string) (*types.Flow, error)
	// UpdateFlow applies mutate under optimistic concurrency: if the stored
	// version differs from expectedVersion the update fails with a state
	// conflict and the caller must re-read. Passing expectedVersion 0 skips
	// the check (single-writer coordinator paths).
	UpdateFlow(ctx context.Context, scope types.TenantScope, flowID string, expectedVersion int, mutate func(*types.Flow) error, actor string) (*types.Flow, error)
	ListActiveFlows(ctx context.Context, scope types.TenantScope) ([]*types.Flow, error)
	// DeleteFlowCascade removes conflicts, assets, phase records, and flow
	// events, soft-deletes the flow, and appends an audit entry, all in one
	// transaction. The audit trail itself is never deleted.
	DeleteFlowCascade(ctx context.Context, scope types.TenantScope, flowID, actor string) (*types.DeletionSummary, error)

	// Phase record operations
	GetPhaseRecords(ctx context.Context, scope types.TenantScope, flowID string) ([]*types.PhaseRecord, error)
	GetPhaseRecord(ctx context.Context, scope types.TenantScope, flowID, phase string) (*types.PhaseRecord, error)
	// TransitionPhase performs a compare-and-swap on the phase status and
	// maintains timestamps: activation stamps started_at and increments the
	// attempt count, terminal states stamp completed_at, demotion back to
	// pending clears started_at. A lost race surfaces as a state conflict.
	TransitionPhase(ctx context.Context, scope types.TenantScope, flowID, phase string, from, to types.PhaseStatus) error
	SetPhaseRollbackSnapshot(ctx context.Context, scope types.TenantScope, flowID, phase, snapshot string) error
	SavePhaseCheckpoint(ctx context.Context, scope types.TenantScope, flowID, phase, checkpoint string) error
	SetPhaseError(ctx context.Context, scope types.TenantScope, flowID, phase, message string) error

	// Lease operations. AcquireLease settles races via a uniqueness
	// constraint: the loser receives a state conflict.
	AcquireLease(ctx context.Context, flowID, instanceID, phase string, ttl time.Duration) (*types.Lease, error)
	GetLease(ctx context.Context, flowID string) (*types.Lease, error)
	RenewLease(ctx context.Context, flowID, instanceID string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, flowID, instanceID string) error
	// RevokeLease removes a lease regardless of holder (force delete path)
	RevokeLease(ctx context.Context, flowID string) error
	// DemoteOrphanedActivePhases finds active phases whose lease is expired,
	// missing, or held by an instance with a stale heartbeat, demotes them
	// to pending, and removes the dead lease. Returns the demoted count.
	DemoteOrphanedActivePhases(ctx context.Context, heartbeatStaleAfter time.Duration) (int, error)

	// Coordinator instance registry
	RegisterInstance(ctx context.Context, instance *types.CoordinatorInstance) error
	UpdateInstanceHeartbeat(ctx context.Context, instanceID string) error
	MarkInstanceStopped(ctx context.Context, instanceID string) error
	GetActiveInstances(ctx context.Context) ([]*types.CoordinatorInstance, error)
	// CleanupStaleInstances marks running instances with heartbeats older
	// than the threshold as stopped. Returns the number cleaned up.
	CleanupStaleInstances(ctx context.Context, staleThresholdSecs int) (int, error)
	// DeleteOldStoppedInstances removes stopped instances older than the
	// given age, always keeping the most recent keepCount rows.
	DeleteOldStoppedInstances(ctx context.Context, olderThanSecs, keepCount int) (int, error)

	// Asset operations
	SaveAssets(ctx context.Context, assets []*types.Asset) error
	GetAsset(ctx context.Context, scope types.TenantScope, assetID string) (*types.Asset, error)
	ListAssetsByFlow(ctx context.Context, scope types.TenantScope, flowID string) ([]*types.Asset, error)
	SetAssetNormalizedField(ctx context.Context, scope types.TenantScope, assetID, field, value string) error
	// DeleteAssetsNotIn removes flow assets outside the keep set; used to
	// restore a phase's rollback snapshot before a retry.
	DeleteAssetsNotIn(ctx context.Context, scope types.TenantScope, flowID string, keepIDs []string) (int, error)

	// Conflict operations
	UpsertConflict(ctx context.Context, conflict *types.ConflictRecord) error
	GetConflict(ctx context.Context, scope types.TenantScope, assetID, field string) (*types.ConflictRecord, error)
	ListConflictsByFlow(ctx context.Context, scope types.TenantScope, flowID string) ([]*types.ConflictRecord, error)
	// UpdateConflictResolution overwrites the resolution fields; re-resolving
	// an already-resolved conflict replaces the previous resolution.
	UpdateConflictResolution(ctx context.Context, scope types.TenantScope, assetID, field string, status types.ResolutionStatus, value, resolvedBy, rationale string) (*types.ConflictRecord, error)

	// Handoff packages are write-once per flow
	SaveHandoffPackage(ctx context.Context, pkg *types.HandoffPackage) error
	GetHandoffPackage(ctx context.Context, scope types.TenantScope, flowID string) (*types.HandoffPackage, error)

	// Audit trail
	AddAuditEntry(ctx context.Context, entry *types.AuditEntry) error
	GetAuditEntries(ctx context.Context, scope types.TenantScope, flowID string, limit int) ([]*types.AuditEntry, error)

	// Flow events
	events.EventStore
	CleanupEventsByAge(ctx context.Context, retentionDays, criticalRetentionDays, batchSize int) (int, error)
	CleanupEventsByFlowLimit(ctx context.Context, perFlowLimit, batchSize int) (int, error)
	CleanupEventsByGlobalLimit(ctx context.Context, globalLimit, batchSize int) (int, error)
	// GetEventCounts returns event statistics for retention monitoring.
	GetEventCounts(ctx context.Context) (*events.EventCounts, error)
	// VacuumDatabase reclaims disk space after large deletions. Backends
	// that manage space automatically treat this as a no-op.
	VacuumDatabase(ctx context.Context) error

	// Tenant settings
	GetTenantSettings(ctx context.Context, scope types.TenantScope) (*types.TenantSettings, error)
	SetTenantSettings(ctx context.Context, settings *types.TenantSettings) error

	// Ping verifies the backend is reachable
	Ping(ctx context.Context) error
	// Close closes the storage connection
	Close() error
}

// Backend names accepted by Config
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config holds storage configuration
type Config struct {
	// Backend selects the implementation: sqlite (default) or postgres
	Backend string
	// Path is the sqlite database file location
	Path string
	// DSN is the postgres connection string
	DSN string
}

// DefaultConfig returns the default storage configuration
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendSQLite,
		Path:    ".surveyor/flows.db",
	}
}

// NewStorage creates a storage backend from config
func NewStorage(ctx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	switch cfg.Backend {
	case "", BackendSQLite:
		return sqlite.New(ctx, cfg.Path)
	case BackendPostgres:
		pgCfg := postgres.DefaultConfig()
		pgCfg.DSN = cfg.DSN
		return postgres.New(ctx, pgCfg)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
