// Package postgres implements the storage interface on PostgreSQL via
// pgxpool. It is the backend for multi-node deployments where several
// coordinator instances share one database.
package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloudshift-labs/surveyor/internal/types"
)

// Config holds PostgreSQL connection configuration
type Config struct {
	// DSN is a full connection string. When set it wins over the
	// individual fields below.
	DSN string

	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string

	// Connection pool settings
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Health check interval
	HealthCheck time.Duration
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		Database:        "surveyor",
		User:            "surveyor",
		Password:        "",
		SSLMode:         "disable",
		MaxConns:        25,
		MinConns:        5,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		HealthCheck:     time.Minute,
	}
}

// ConnString builds the connection string from the config
func (c *Config) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// PostgresStorage implements the storage interface using PostgreSQL
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// New creates a new PostgreSQL storage backend
func New(ctx context.Context, cfg *Config) (*PostgresStorage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = cfg.HealthCheck

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &PostgresStorage{pool: pool}, nil
}

// initializeSchema creates the database schema if it doesn't exist
func initializeSchema(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable
func (s *PostgresStorage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool and releases all resources
func (s *PostgresStorage) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// isUniqueViolation checks if an error is a PostgreSQL unique constraint violation
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// execer covers pgx transactions and the pool so helpers work inside and
// outside transactions.
type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// rowScanner abstracts pgx.Row and pgx.Rows for the scan helpers
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// flowDigest returns a hex sha256 of the flow's JSON form, used for
// before/after digests in the audit trail.
func flowDigest(f *types.Flow) string {
	if f == nil {
		return ""
	}
	data, err := json.Marshal(f)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// insertAuditEntry appends one audit row using the given executor, so it
// can participate in an open transaction.
func insertAuditEntry(ctx context.Context, ex execer, entry *types.AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := ex.Exec(ctx, `
		INSERT INTO audit_entries (
			flow_id, client_account_id, engagement_id, action, actor,
			before_digest, after_digest, comment, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		entry.FlowID, entry.ClientAccountID, entry.EngagementID, entry.Action,
		entry.Actor, entry.BeforeDigest, entry.AfterDigest, entry.Comment,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

const flowColumns = `id, client_account_id, engagement_id, status, current_phase, next_phase,
	phase_completion, progress_percentage, raw_payload_ref, metadata, version,
	created_at, updated_at, deleted_at, deleted_by`

// scanFlow reads one flow row, unmarshaling the JSONB columns
func scanFlow(row rowScanner) (*types.Flow, error) {
	var f types.Flow
	var completionJSON, metadataJSON []byte
	var deletedAt *time.Time

	err := row.Scan(
		&f.ID, &f.ClientAccountID, &f.EngagementID, &f.Status, &f.CurrentPhase,
		&f.NextPhase, &completionJSON, &f.ProgressPercentage, &f.RawPayloadRef,
		&metadataJSON, &f.Version, &f.CreatedAt, &f.UpdatedAt, &deletedAt, &f.DeletedBy,
	)
	if err != nil {
		return nil, err
	}

	if len(completionJSON) > 0 {
		if err := json.Unmarshal(completionJSON, &f.PhaseCompletion); err != nil {
			return nil, fmt.Errorf("failed to unmarshal phase completion: %w", err)
		}
	}
	if len(metadataJSON) > 0 && string(metadataJSON) != "{}" {
		if err := json.Unmarshal(metadataJSON, &f.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	f.DeletedAt = deletedAt
	return &f, nil
}

// marshalFlowJSON serializes the flow's JSONB columns for storage
func marshalFlowJSON(f *types.Flow) (completion, metadata []byte, err error) {
	completion, err = json.Marshal(f.PhaseCompletion)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal phase completion: %w", err)
	}
	if f.PhaseCompletion == nil {
		completion = []byte("[]")
	}
	metadata = []byte("{}")
	if f.Metadata != nil {
		metadata, err = json.Marshal(f.Metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}
	return completion, metadata, nil
}

// CreateFlow creates a flow and seeds one pending phase record per plan
// entry, all in one transaction. The phase plan is frozen into the phase
// records at creation, so later plan changes never affect running flows.
func (s *PostgresStorage) CreateFlow(ctx context.Context, flow *types.Flow, plan *types.PhasePlan, actor string) error {
	if err := flow.Validate(); err != nil {
		return types.NewValidationError("", "", fmt.Sprintf("invalid flow: %v", err))
	}
	if plan == nil || len(plan.Phases) == 0 {
		return types.NewValidationError(flow.ID, "", "phase plan is required")
	}
	if err := plan.Validate(); err != nil {
		return types.NewValidationError(flow.ID, "", fmt.Sprintf("invalid phase plan: %v", err))
	}

	now := time.Now().UTC()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}
	flow.UpdatedAt = now

	completionJSON, metadataJSON, err := marshalFlowJSON(flow)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO flows (
			id, client_account_id, engagement_id, status, current_phase, next_phase,
			phase_completion, progress_percentage, raw_payload_ref, metadata, version,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		flow.ID, flow.ClientAccountID, flow.EngagementID, flow.Status,
		flow.CurrentPhase, flow.NextPhase, completionJSON, flow.ProgressPercentage,
		flow.RawPayloadRef, metadataJSON, flow.Version, flow.CreatedAt, flow.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewStateConflict(flow.ID, "", "flow already exists")
		}
		return fmt.Errorf("failed to insert flow: %w", err)
	}

	for _, def := range plan.Phases {
		_, err = tx.Exec(ctx, `
			INSERT INTO phase_records (flow_id, phase, phase_order, status)
			VALUES ($1, $2, $3, $4)
		`, flow.ID, def.Name, def.Order, types.PhasePending)
		if err != nil {
			return fmt.Errorf("failed to insert phase record for %s: %w", def.Name, err)
		}
	}

	err = insertAuditEntry(ctx, tx, &types.AuditEntry{
		FlowID:          flow.ID,
		ClientAccountID: flow.ClientAccountID,
		EngagementID:    flow.EngagementID,
		Action:          types.AuditFlowCreated,
		Actor:           actor,
		AfterDigest:     flowDigest(flow),
	})
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetFlow returns the flow, or nil if it doesn't exist, is soft-deleted,
// or belongs to a different tenant.
func (s *PostgresStorage) GetFlow(ctx context.Context, scope types.TenantScope, flowID string) (*types.Flow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+flowColumns+`
		FROM flows
		WHERE id = $1 AND client_account_id = $2 AND engagement_id = $3 AND deleted_at IS NULL
	`, flowID, scope.ClientAccountID, scope.EngagementID)

	flow, err := scanFlow(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}
	return flow, nil
}

// UpdateFlow applies mutate under optimistic concurrency. SELECT FOR
// UPDATE serializes racing writers on the row; the version CAS in the
// UPDATE catches anything that slipped past it.
func (s *PostgresStorage) UpdateFlow(ctx context.Context, scope types.TenantScope, flowID string, expectedVersion int, mutate func(*types.Flow) error, actor string) (*types.Flow, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+flowColumns+`
		FROM flows
		WHERE id = $1 AND client_account_id = $2 AND engagement_id = $3 AND deleted_at IS NULL
		FOR UPDATE
	`, flowID, scope.ClientAccountID, scope.EngagementID)

	flow, err := scanFlow(row)
	if err == pgx.ErrNoRows {
		return nil, types.NewNotFound(flowID, "")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}

	if expectedVersion != 0 && flow.Version != expectedVersion {
		return nil, types.NewStateConflict(flowID, "",
			fmt.Sprintf("version mismatch: expected %d, stored %d", expectedVersion, flow.Version))
	}

	beforeDigest := flowDigest(flow)
	storedVersion := flow.Version

	if err := mutate(flow); err != nil {
		return nil, err
	}
	if err := flow.Validate(); err != nil {
		return nil, types.NewValidationError(flowID, "", fmt.Sprintf("invalid flow after update: %v", err))
	}

	flow.Version = storedVersion + 1
	flow.UpdatedAt = time.Now().UTC()

	completionJSON, metadataJSON, err := marshalFlowJSON(flow)
	if err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE flows
		SET status = $1, current_phase = $2, next_phase = $3, phase_completion = $4,
		    progress_percentage = $5, raw_payload_ref = $6, metadata = $7,
		    version = $8, updated_at = $9
		WHERE id = $10 AND version = $11
	`,
		flow.Status, flow.CurrentPhase, flow.NextPhase, completionJSON,
		flow.ProgressPercentage, flow.RawPayloadRef, metadataJSON,
		flow.Version, flow.UpdatedAt,
		flowID, storedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update flow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, types.NewStateConflict(flowID, "", "flow was modified concurrently")
	}

	err = insertAuditEntry(ctx, tx, &types.AuditEntry{
		FlowID:          flowID,
		ClientAccountID: scope.ClientAccountID,
		EngagementID:    scope.EngagementID,
		Action:          types.AuditFlowUpdated,
		Actor:           actor,
		BeforeDigest:    beforeDigest,
		AfterDigest:     flowDigest(flow),
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return flow, nil
}

// ListActiveFlows returns the tenant's non-deleted flows, non-terminal
// first, most recently updated first within each group.
func (s *PostgresStorage) ListActiveFlows(ctx context.Context, scope types.TenantScope) ([]*types.Flow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+flowColumns+`
		FROM flows
		WHERE client_account_id = $1 AND engagement_id = $2 AND deleted_at IS NULL
		ORDER BY CASE WHEN status IN ('completed', 'failed', 'cancelled') THEN 1 ELSE 0 END,
		         updated_at DESC
	`, scope.ClientAccountID, scope.EngagementID)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	defer rows.Close()

	var flows []*types.Flow
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}
		flows = append(flows, flow)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flows: %w", err)
	}
	return flows, nil
}

// DeleteFlowCascade hard-deletes the flow's conflicts, assets, phase
// records, and events, revokes any lease, and soft-deletes the flow row.
// The audit trail survives; the deletion itself is audited.
func (s *PostgresStorage) DeleteFlowCascade(ctx context.Context, scope types.TenantScope, flowID, actor string) (*types.DeletionSummary, error) {
	start := time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+flowColumns+`
		FROM flows
		WHERE id = $1 AND client_account_id = $2 AND engagement_id = $3 AND deleted_at IS NULL
		FOR UPDATE
	`, flowID, scope.ClientAccountID, scope.EngagementID)

	flow, err := scanFlow(row)
	if err == pgx.ErrNoRows {
		return nil, types.NewNotFound(flowID, "")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}

	summary := &types.DeletionSummary{FlowID: flowID}

	// Conflicts first so their count is exact; deleting assets would
	// cascade-delete them silently otherwise.
	tag, err := tx.Exec(ctx, `DELETE FROM conflicts WHERE flow_id = $1`, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete conflicts: %w", err)
	}
	summary.ConflictsDeleted = int(tag.RowsAffected())

	tag, err = tx.Exec(ctx, `DELETE FROM assets WHERE flow_id = $1`, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete assets: %w", err)
	}
	summary.AssetsDeleted = int(tag.RowsAffected())

	tag, err = tx.Exec(ctx, `DELETE FROM phase_records WHERE flow_id = $1`, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete phase records: %w", err)
	}
	summary.PhasesDeleted = int(tag.RowsAffected())

	tag, err = tx.Exec(ctx, `DELETE FROM flow_events WHERE flow_id = $1`, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete flow events: %w", err)
	}
	summary.EventsDeleted = int(tag.RowsAffected())

	tag, err = tx.Exec(ctx, `DELETE FROM leases WHERE flow_id = $1`, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete lease: %w", err)
	}
	summary.LeaseRevoked = tag.RowsAffected() > 0

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE flows SET deleted_at = $1, deleted_by = $2, updated_at = $3 WHERE id = $4
	`, now, actor, now, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to soft-delete flow: %w", err)
	}

	err = insertAuditEntry(ctx, tx, &types.AuditEntry{
		FlowID:          flowID,
		ClientAccountID: scope.ClientAccountID,
		EngagementID:    scope.EngagementID,
		Action:          types.AuditFlowDeleted,
		Actor:           actor,
		BeforeDigest:    flowDigest(flow),
		Comment: fmt.Sprintf("cascade: %d assets, %d conflicts, %d phases, %d events",
			summary.AssetsDeleted, summary.ConflictsDeleted, summary.PhasesDeleted, summary.EventsDeleted),
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	summary.DurationMS = time.Since(start).Milliseconds()
	return summary, nil
}
