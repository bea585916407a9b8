// Package sqlite implements the storage interface on a single SQLite
// database file. It is the default backend for single-node deployments;
// WAL mode gives concurrent readers a consistent view while the
// coordinator writes.
package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/cloudshift-labs/surveyor/internal/types"
)

// SQLiteStorage implements the storage interface using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// New creates a new SQLite storage backend at the given path, creating
// the parent directory and initializing the schema if needed.
func New(ctx context.Context, path string) (*SQLiteStorage, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// Open database with WAL mode for better concurrency
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Initialize schema
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Ping verifies the database is reachable
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// execer covers both *sql.Conn and *sql.DB so helpers work inside and
// outside transactions.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// beginImmediate acquires a dedicated connection and starts an IMMEDIATE
// transaction on it. IMMEDIATE takes the write lock up front, which
// serializes compare-and-swap updates across concurrent coordinators.
// database/sql's BeginTx always uses DEFERRED mode, so we issue the raw
// statement on a pinned connection instead.
//
// The returned cleanup func rolls back unless commit() ran; it uses
// context.Background() so cleanup happens even when ctx is canceled.
func (s *SQLiteStorage) beginImmediate(ctx context.Context) (conn *sql.Conn, commit func() error, cleanup func(), err error) {
	conn, err = s.db.Conn(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("failed to begin immediate transaction: %w", err)
	}

	committed := false
	commit = func() error {
		if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		committed = true
		return nil
	}
	cleanup = func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
		conn.Close()
	}
	return conn, commit, cleanup, nil
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
	_, err := ex.ExecContext(ctx, `
		INSERT INTO audit_entries (
			flow_id, client_account_id, engagement_id, action, actor,
			before_digest, after_digest, comment, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
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

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const flowColumns = `id, client_account_id, engagement_id, status, current_phase, next_phase,
	phase_completion, progress_percentage, raw_payload_ref, metadata, version,
	created_at, updated_at, deleted_at, deleted_by`

// scanFlow reads one flow row, unmarshaling the JSON columns
func scanFlow(row rowScanner) (*types.Flow, error) {
	var f types.Flow
	var completionJSON, metadataJSON string
	var deletedAt sql.NullTime

	err := row.Scan(
		&f.ID, &f.ClientAccountID, &f.EngagementID, &f.Status, &f.CurrentPhase,
		&f.NextPhase, &completionJSON, &f.ProgressPercentage, &f.RawPayloadRef,
		&metadataJSON, &f.Version, &f.CreatedAt, &f.UpdatedAt, &deletedAt, &f.DeletedBy,
	)
	if err != nil {
		return nil, err
	}

	if completionJSON != "" {
		if err := json.Unmarshal([]byte(completionJSON), &f.PhaseCompletion); err != nil {
			return nil, fmt.Errorf("failed to unmarshal phase completion: %w", err)
		}
	}
	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &f.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		f.DeletedAt = &t
	}
	return &f, nil
}

// marshalFlowJSON serializes the flow's JSON columns for storage
func marshalFlowJSON(f *types.Flow) (completion, metadata string, err error) {
	completionBytes, err := json.Marshal(f.PhaseCompletion)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal phase completion: %w", err)
	}
	if f.PhaseCompletion == nil {
		completionBytes = []byte("[]")
	}
	metadataBytes := []byte("{}")
	if f.Metadata != nil {
		metadataBytes, err = json.Marshal(f.Metadata)
		if err != nil {
			return "", "", fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}
	return string(completionBytes), string(metadataBytes), nil
}

// CreateFlow creates a flow and seeds one pending phase record per plan
// entry, all in one transaction. The phase plan is frozen into the phase
// records at creation, so later plan changes never affect running flows.
func (s *SQLiteStorage) CreateFlow(ctx context.Context, flow *types.Flow, plan *types.PhasePlan, actor string) error {
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

	conn, commit, cleanup, err := s.beginImmediate(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	_, err = conn.ExecContext(ctx, `
		INSERT INTO flows (
			id, client_account_id, engagement_id, status, current_phase, next_phase,
			phase_completion, progress_percentage, raw_payload_ref, metadata, version,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		flow.ID, flow.ClientAccountID, flow.EngagementID, flow.Status,
		flow.CurrentPhase, flow.NextPhase, completionJSON, flow.ProgressPercentage,
		flow.RawPayloadRef, metadataJSON, flow.Version, flow.CreatedAt, flow.UpdatedAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return types.NewStateConflict(flow.ID, "", "flow already exists")
		}
		return fmt.Errorf("failed to insert flow: %w", err)
	}

	for _, def := range plan.Phases {
		_, err = conn.ExecContext(ctx, `
			INSERT INTO phase_records (flow_id, phase, phase_order, status)
			VALUES (?, ?, ?, ?)
		`, flow.ID, def.Name, def.Order, types.PhasePending)
		if err != nil {
			return fmt.Errorf("failed to insert phase record for %s: %w", def.Name, err)
		}
	}

	err = insertAuditEntry(ctx, conn, &types.AuditEntry{
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

	return commit()
}

// GetFlow returns the flow, or nil if it doesn't exist, is soft-deleted,
// or belongs to a different tenant.
func (s *SQLiteStorage) GetFlow(ctx context.Context, scope types.TenantScope, flowID string) (*types.Flow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+flowColumns+`
		FROM flows
		WHERE id = ? AND client_account_id = ? AND engagement_id = ? AND deleted_at IS NULL
	`, flowID, scope.ClientAccountID, scope.EngagementID)

	flow, err := scanFlow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}
	return flow, nil
}

// UpdateFlow applies mutate under optimistic concurrency. The read, the
// version check, and the write all happen inside one IMMEDIATE
// transaction; a concurrent writer surfaces as a state conflict.
func (s *SQLiteStorage) UpdateFlow(ctx context.Context, scope types.TenantScope, flowID string, expectedVersion int, mutate func(*types.Flow) error, actor string) (*types.Flow, error) {
	conn, commit, cleanup, err := s.beginImmediate(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	row := conn.QueryRowContext(ctx, `
		SELECT `+flowColumns+`
		FROM flows
		WHERE id = ? AND client_account_id = ? AND engagement_id = ? AND deleted_at IS NULL
	`, flowID, scope.ClientAccountID, scope.EngagementID)

	flow, err := scanFlow(row)
	if err == sql.ErrNoRows {
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

	result, err := conn.ExecContext(ctx, `
		UPDATE flows
		SET status = ?, current_phase = ?, next_phase = ?, phase_completion = ?,
		    progress_percentage = ?, raw_payload_ref = ?, metadata = ?,
		    version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		flow.Status, flow.CurrentPhase, flow.NextPhase, completionJSON,
		flow.ProgressPercentage, flow.RawPayloadRef, metadataJSON,
		flow.Version, flow.UpdatedAt,
		flowID, storedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update flow: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, types.NewStateConflict(flowID, "", "flow was modified concurrently")
	}

	err = insertAuditEntry(ctx, conn, &types.AuditEntry{
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

	if err := commit(); err != nil {
		return nil, err
	}
	return flow, nil
}

// ListActiveFlows returns the tenant's non-deleted flows, non-terminal
// first, most recently updated first within each group.
func (s *SQLiteStorage) ListActiveFlows(ctx context.Context, scope types.TenantScope) ([]*types.Flow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+flowColumns+`
		FROM flows
		WHERE client_account_id = ? AND engagement_id = ? AND deleted_at IS NULL
		ORDER BY CASE WHEN status IN ('completed', 'failed', 'cancelled') THEN 1 ELSE 0 END,
		         updated_at DESC
	`, scope.ClientAccountID, scope.EngagementID)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	defer func() { _ = rows.Close() }()

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
func (s *SQLiteStorage) DeleteFlowCascade(ctx context.Context, scope types.TenantScope, flowID, actor string) (*types.DeletionSummary, error) {
	start := time.Now()

	conn, commit, cleanup, err := s.beginImmediate(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	row := conn.QueryRowContext(ctx, `
		SELECT `+flowColumns+`
		FROM flows
		WHERE id = ? AND client_account_id = ? AND engagement_id = ? AND deleted_at IS NULL
	`, flowID, scope.ClientAccountID, scope.EngagementID)

	flow, err := scanFlow(row)
	if err == sql.ErrNoRows {
		return nil, types.NewNotFound(flowID, "")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}

	summary := &types.DeletionSummary{FlowID: flowID}

	// Conflicts first so their count is exact; deleting assets would
	// cascade-delete them silently otherwise.
	result, err := conn.ExecContext(ctx, `DELETE FROM conflicts WHERE flow_id = ?`, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete conflicts: %w", err)
	}
	n, _ := result.RowsAffected()
	summary.ConflictsDeleted = int(n)

	result, err = conn.ExecContext(ctx, `DELETE FROM assets WHERE flow_id = ?`, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete assets: %w", err)
	}
	n, _ = result.RowsAffected()
	summary.AssetsDeleted = int(n)

	result, err = conn.ExecContext(ctx, `DELETE FROM phase_records WHERE flow_id = ?`, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete phase records: %w", err)
	}
	n, _ = result.RowsAffected()
	summary.PhasesDeleted = int(n)

	result, err = conn.ExecContext(ctx, `DELETE FROM flow_events WHERE flow_id = ?`, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete flow events: %w", err)
	}
	n, _ = result.RowsAffected()
	summary.EventsDeleted = int(n)

	result, err = conn.ExecContext(ctx, `DELETE FROM leases WHERE flow_id = ?`, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete lease: %w", err)
	}
	n, _ = result.RowsAffected()
	summary.LeaseRevoked = n > 0

	now := time.Now().UTC()
	_, err = conn.ExecContext(ctx, `
		UPDATE flows SET deleted_at = ?, deleted_by = ?, updated_at = ? WHERE id = ?
	`, now, actor, now, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to soft-delete flow: %w", err)
	}

	err = insertAuditEntry(ctx, conn, &types.AuditEntry{
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

	if err := commit(); err != nil {
		return nil, err
	}

	summary.DurationMS = time.Since(start).Milliseconds()
	return summary, nil
}
