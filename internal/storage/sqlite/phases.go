package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cloudshift-labs/surveyor/internal/types"
)

const phaseColumns = `pr.flow_id, pr.phase, pr.phase_order, pr.status, pr.rollback_snapshot,
	pr.checkpoint, pr.attempt_count, pr.error_message, pr.started_at, pr.completed_at`

// scanPhaseRecord reads one phase record row
func scanPhaseRecord(row rowScanner) (*types.PhaseRecord, error) {
	var pr types.PhaseRecord
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&pr.FlowID, &pr.Phase, &pr.Order, &pr.Status, &pr.RollbackSnapshot,
		&pr.Checkpoint, &pr.AttemptCount, &pr.ErrorMessage, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t := startedAt.Time
		pr.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		pr.CompletedAt = &t
	}
	return &pr, nil
}

// tenantFlowFilter is appended to phase queries so a flow id from another
// tenant behaves exactly like an absent one.
const tenantFlowFilter = `pr.flow_id IN (
	SELECT id FROM flows
	WHERE id = ? AND client_account_id = ? AND engagement_id = ? AND deleted_at IS NULL
)`

// GetPhaseRecords returns the flow's phase records in execution order
func (s *SQLiteStorage) GetPhaseRecords(ctx context.Context, scope types.TenantScope, flowID string) ([]*types.PhaseRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+phaseColumns+`
		FROM phase_records pr
		WHERE pr.flow_id = ? AND `+tenantFlowFilter+`
		ORDER BY pr.phase_order ASC
	`, flowID, flowID, scope.ClientAccountID, scope.EngagementID)
	if err != nil {
		return nil, fmt.Errorf("failed to query phase records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*types.PhaseRecord
	for rows.Next() {
		pr, err := scanPhaseRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan phase record: %w", err)
		}
		records = append(records, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating phase records: %w", err)
	}
	return records, nil
}

// GetPhaseRecord returns one phase record, or nil if it doesn't exist
func (s *SQLiteStorage) GetPhaseRecord(ctx context.Context, scope types.TenantScope, flowID, phase string) (*types.PhaseRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+phaseColumns+`
		FROM phase_records pr
		WHERE pr.flow_id = ? AND pr.phase = ? AND `+tenantFlowFilter+`
	`, flowID, phase, flowID, scope.ClientAccountID, scope.EngagementID)

	pr, err := scanPhaseRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get phase record: %w", err)
	}
	return pr, nil
}

// TransitionPhase performs a compare-and-swap on the phase status. The
// UPDATE's WHERE clause carries the expected current status, so exactly
// one of two racing coordinators wins; the loser gets a state conflict.
//
// Timestamp maintenance rides along with the swap: activation stamps
// started_at and increments the attempt count, terminal states stamp
// completed_at, and demotion back to pending clears both.
func (s *SQLiteStorage) TransitionPhase(ctx context.Context, scope types.TenantScope, flowID, phase string, from, to types.PhaseStatus) error {
	if !from.IsValid() || !to.IsValid() {
		return types.NewValidationError(flowID, phase, fmt.Sprintf("invalid phase status transition %s -> %s", from, to))
	}
	if !from.CanTransitionTo(to) {
		return types.NewStateConflict(flowID, phase, fmt.Sprintf("illegal phase transition %s -> %s", from, to))
	}

	now := time.Now().UTC()
	var query string
	args := []interface{}{}

	switch to {
	case types.PhaseActive:
		query = `
			UPDATE phase_records
			SET status = ?, started_at = ?, completed_at = NULL, error_message = '',
			    attempt_count = attempt_count + 1
			WHERE flow_id = ? AND phase = ? AND status = ?`
		args = append(args, to, now, flowID, phase, from)
	case types.PhaseCompleted, types.PhaseFailed, types.PhaseSkipped:
		query = `
			UPDATE phase_records
			SET status = ?, completed_at = ?
			WHERE flow_id = ? AND phase = ? AND status = ?`
		args = append(args, to, now, flowID, phase, from)
	case types.PhasePending:
		query = `
			UPDATE phase_records
			SET status = ?, started_at = NULL, completed_at = NULL
			WHERE flow_id = ? AND phase = ? AND status = ?`
		args = append(args, to, flowID, phase, from)
	default:
		return types.NewValidationError(flowID, phase, fmt.Sprintf("unsupported target status %s", to))
	}

	// Tenant check rides in the same statement
	query += ` AND flow_id IN (
		SELECT id FROM flows
		WHERE id = ? AND client_account_id = ? AND engagement_id = ? AND deleted_at IS NULL
	)`
	args = append(args, flowID, scope.ClientAccountID, scope.EngagementID)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition phase: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Lost the race or the record is missing; re-read to tell which
		current, err := s.GetPhaseRecord(ctx, scope, flowID, phase)
		if err != nil {
			return err
		}
		if current == nil {
			return types.NewNotFound(flowID, phase)
		}
		return types.NewStateConflict(flowID, phase,
			fmt.Sprintf("phase is %s, expected %s", current.Status, from))
	}
	return nil
}

// SetPhaseRollbackSnapshot stores the restore point captured at phase entry
func (s *SQLiteStorage) SetPhaseRollbackSnapshot(ctx context.Context, scope types.TenantScope, flowID, phase, snapshot string) error {
	return s.setPhaseColumn(ctx, scope, flowID, phase, "rollback_snapshot", snapshot)
}

// SavePhaseCheckpoint stores the engine's opaque checkpoint so a retry can
// resume incrementally instead of starting over.
func (s *SQLiteStorage) SavePhaseCheckpoint(ctx context.Context, scope types.TenantScope, flowID, phase, checkpoint string) error {
	return s.setPhaseColumn(ctx, scope, flowID, phase, "checkpoint", checkpoint)
}

// SetPhaseError records the failure message on the phase record
func (s *SQLiteStorage) SetPhaseError(ctx context.Context, scope types.TenantScope, flowID, phase, message string) error {
	return s.setPhaseColumn(ctx, scope, flowID, phase, "error_message", message)
}

func (s *SQLiteStorage) setPhaseColumn(ctx context.Context, scope types.TenantScope, flowID, phase, column, value string) error {
	// column is one of three fixed names, never caller input
	result, err := s.db.ExecContext(ctx, `
		UPDATE phase_records
		SET `+column+` = ?
		WHERE flow_id = ? AND phase = ? AND flow_id IN (
			SELECT id FROM flows
			WHERE id = ? AND client_account_id = ? AND engagement_id = ? AND deleted_at IS NULL
		)
	`, value, flowID, phase, flowID, scope.ClientAccountID, scope.EngagementID)
	if err != nil {
		return fmt.Errorf("failed to update phase %s: %w", column, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return types.NewNotFound(flowID, phase)
	}
	return nil
}
