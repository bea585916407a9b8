package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cloudshift-labs/surveyor/internal/types"
)

const phaseColumns = `pr.flow_id, pr.phase, pr.phase_order, pr.status, pr.rollback_snapshot,
	pr.checkpoint, pr.attempt_count, pr.error_message, pr.started_at, pr.completed_at`

// scanPhaseRecord reads one phase record row
func scanPhaseRecord(row rowScanner) (*types.PhaseRecord, error) {
	var pr types.PhaseRecord
	var startedAt, completedAt *time.Time

	err := row.Scan(
		&pr.FlowID, &pr.Phase, &pr.Order, &pr.Status, &pr.RollbackSnapshot,
		&pr.Checkpoint, &pr.AttemptCount, &pr.ErrorMessage, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	pr.StartedAt = startedAt
	pr.CompletedAt = completedAt
	return &pr, nil
}

// GetPhaseRecords returns the flow's phase records in execution order
func (s *PostgresStorage) GetPhaseRecords(ctx context.Context, scope types.TenantScope, flowID string) ([]*types.PhaseRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+phaseColumns+`
		FROM phase_records pr
		JOIN flows f ON f.id = pr.flow_id
		WHERE pr.flow_id = $1 AND f.client_account_id = $2 AND f.engagement_id = $3
		  AND f.deleted_at IS NULL
		ORDER BY pr.phase_order ASC
	`, flowID, scope.ClientAccountID, scope.EngagementID)
	if err != nil {
		return nil, fmt.Errorf("failed to query phase records: %w", err)
	}
	defer rows.Close()

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
func (s *PostgresStorage) GetPhaseRecord(ctx context.Context, scope types.TenantScope, flowID, phase string) (*types.PhaseRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+phaseColumns+`
		FROM phase_records pr
		JOIN flows f ON f.id = pr.flow_id
		WHERE pr.flow_id = $1 AND pr.phase = $2
		  AND f.client_account_id = $3 AND f.engagement_id = $4 AND f.deleted_at IS NULL
	`, flowID, phase, scope.ClientAccountID, scope.EngagementID)

	pr, err := scanPhaseRecord(row)
	if err == pgx.ErrNoRows {
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
func (s *PostgresStorage) TransitionPhase(ctx context.Context, scope types.TenantScope, flowID, phase string, from, to types.PhaseStatus) error {
	if !from.IsValid() || !to.IsValid() {
		return types.NewValidationError(flowID, phase, fmt.Sprintf("invalid phase status transition %s -> %s", from, to))
	}
	if !from.CanTransitionTo(to) {
		return types.NewStateConflict(flowID, phase, fmt.Sprintf("illegal phase transition %s -> %s", from, to))
	}

	now := time.Now().UTC()

	// Tenant check rides in the same statement; $3 (the flow id) repeats
	// inside the subquery.
	var query string
	var args []interface{}

	switch to {
	case types.PhaseActive:
		query = `
			UPDATE phase_records
			SET status = $1, started_at = $2, completed_at = NULL, error_message = '',
			    attempt_count = attempt_count + 1
			WHERE flow_id = $3 AND phase = $4 AND status = $5 AND flow_id IN (
				SELECT id FROM flows
				WHERE id = $3 AND client_account_id = $6 AND engagement_id = $7 AND deleted_at IS NULL
			)`
		args = []interface{}{to, now, flowID, phase, from, scope.ClientAccountID, scope.EngagementID}
	case types.PhaseCompleted, types.PhaseFailed, types.PhaseSkipped:
		query = `
			UPDATE phase_records
			SET status = $1, completed_at = $2
			WHERE flow_id = $3 AND phase = $4 AND status = $5 AND flow_id IN (
				SELECT id FROM flows
				WHERE id = $3 AND client_account_id = $6 AND engagement_id = $7 AND deleted_at IS NULL
			)`
		args = []interface{}{to, now, flowID, phase, from, scope.ClientAccountID, scope.EngagementID}
	case types.PhasePending:
		query = `
			UPDATE phase_records
			SET status = $1, started_at = NULL, completed_at = NULL
			WHERE flow_id = $2 AND phase = $3 AND status = $4 AND flow_id IN (
				SELECT id FROM flows
				WHERE id = $2 AND client_account_id = $5 AND engagement_id = $6 AND deleted_at IS NULL
			)`
		args = []interface{}{to, flowID, phase, from, scope.ClientAccountID, scope.EngagementID}
	default:
		return types.NewValidationError(flowID, phase, fmt.Sprintf("unsupported target status %s", to))
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition phase: %w", err)
	}
	if tag.RowsAffected() == 0 {
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
func (s *PostgresStorage) SetPhaseRollbackSnapshot(ctx context.Context, scope types.TenantScope, flowID, phase, snapshot string) error {
	return s.setPhaseColumn(ctx, scope, flowID, phase, "rollback_snapshot", snapshot)
}

// SavePhaseCheckpoint stores the engine's opaque checkpoint so a retry can
// resume incrementally instead of starting over.
func (s *PostgresStorage) SavePhaseCheckpoint(ctx context.Context, scope types.TenantScope, flowID, phase, checkpoint string) error {
	return s.setPhaseColumn(ctx, scope, flowID, phase, "checkpoint", checkpoint)
}

// SetPhaseError records the failure message on the phase record
func (s *PostgresStorage) SetPhaseError(ctx context.Context, scope types.TenantScope, flowID, phase, message string) error {
	return s.setPhaseColumn(ctx, scope, flowID, phase, "error_message", message)
}

func (s *PostgresStorage) setPhaseColumn(ctx context.Context, scope types.TenantScope, flowID, phase, column, value string) error {
	// column is one of three fixed names, never caller input
	tag, err := s.pool.Exec(ctx, `
		UPDATE phase_records
		SET `+column+` = $1
		WHERE flow_id = $2 AND phase = $3 AND flow_id IN (
			SELECT id FROM flows
			WHERE id = $2 AND client_account_id = $4 AND engagement_id = $5 AND deleted_at IS NULL
		)
	`, value, flowID, phase, scope.ClientAccountID, scope.EngagementID)
	if err != nil {
		return fmt.Errorf("failed to update phase %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewNotFound(flowID, phase)
	}
	return nil
}
