package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cloudshift-labs/surveyor/internal/types"
)

const conflictColumns = `id, asset_id, flow_id, client_account_id, engagement_id, field,
	conflicting_values, severity, resolution_status, resolved_value, resolved_by,
	rationale, detected_at, resolved_at`

// scanConflict reads one conflict row
func scanConflict(row rowScanner) (*types.ConflictRecord, error) {
	var c types.ConflictRecord
	var valuesJSON []byte
	var resolvedAt *time.Time

	err := row.Scan(
		&c.ID, &c.AssetID, &c.FlowID, &c.ClientAccountID, &c.EngagementID, &c.Field,
		&valuesJSON, &c.Severity, &c.ResolutionStatus, &c.ResolvedValue, &c.ResolvedBy,
		&c.Rationale, &c.DetectedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(valuesJSON) > 0 && string(valuesJSON) != "[]" {
		if err := json.Unmarshal(valuesJSON, &c.ConflictingValues); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conflicting values: %w", err)
		}
	}
	c.ResolvedAt = resolvedAt
	return &c, nil
}

// UpsertConflict creates or replaces the conflict for (asset, field). The
// detection engine owns what goes in, including whether a prior resolution
// is preserved or reset; the row id of an existing conflict is kept.
func (s *PostgresStorage) UpsertConflict(ctx context.Context, conflict *types.ConflictRecord) error {
	if err := conflict.Validate(); err != nil {
		return types.NewValidationError(conflict.FlowID, "", fmt.Sprintf("invalid conflict: %v", err))
	}

	valuesJSON, err := json.Marshal(conflict.ConflictingValues)
	if err != nil {
		return fmt.Errorf("failed to marshal conflicting values: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO conflicts (
			id, asset_id, flow_id, client_account_id, engagement_id, field,
			conflicting_values, severity, resolution_status, resolved_value,
			resolved_by, rationale, detected_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (asset_id, field, client_account_id, engagement_id) DO UPDATE SET
			conflicting_values = EXCLUDED.conflicting_values,
			severity = EXCLUDED.severity,
			resolution_status = EXCLUDED.resolution_status,
			resolved_value = EXCLUDED.resolved_value,
			resolved_by = EXCLUDED.resolved_by,
			rationale = EXCLUDED.rationale,
			detected_at = EXCLUDED.detected_at,
			resolved_at = EXCLUDED.resolved_at
	`,
		conflict.ID, conflict.AssetID, conflict.FlowID, conflict.ClientAccountID,
		conflict.EngagementID, conflict.Field, valuesJSON, conflict.Severity,
		conflict.ResolutionStatus, conflict.ResolvedValue, conflict.ResolvedBy,
		conflict.Rationale, conflict.DetectedAt, conflict.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert conflict: %w", err)
	}
	return nil
}

// GetConflict returns the conflict for (asset, field), or nil if none exists
func (s *PostgresStorage) GetConflict(ctx context.Context, scope types.TenantScope, assetID, field string) (*types.ConflictRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+conflictColumns+`
		FROM conflicts
		WHERE asset_id = $1 AND field = $2 AND client_account_id = $3 AND engagement_id = $4
	`, assetID, field, scope.ClientAccountID, scope.EngagementID)

	conflict, err := scanConflict(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}
	return conflict, nil
}

// ListConflictsByFlow returns the flow's conflicts, unresolved first, then
// by severity so callers can surface the urgent ones without re-sorting.
func (s *PostgresStorage) ListConflictsByFlow(ctx context.Context, scope types.TenantScope, flowID string) ([]*types.ConflictRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+conflictColumns+`
		FROM conflicts
		WHERE flow_id = $1 AND client_account_id = $2 AND engagement_id = $3
		ORDER BY CASE resolution_status WHEN 'pending' THEN 0 ELSE 1 END,
		         CASE severity WHEN 'high' THEN 0 ELSE 1 END,
		         asset_id ASC, field ASC
	`, flowID, scope.ClientAccountID, scope.EngagementID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*types.ConflictRecord
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, conflict)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return conflicts, nil
}

// UpdateConflictResolution overwrites the resolution fields and returns the
// updated record. Re-resolving is allowed; the latest resolution wins.
func (s *PostgresStorage) UpdateConflictResolution(ctx context.Context, scope types.TenantScope, assetID, field string, status types.ResolutionStatus, value, resolvedBy, rationale string) (*types.ConflictRecord, error) {
	if !status.IsValid() {
		return nil, types.NewValidationError("", "", fmt.Sprintf("invalid resolution status: %s", status))
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE conflicts
		SET resolution_status = $1, resolved_value = $2, resolved_by = $3, rationale = $4, resolved_at = $5
		WHERE asset_id = $6 AND field = $7 AND client_account_id = $8 AND engagement_id = $9
	`, status, value, resolvedBy, rationale, time.Now().UTC(),
		assetID, field, scope.ClientAccountID, scope.EngagementID)
	if err != nil {
		return nil, fmt.Errorf("failed to update conflict resolution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, types.NewNotFound(assetID, "")
	}

	return s.GetConflict(ctx, scope, assetID, field)
}
