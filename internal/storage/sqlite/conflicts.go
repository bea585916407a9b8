package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudshift-labs/surveyor/internal/types"
)

const conflictColumns = `id, asset_id, flow_id, client_account_id, engagement_id, field,
	conflicting_values, severity, resolution_status, resolved_value, resolved_by,
	rationale, detected_at, resolved_at`

// scanConflict reads one conflict row
func scanConflict(row rowScanner) (*types.ConflictRecord, error) {
	var c types.ConflictRecord
	var valuesJSON string
	var resolvedAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.AssetID, &c.FlowID, &c.ClientAccountID, &c.EngagementID, &c.Field,
		&valuesJSON, &c.Severity, &c.ResolutionStatus, &c.ResolvedValue, &c.ResolvedBy,
		&c.Rationale, &c.DetectedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	if valuesJSON != "" && valuesJSON != "[]" {
		if err := json.Unmarshal([]byte(valuesJSON), &c.ConflictingValues); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conflicting values: %w", err)
		}
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	return &c, nil
}

// UpsertConflict creates or replaces the conflict for (asset, field). The
// detection engine owns what goes in, including whether a prior resolution
// is preserved or reset; the row id of an existing conflict is kept.
func (s *SQLiteStorage) UpsertConflict(ctx context.Context, conflict *types.ConflictRecord) error {
	if err := conflict.Validate(); err != nil {
		return types.NewValidationError(conflict.FlowID, "", fmt.Sprintf("invalid conflict: %v", err))
	}

	valuesJSON, err := json.Marshal(conflict.ConflictingValues)
	if err != nil {
		return fmt.Errorf("failed to marshal conflicting values: %w", err)
	}

	var resolvedAt interface{}
	if conflict.ResolvedAt != nil {
		resolvedAt = *conflict.ResolvedAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflicts (
			id, asset_id, flow_id, client_account_id, engagement_id, field,
			conflicting_values, severity, resolution_status, resolved_value,
			resolved_by, rationale, detected_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(asset_id, field, client_account_id, engagement_id) DO UPDATE SET
			conflicting_values = excluded.conflicting_values,
			severity = excluded.severity,
			resolution_status = excluded.resolution_status,
			resolved_value = excluded.resolved_value,
			resolved_by = excluded.resolved_by,
			rationale = excluded.rationale,
			detected_at = excluded.detected_at,
			resolved_at = excluded.resolved_at
	`,
		conflict.ID, conflict.AssetID, conflict.FlowID, conflict.ClientAccountID,
		conflict.EngagementID, conflict.Field, string(valuesJSON), conflict.Severity,
		conflict.ResolutionStatus, conflict.ResolvedValue, conflict.ResolvedBy,
		conflict.Rationale, conflict.DetectedAt, resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert conflict: %w", err)
	}
	return nil
}

// GetConflict returns the conflict for (asset, field), or nil if none exists
func (s *SQLiteStorage) GetConflict(ctx context.Context, scope types.TenantScope, assetID, field string) (*types.ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conflictColumns+`
		FROM conflicts
		WHERE asset_id = ? AND field = ? AND client_account_id = ? AND engagement_id = ?
	`, assetID, field, scope.ClientAccountID, scope.EngagementID)

	conflict, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}
	return conflict, nil
}

// ListConflictsByFlow returns the flow's conflicts, unresolved first, then
// by severity so callers can surface the urgent ones without re-sorting.
func (s *SQLiteStorage) ListConflictsByFlow(ctx context.Context, scope types.TenantScope, flowID string) ([]*types.ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conflictColumns+`
		FROM conflicts
		WHERE flow_id = ? AND client_account_id = ? AND engagement_id = ?
		ORDER BY CASE resolution_status WHEN 'pending' THEN 0 ELSE 1 END,
		         CASE severity WHEN 'high' THEN 0 ELSE 1 END,
		         asset_id ASC, field ASC
	`, flowID, scope.ClientAccountID, scope.EngagementID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer func() { _ = rows.Close() }()

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
func (s *SQLiteStorage) UpdateConflictResolution(ctx context.Context, scope types.TenantScope, assetID, field string, status types.ResolutionStatus, value, resolvedBy, rationale string) (*types.ConflictRecord, error) {
	if !status.IsValid() {
		return nil, types.NewValidationError("", "", fmt.Sprintf("invalid resolution status: %s", status))
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE conflicts
		SET resolution_status = ?, resolved_value = ?, resolved_by = ?, rationale = ?, resolved_at = ?
		WHERE asset_id = ? AND field = ? AND client_account_id = ? AND engagement_id = ?
	`, status, value, resolvedBy, rationale, time.Now().UTC(),
		assetID, field, scope.ClientAccountID, scope.EngagementID)
	if err != nil {
		return nil, fmt.Errorf("failed to update conflict resolution: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, types.NewNotFound(assetID, "")
	}

	return s.GetConflict(ctx, scope, assetID, field)
}
