package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cloudshift-labs/surveyor/internal/types"
)

const assetColumns = `id, flow_id, client_account_id, engagement_id, name, kind,
	discovered_in_phase, provenance, normalized_fields, validation_status,
	migration_readiness_score, created_at, updated_at`

// scanAsset reads one asset row, unmarshaling the JSON columns
func scanAsset(row rowScanner) (*types.Asset, error) {
	var a types.Asset
	var provenanceJSON, fieldsJSON string

	err := row.Scan(
		&a.ID, &a.FlowID, &a.ClientAccountID, &a.EngagementID, &a.Name, &a.Kind,
		&a.DiscoveredInPhase, &provenanceJSON, &fieldsJSON, &a.ValidationStatus,
		&a.MigrationReadinessScore, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if provenanceJSON != "" && provenanceJSON != "[]" {
		if err := json.Unmarshal([]byte(provenanceJSON), &a.Provenance); err != nil {
			return nil, fmt.Errorf("failed to unmarshal provenance: %w", err)
		}
	}
	if fieldsJSON != "" && fieldsJSON != "{}" {
		if err := json.Unmarshal([]byte(fieldsJSON), &a.NormalizedFields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal normalized fields: %w", err)
		}
	}
	return &a, nil
}

// SaveAssets upserts the given assets in one transaction. Partial engine
// results flow through here repeatedly, so an existing id means "replace
// with the newer observation", not an error.
func (s *SQLiteStorage) SaveAssets(ctx context.Context, assets []*types.Asset) error {
	if len(assets) == 0 {
		return nil
	}

	now := time.Now().UTC()
	for _, a := range assets {
		if err := a.Validate(); err != nil {
			return types.NewValidationError(a.FlowID, "", fmt.Sprintf("invalid asset %s: %v", a.ID, err))
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		a.UpdatedAt = now
	}

	conn, commit, cleanup, err := s.beginImmediate(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	for _, a := range assets {
		provenanceJSON, err := json.Marshal(a.Provenance)
		if err != nil {
			return fmt.Errorf("failed to marshal provenance: %w", err)
		}
		if a.Provenance == nil {
			provenanceJSON = []byte("[]")
		}
		fieldsJSON := []byte("{}")
		if a.NormalizedFields != nil {
			fieldsJSON, err = json.Marshal(a.NormalizedFields)
			if err != nil {
				return fmt.Errorf("failed to marshal normalized fields: %w", err)
			}
		}

		_, err = conn.ExecContext(ctx, `
			INSERT INTO assets (
				id, flow_id, client_account_id, engagement_id, name, kind,
				discovered_in_phase, provenance, normalized_fields, validation_status,
				migration_readiness_score, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				kind = excluded.kind,
				discovered_in_phase = excluded.discovered_in_phase,
				provenance = excluded.provenance,
				normalized_fields = excluded.normalized_fields,
				validation_status = excluded.validation_status,
				migration_readiness_score = excluded.migration_readiness_score,
				updated_at = excluded.updated_at
		`,
			a.ID, a.FlowID, a.ClientAccountID, a.EngagementID, a.Name, a.Kind,
			a.DiscoveredInPhase, string(provenanceJSON), string(fieldsJSON),
			a.ValidationStatus, a.MigrationReadinessScore, a.CreatedAt, a.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert asset %s: %w", a.ID, err)
		}
	}

	return commit()
}

// GetAsset returns the asset, or nil if it doesn't exist in this tenant
func (s *SQLiteStorage) GetAsset(ctx context.Context, scope types.TenantScope, assetID string) (*types.Asset, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+assetColumns+`
		FROM assets
		WHERE id = ? AND client_account_id = ? AND engagement_id = ?
	`, assetID, scope.ClientAccountID, scope.EngagementID)

	asset, err := scanAsset(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return asset, nil
}

// ListAssetsByFlow returns all of a flow's assets ordered by id, which
// keeps downstream iteration (and the handoff package) deterministic.
func (s *SQLiteStorage) ListAssetsByFlow(ctx context.Context, scope types.TenantScope, flowID string) ([]*types.Asset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+assetColumns+`
		FROM assets
		WHERE flow_id = ? AND client_account_id = ? AND engagement_id = ?
		ORDER BY id ASC
	`, flowID, scope.ClientAccountID, scope.EngagementID)
	if err != nil {
		return nil, fmt.Errorf("failed to query assets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var assets []*types.Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, asset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assets: %w", err)
	}
	return assets, nil
}

// SetAssetNormalizedField sets one key of the asset's normalized fields.
// Conflict resolution lands here: the winning value is written through to
// the canonical record.
func (s *SQLiteStorage) SetAssetNormalizedField(ctx context.Context, scope types.TenantScope, assetID, field, value string) error {
	if field == "" {
		return types.NewValidationError("", "", "field name is required")
	}

	conn, commit, cleanup, err := s.beginImmediate(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	var fieldsJSON string
	err = conn.QueryRowContext(ctx, `
		SELECT normalized_fields FROM assets
		WHERE id = ? AND client_account_id = ? AND engagement_id = ?
	`, assetID, scope.ClientAccountID, scope.EngagementID).Scan(&fieldsJSON)
	if err == sql.ErrNoRows {
		return types.NewNotFound(assetID, "")
	}
	if err != nil {
		return fmt.Errorf("failed to read normalized fields: %w", err)
	}

	fields := map[string]string{}
	if fieldsJSON != "" && fieldsJSON != "{}" {
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return fmt.Errorf("failed to unmarshal normalized fields: %w", err)
		}
	}
	fields[field] = value

	updated, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal normalized fields: %w", err)
	}

	_, err = conn.ExecContext(ctx, `
		UPDATE assets SET normalized_fields = ?, updated_at = ? WHERE id = ?
	`, string(updated), time.Now().UTC(), assetID)
	if err != nil {
		return fmt.Errorf("failed to update normalized fields: %w", err)
	}

	return commit()
}

// DeleteAssetsNotIn removes flow assets outside the keep set; conflicts on
// the removed assets cascade away with them. An empty keep set clears the
// flow's assets entirely.
func (s *SQLiteStorage) DeleteAssetsNotIn(ctx context.Context, scope types.TenantScope, flowID string, keepIDs []string) (int, error) {
	query := `
		DELETE FROM assets
		WHERE flow_id = ? AND client_account_id = ? AND engagement_id = ?`
	args := []interface{}{flowID, scope.ClientAccountID, scope.EngagementID}

	if len(keepIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(keepIDs)), ", ")
		query += fmt.Sprintf(" AND id NOT IN (%s)", placeholders)
		for _, id := range keepIDs {
			args = append(args, id)
		}
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete assets: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}
