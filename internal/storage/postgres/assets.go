package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cloudshift-labs/surveyor/internal/types"
)

const assetColumns = `id, flow_id, client_account_id, engagement_id, name, kind,
	discovered_in_phase, provenance, normalized_fields, validation_status,
	migration_readiness_score, created_at, updated_at`

// scanAsset reads one asset row, unmarshaling the JSONB columns
func scanAsset(row rowScanner) (*types.Asset, error) {
	var a types.Asset
	var provenanceJSON, fieldsJSON []byte

	err := row.Scan(
		&a.ID, &a.FlowID, &a.ClientAccountID, &a.EngagementID, &a.Name, &a.Kind,
		&a.DiscoveredInPhase, &provenanceJSON, &fieldsJSON, &a.ValidationStatus,
		&a.MigrationReadinessScore, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(provenanceJSON) > 0 && string(provenanceJSON) != "[]" {
		if err := json.Unmarshal(provenanceJSON, &a.Provenance); err != nil {
			return nil, fmt.Errorf("failed to unmarshal provenance: %w", err)
		}
	}
	if len(fieldsJSON) > 0 && string(fieldsJSON) != "{}" {
		if err := json.Unmarshal(fieldsJSON, &a.NormalizedFields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal normalized fields: %w", err)
		}
	}
	return &a, nil
}

// SaveAssets upserts the given assets in one transaction. Partial engine
// results flow through here repeatedly, so an existing id means "replace
// with the newer observation", not an error.
func (s *PostgresStorage) SaveAssets(ctx context.Context, assets []*types.Asset) error {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

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

		_, err = tx.Exec(ctx, `
			INSERT INTO assets (
				id, flow_id, client_account_id, engagement_id, name, kind,
				discovered_in_phase, provenance, normalized_fields, validation_status,
				migration_readiness_score, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				kind = EXCLUDED.kind,
				discovered_in_phase = EXCLUDED.discovered_in_phase,
				provenance = EXCLUDED.provenance,
				normalized_fields = EXCLUDED.normalized_fields,
				validation_status = EXCLUDED.validation_status,
				migration_readiness_score = EXCLUDED.migration_readiness_score,
				updated_at = EXCLUDED.updated_at
		`,
			a.ID, a.FlowID, a.ClientAccountID, a.EngagementID, a.Name, a.Kind,
			a.DiscoveredInPhase, provenanceJSON, fieldsJSON,
			a.ValidationStatus, a.MigrationReadinessScore, a.CreatedAt, a.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert asset %s: %w", a.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// GetAsset returns the asset, or nil if it doesn't exist in this tenant
func (s *PostgresStorage) GetAsset(ctx context.Context, scope types.TenantScope, assetID string) (*types.Asset, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+assetColumns+`
		FROM assets
		WHERE id = $1 AND client_account_id = $2 AND engagement_id = $3
	`, assetID, scope.ClientAccountID, scope.EngagementID)

	asset, err := scanAsset(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return asset, nil
}

// ListAssetsByFlow returns all of a flow's assets ordered by id, which
// keeps downstream iteration (and the handoff package) deterministic.
func (s *PostgresStorage) ListAssetsByFlow(ctx context.Context, scope types.TenantScope, flowID string) ([]*types.Asset, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+assetColumns+`
		FROM assets
		WHERE flow_id = $1 AND client_account_id = $2 AND engagement_id = $3
		ORDER BY id ASC
	`, flowID, scope.ClientAccountID, scope.EngagementID)
	if err != nil {
		return nil, fmt.Errorf("failed to query assets: %w", err)
	}
	defer rows.Close()

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
// the canonical record. jsonb_set does the splice server-side, so no
// read-modify-write cycle is needed.
func (s *PostgresStorage) SetAssetNormalizedField(ctx context.Context, scope types.TenantScope, assetID, field, value string) error {
	if field == "" {
		return types.NewValidationError("", "", "field name is required")
	}

	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal field value: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE assets
		SET normalized_fields = jsonb_set(normalized_fields, ARRAY[$1], $2::jsonb, true),
		    updated_at = $3
		WHERE id = $4 AND client_account_id = $5 AND engagement_id = $6
	`, field, valueJSON, time.Now().UTC(), assetID, scope.ClientAccountID, scope.EngagementID)
	if err != nil {
		return fmt.Errorf("failed to update normalized fields: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewNotFound(assetID, "")
	}
	return nil
}

// DeleteAssetsNotIn removes flow assets outside the keep set; conflicts on
// the removed assets cascade away with them. An empty keep set clears the
// flow's assets entirely.
func (s *PostgresStorage) DeleteAssetsNotIn(ctx context.Context, scope types.TenantScope, flowID string, keepIDs []string) (int, error) {
	query := `
		DELETE FROM assets
		WHERE flow_id = $1 AND client_account_id = $2 AND engagement_id = $3`
	args := []interface{}{flowID, scope.ClientAccountID, scope.EngagementID}

	if len(keepIDs) > 0 {
		query += " AND id != ALL($4)"
		args = append(args, keepIDs)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete assets: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
