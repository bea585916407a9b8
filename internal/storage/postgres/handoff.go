package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cloudshift-labs/surveyor/internal/types"
)

// SaveHandoffPackage stores a built package. Packages are write-once per
// flow: a second save for the same flow fails with a state conflict, and
// the caller re-reads the stored one.
func (s *PostgresStorage) SaveHandoffPackage(ctx context.Context, pkg *types.HandoffPackage) error {
	if pkg.FlowID == "" || pkg.ID == "" {
		return types.NewValidationError(pkg.FlowID, "", "handoff package requires id and flow id")
	}
	if len(pkg.Content) == 0 || pkg.Digest == "" {
		return types.NewValidationError(pkg.FlowID, "", "handoff package requires content and digest")
	}
	if pkg.CreatedAt.IsZero() {
		pkg.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO handoff_packages (
			id, flow_id, client_account_id, engagement_id, readiness_score,
			content, digest, forced, built_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		pkg.ID, pkg.FlowID, pkg.ClientAccountID, pkg.EngagementID, pkg.ReadinessScore,
		string(pkg.Content), pkg.Digest, pkg.Forced, pkg.BuiltAt, pkg.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewStateConflict(pkg.FlowID, "", "handoff package already exists for flow")
		}
		return fmt.Errorf("failed to insert handoff package: %w", err)
	}
	return nil
}

// GetHandoffPackage returns the flow's stored package, or nil if none has
// been built. The structured fields are rehydrated from the canonical
// content bytes so callers see exactly what was persisted.
func (s *PostgresStorage) GetHandoffPackage(ctx context.Context, scope types.TenantScope, flowID string) (*types.HandoffPackage, error) {
	var pkg types.HandoffPackage
	var content string

	err := s.pool.QueryRow(ctx, `
		SELECT id, flow_id, client_account_id, engagement_id, readiness_score,
		       content, digest, forced, built_at, created_at
		FROM handoff_packages
		WHERE flow_id = $1 AND client_account_id = $2 AND engagement_id = $3
	`, flowID, scope.ClientAccountID, scope.EngagementID).Scan(
		&pkg.ID, &pkg.FlowID, &pkg.ClientAccountID, &pkg.EngagementID, &pkg.ReadinessScore,
		&content, &pkg.Digest, &pkg.Forced, &pkg.BuiltAt, &pkg.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get handoff package: %w", err)
	}

	pkg.Content = []byte(content)
	var body types.HandoffPackage
	if err := json.Unmarshal(pkg.Content, &body); err != nil {
		return nil, fmt.Errorf("failed to unmarshal handoff content: %w", err)
	}
	pkg.Assets = body.Assets
	pkg.Conflicts = body.Conflicts
	pkg.Groupings = body.Groupings

	return &pkg, nil
}

// AddAuditEntry appends one audit row outside any transaction
func (s *PostgresStorage) AddAuditEntry(ctx context.Context, entry *types.AuditEntry) error {
	return insertAuditEntry(ctx, s.pool, entry)
}

// GetAuditEntries returns the flow's audit trail, newest first. The trail
// survives flow deletion, so entries for deleted flows still come back.
func (s *PostgresStorage) GetAuditEntries(ctx context.Context, scope types.TenantScope, flowID string, limit int) ([]*types.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, flow_id, client_account_id, engagement_id, action, actor,
		       before_digest, after_digest, comment, created_at
		FROM audit_entries
		WHERE flow_id = $1 AND client_account_id = $2 AND engagement_id = $3
		ORDER BY id DESC
		LIMIT $4
	`, flowID, scope.ClientAccountID, scope.EngagementID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*types.AuditEntry
	for rows.Next() {
		var e types.AuditEntry
		err := rows.Scan(
			&e.ID, &e.FlowID, &e.ClientAccountID, &e.EngagementID, &e.Action,
			&e.Actor, &e.BeforeDigest, &e.AfterDigest, &e.Comment, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}

// GetTenantSettings returns the tenant's settings, falling back to
// defaults when the tenant has never configured anything.
func (s *PostgresStorage) GetTenantSettings(ctx context.Context, scope types.TenantScope) (*types.TenantSettings, error) {
	settings := &types.TenantSettings{
		ClientAccountID: scope.ClientAccountID,
		EngagementID:    scope.EngagementID,
	}

	err := s.pool.QueryRow(ctx, `
		SELECT auto_resolve_conflicts, updated_at
		FROM tenant_settings
		WHERE client_account_id = $1 AND engagement_id = $2
	`, scope.ClientAccountID, scope.EngagementID).Scan(&settings.AutoResolveConflicts, &settings.UpdatedAt)
	if err == pgx.ErrNoRows {
		return settings, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant settings: %w", err)
	}
	return settings, nil
}

// SetTenantSettings upserts the tenant's settings
func (s *PostgresStorage) SetTenantSettings(ctx context.Context, settings *types.TenantSettings) error {
	scope := types.TenantScope{ClientAccountID: settings.ClientAccountID, EngagementID: settings.EngagementID}
	if err := scope.Validate(); err != nil {
		return types.NewValidationError("", "", err.Error())
	}
	settings.UpdatedAt = time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenant_settings (client_account_id, engagement_id, auto_resolve_conflicts, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (client_account_id, engagement_id) DO UPDATE SET
			auto_resolve_conflicts = EXCLUDED.auto_resolve_conflicts,
			updated_at = EXCLUDED.updated_at
	`, settings.ClientAccountID, settings.EngagementID, settings.AutoResolveConflicts, settings.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to set tenant settings: %w", err)
	}
	return nil
}
