package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cloudshift-labs/surveyor/internal/types"
)

// AcquireLease grants the caller exclusive execution rights on the flow.
// Expired leases are swept in the same transaction, then the primary key
// on flow_id settles the race: the loser's INSERT hits the unique
// constraint and surfaces as a state conflict.
func (s *PostgresStorage) AcquireLease(ctx context.Context, flowID, instanceID, phase string, ttl time.Duration) (*types.Lease, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lease ttl must be positive (got %v)", ttl)
	}

	now := time.Now().UTC()
	lease := &types.Lease{
		FlowID:           flowID,
		HolderInstanceID: instanceID,
		Phase:            phase,
		AcquiredAt:       now,
		LastHeartbeat:    now,
		ExpiresAt:        now.Add(ttl),
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Sweep an expired lease so a crashed holder doesn't block forever
	_, err = tx.Exec(ctx, `
		DELETE FROM leases WHERE flow_id = $1 AND expires_at < $2
	`, flowID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep expired lease: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO leases (flow_id, holder_instance_id, phase, acquired_at, last_heartbeat, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, lease.FlowID, lease.HolderInstanceID, lease.Phase, lease.AcquiredAt, lease.LastHeartbeat, lease.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, types.NewStateConflict(flowID, phase, "execution lease is held by another coordinator")
		}
		return nil, fmt.Errorf("failed to insert lease: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return lease, nil
}

// GetLease returns the flow's lease, or nil if none exists
func (s *PostgresStorage) GetLease(ctx context.Context, flowID string) (*types.Lease, error) {
	var lease types.Lease
	err := s.pool.QueryRow(ctx, `
		SELECT flow_id, holder_instance_id, phase, acquired_at, last_heartbeat, expires_at
		FROM leases WHERE flow_id = $1
	`, flowID).Scan(
		&lease.FlowID, &lease.HolderInstanceID, &lease.Phase,
		&lease.AcquiredAt, &lease.LastHeartbeat, &lease.ExpiresAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	return &lease, nil
}

// RenewLease extends the lease held by instanceID. Renewal of a lease the
// caller no longer holds fails, which is how a demoted holder learns it
// lost the flow.
func (s *PostgresStorage) RenewLease(ctx context.Context, flowID, instanceID string, ttl time.Duration) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE leases SET last_heartbeat = $1, expires_at = $2
		WHERE flow_id = $3 AND holder_instance_id = $4
	`, now, now.Add(ttl), flowID, instanceID)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewStateConflict(flowID, "", "lease not held by this instance")
	}
	return nil
}

// ReleaseLease removes the lease if held by instanceID. Releasing a lease
// that was already revoked is not an error.
func (s *PostgresStorage) ReleaseLease(ctx context.Context, flowID, instanceID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM leases WHERE flow_id = $1 AND holder_instance_id = $2
	`, flowID, instanceID)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// RevokeLease removes the lease regardless of holder (force delete path)
func (s *PostgresStorage) RevokeLease(ctx context.Context, flowID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM leases WHERE flow_id = $1`, flowID)
	if err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	return nil
}

// DemoteOrphanedActivePhases finds active phases whose lease is missing,
// expired, or held by an instance that stopped heartbeating, demotes them
// to pending, and removes the dead lease. The demoted phases become
// claimable again by any coordinator.
func (s *PostgresStorage) DemoteOrphanedActivePhases(ctx context.Context, heartbeatStaleAfter time.Duration) (int, error) {
	now := time.Now().UTC()
	staleCutoff := now.Add(-heartbeatStaleAfter)

	rows, err := s.pool.Query(ctx, `
		SELECT pr.flow_id, pr.phase,
		       l.flow_id IS NOT NULL,
		       l.expires_at,
		       ci.instance_id IS NOT NULL,
		       ci.status,
		       ci.last_heartbeat
		FROM phase_records pr
		LEFT JOIN leases l ON l.flow_id = pr.flow_id
		LEFT JOIN coordinator_instances ci ON ci.instance_id = l.holder_instance_id
		WHERE pr.status = 'active'
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to query active phases: %w", err)
	}
	defer rows.Close()

	type orphan struct {
		flowID string
		phase  string
	}
	var orphans []orphan

	for rows.Next() {
		var flowID, phase string
		var hasLease, hasInstance bool
		var expiresAt, lastHeartbeat *time.Time
		var instanceStatus *string
		if err := rows.Scan(&flowID, &phase, &hasLease, &expiresAt, &hasInstance, &instanceStatus, &lastHeartbeat); err != nil {
			return 0, fmt.Errorf("failed to scan active phase: %w", err)
		}

		orphaned := false
		switch {
		case !hasLease:
			orphaned = true
		case expiresAt != nil && expiresAt.Before(now):
			orphaned = true
		case !hasInstance:
			orphaned = true
		case instanceStatus != nil && *instanceStatus == string(types.InstanceStopped):
			orphaned = true
		case lastHeartbeat != nil && lastHeartbeat.Before(staleCutoff):
			orphaned = true
		}
		if orphaned {
			orphans = append(orphans, orphan{flowID: flowID, phase: phase})
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating active phases: %w", err)
	}

	if len(orphans) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	demoted := 0
	for _, o := range orphans {
		tag, err := tx.Exec(ctx, `
			UPDATE phase_records
			SET status = 'pending', started_at = NULL, completed_at = NULL
			WHERE flow_id = $1 AND phase = $2 AND status = 'active'
		`, o.flowID, o.phase)
		if err != nil {
			return demoted, fmt.Errorf("failed to demote phase %s/%s: %w", o.flowID, o.phase, err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else transitioned it between the scan and now
			continue
		}
		if _, err := tx.Exec(ctx, `DELETE FROM leases WHERE flow_id = $1`, o.flowID); err != nil {
			return demoted, fmt.Errorf("failed to delete orphaned lease for %s: %w", o.flowID, err)
		}
		demoted++
	}

	if err := tx.Commit(ctx); err != nil {
		return demoted, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return demoted, nil
}
