package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cloudshift-labs/surveyor/internal/types"
)

// AcquireLease grants the caller exclusive execution rights on the flow.
// Expired leases are swept in the same IMMEDIATE transaction, then the
// primary key on flow_id settles the race: the loser's INSERT hits the
// unique constraint and surfaces as a state conflict.
func (s *SQLiteStorage) AcquireLease(ctx context.Context, flowID, instanceID, phase string, ttl time.Duration) (*types.Lease, error) {
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

	conn, commit, cleanup, err := s.beginImmediate(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	// Sweep an expired lease so a crashed holder doesn't block forever
	_, err = conn.ExecContext(ctx, `
		DELETE FROM leases WHERE flow_id = ? AND expires_at < ?
	`, flowID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep expired lease: %w", err)
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO leases (flow_id, holder_instance_id, phase, acquired_at, last_heartbeat, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, lease.FlowID, lease.HolderInstanceID, lease.Phase, lease.AcquiredAt, lease.LastHeartbeat, lease.ExpiresAt)
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, types.NewStateConflict(flowID, phase, "execution lease is held by another coordinator")
		}
		return nil, fmt.Errorf("failed to insert lease: %w", err)
	}

	if err := commit(); err != nil {
		return nil, err
	}
	return lease, nil
}

// GetLease returns the flow's lease, or nil if none exists
func (s *SQLiteStorage) GetLease(ctx context.Context, flowID string) (*types.Lease, error) {
	var lease types.Lease
	err := s.db.QueryRowContext(ctx, `
		SELECT flow_id, holder_instance_id, phase, acquired_at, last_heartbeat, expires_at
		FROM leases WHERE flow_id = ?
	`, flowID).Scan(
		&lease.FlowID, &lease.HolderInstanceID, &lease.Phase,
		&lease.AcquiredAt, &lease.LastHeartbeat, &lease.ExpiresAt,
	)
	if err == sql.ErrNoRows {
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
func (s *SQLiteStorage) RenewLease(ctx context.Context, flowID, instanceID string, ttl time.Duration) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE leases SET last_heartbeat = ?, expires_at = ?
		WHERE flow_id = ? AND holder_instance_id = ?
	`, now, now.Add(ttl), flowID, instanceID)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return types.NewStateConflict(flowID, "", "lease not held by this instance")
	}
	return nil
}

// ReleaseLease removes the lease if held by instanceID. Releasing a lease
// that was already revoked is not an error.
func (s *SQLiteStorage) ReleaseLease(ctx context.Context, flowID, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM leases WHERE flow_id = ? AND holder_instance_id = ?
	`, flowID, instanceID)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// RevokeLease removes the lease regardless of holder (force delete path)
func (s *SQLiteStorage) RevokeLease(ctx context.Context, flowID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE flow_id = ?`, flowID)
	if err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	return nil
}

// DemoteOrphanedActivePhases finds active phases whose lease is missing,
// expired, or held by an instance that stopped heartbeating, demotes them
// to pending, and removes the dead lease. The demoted phases become
// claimable again by any coordinator.
func (s *SQLiteStorage) DemoteOrphanedActivePhases(ctx context.Context, heartbeatStaleAfter time.Duration) (int, error) {
	now := time.Now().UTC()
	staleCutoff := now.Add(-heartbeatStaleAfter)

	rows, err := s.db.QueryContext(ctx, `
		SELECT pr.flow_id, pr.phase,
		       l.flow_id IS NOT NULL,
		       COALESCE(l.expires_at, ''),
		       ci.instance_id IS NOT NULL,
		       COALESCE(ci.status, ''),
		       COALESCE(ci.last_heartbeat, '')
		FROM phase_records pr
		LEFT JOIN leases l ON l.flow_id = pr.flow_id
		LEFT JOIN coordinator_instances ci ON ci.instance_id = l.holder_instance_id
		WHERE pr.status = 'active'
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to query active phases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type orphan struct {
		flowID string
		phase  string
	}
	var orphans []orphan

	for rows.Next() {
		var flowID, phase string
		var hasLease, hasInstance bool
		var expiresAt, instanceStatus, lastHeartbeat string
		if err := rows.Scan(&flowID, &phase, &hasLease, &expiresAt, &hasInstance, &instanceStatus, &lastHeartbeat); err != nil {
			return 0, fmt.Errorf("failed to scan active phase: %w", err)
		}

		orphaned := false
		switch {
		case !hasLease:
			orphaned = true
		case parseStoredTime(expiresAt).Before(now):
			orphaned = true
		case !hasInstance:
			orphaned = true
		case instanceStatus == string(types.InstanceStopped):
			orphaned = true
		case parseStoredTime(lastHeartbeat).Before(staleCutoff):
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

	conn, commit, cleanup, err := s.beginImmediate(ctx)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	demoted := 0
	for _, o := range orphans {
		result, err := conn.ExecContext(ctx, `
			UPDATE phase_records
			SET status = 'pending', started_at = NULL, completed_at = NULL
			WHERE flow_id = ? AND phase = ? AND status = 'active'
		`, o.flowID, o.phase)
		if err != nil {
			return demoted, fmt.Errorf("failed to demote phase %s/%s: %w", o.flowID, o.phase, err)
		}
		n, _ := result.RowsAffected()
		if n == 0 {
			// Someone else transitioned it between the scan and now
			continue
		}
		if _, err := conn.ExecContext(ctx, `DELETE FROM leases WHERE flow_id = ?`, o.flowID); err != nil {
			return demoted, fmt.Errorf("failed to delete orphaned lease for %s: %w", o.flowID, err)
		}
		demoted++
	}

	if err := commit(); err != nil {
		return demoted, err
	}
	return demoted, nil
}

// parseStoredTime parses a timestamp column read as raw text. The driver
// writes RFC 3339; rows inserted by hand may carry SQLite's space-separated
// form instead, so both are accepted. A zero time is returned on failure,
// which callers treat as "long ago".
func parseStoredTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}
