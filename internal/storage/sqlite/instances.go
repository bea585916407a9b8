package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudshift-labs/surveyor/internal/types"
)

// RegisterInstance registers a coordinator instance. Re-registering an
// existing instance id refreshes its row (restart with a persisted id).
func (s *SQLiteStorage) RegisterInstance(ctx context.Context, instance *types.CoordinatorInstance) error {
	if err := instance.Validate(); err != nil {
		return fmt.Errorf("invalid coordinator instance: %w", err)
	}

	query := `
		INSERT INTO coordinator_instances (
			instance_id, hostname, pid, status, started_at, last_heartbeat, version
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			hostname = excluded.hostname,
			pid = excluded.pid,
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat,
			version = excluded.version
	`

	_, err := s.db.ExecContext(ctx, query,
		instance.InstanceID,
		instance.Hostname,
		instance.PID,
		instance.Status,
		instance.StartedAt,
		instance.LastHeartbeat,
		instance.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to register coordinator instance: %w", err)
	}
	return nil
}

// UpdateInstanceHeartbeat updates the last_heartbeat timestamp for an instance
func (s *SQLiteStorage) UpdateInstanceHeartbeat(ctx context.Context, instanceID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE coordinator_instances
		SET last_heartbeat = ?
		WHERE instance_id = ?
	`, time.Now().UTC(), instanceID)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("coordinator instance not found: %s", instanceID)
	}
	return nil
}

// MarkInstanceStopped marks an instance as cleanly stopped
func (s *SQLiteStorage) MarkInstanceStopped(ctx context.Context, instanceID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE coordinator_instances
		SET status = 'stopped', last_heartbeat = ?
		WHERE instance_id = ?
	`, time.Now().UTC(), instanceID)
	if err != nil {
		return fmt.Errorf("failed to mark instance stopped: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("coordinator instance not found: %s", instanceID)
	}
	return nil
}

// GetActiveInstances returns all coordinator instances with status='running'
func (s *SQLiteStorage) GetActiveInstances(ctx context.Context) ([]*types.CoordinatorInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, hostname, pid, status, started_at, last_heartbeat, version
		FROM coordinator_instances
		WHERE status = 'running'
		ORDER BY last_heartbeat DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var instances []*types.CoordinatorInstance
	for rows.Next() {
		instance := &types.CoordinatorInstance{}
		err := rows.Scan(
			&instance.InstanceID,
			&instance.Hostname,
			&instance.PID,
			&instance.Status,
			&instance.StartedAt,
			&instance.LastHeartbeat,
			&instance.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan coordinator instance: %w", err)
		}
		instances = append(instances, instance)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating coordinator instances: %w", err)
	}
	return instances, nil
}

// CleanupStaleInstances marks instances as 'stopped' if their last_heartbeat
// is older than staleThreshold seconds. Returns the number cleaned up.
func (s *SQLiteStorage) CleanupStaleInstances(ctx context.Context, staleThreshold int) (int, error) {
	cutoffTime := time.Now().UTC().Add(-time.Duration(staleThreshold) * time.Second)

	result, err := s.db.ExecContext(ctx, `
		UPDATE coordinator_instances
		SET status = 'stopped'
		WHERE status = 'running'
		  AND last_heartbeat < ?
	`, cutoffTime)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup stale instances: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}

// DeleteOldStoppedInstances removes stopped instance rows older than
// olderThanSecs, always keeping the keepCount most recent so the status
// command retains some history.
func (s *SQLiteStorage) DeleteOldStoppedInstances(ctx context.Context, olderThanSecs, keepCount int) (int, error) {
	if keepCount < 0 {
		return 0, fmt.Errorf("keep count cannot be negative (got %d)", keepCount)
	}
	cutoffTime := time.Now().UTC().Add(-time.Duration(olderThanSecs) * time.Second)

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM coordinator_instances
		WHERE status = 'stopped'
		  AND last_heartbeat < ?
		  AND instance_id NOT IN (
			SELECT instance_id FROM coordinator_instances
			WHERE status = 'stopped'
			ORDER BY last_heartbeat DESC
			LIMIT ?
		  )
	`, cutoffTime, keepCount)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old stopped instances: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}
