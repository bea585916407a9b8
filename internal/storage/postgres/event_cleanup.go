package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudshift-labs/surveyor/internal/events"
)

// CleanupEventsByAge deletes events older than the retention period.
// Regular events are deleted after retentionDays, error/critical events
// after criticalRetentionDays. Deletions are batched so a huge backlog
// never bloats one transaction.
func (s *PostgresStorage) CleanupEventsByAge(ctx context.Context, retentionDays, criticalRetentionDays, batchSize int) (int, error) {
	if retentionDays < 0 || criticalRetentionDays < 0 {
		return 0, fmt.Errorf("retention days cannot be negative")
	}
	if batchSize < 1 {
		return 0, fmt.Errorf("batch size must be at least 1")
	}

	totalDeleted := 0

	regularCutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	deleted, err := s.deleteOldEventsBatch(ctx, regularCutoff, []string{"info", "warning"}, batchSize)
	if err != nil {
		return totalDeleted, fmt.Errorf("failed to delete old regular events: %w", err)
	}
	totalDeleted += deleted

	if criticalRetentionDays != retentionDays {
		criticalCutoff := time.Now().UTC().AddDate(0, 0, -criticalRetentionDays)
		deleted, err = s.deleteOldEventsBatch(ctx, criticalCutoff, []string{"error", "critical"}, batchSize)
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to delete old critical events: %w", err)
		}
		totalDeleted += deleted
	}

	return totalDeleted, nil
}

// deleteOldEventsBatch deletes events older than cutoff with the given severities in batches
func (s *PostgresStorage) deleteOldEventsBatch(ctx context.Context, cutoff time.Time, severities []string, batchSize int) (int, error) {
	totalDeleted := 0

	for {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}

		tag, err := s.pool.Exec(ctx, `
			DELETE FROM flow_events
			WHERE id IN (
				SELECT id FROM flow_events
				WHERE timestamp < $1
				AND severity = ANY($2)
				ORDER BY timestamp ASC
				LIMIT $3
			)
		`, cutoff, severities, batchSize)
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to execute delete: %w", err)
		}

		rowsAffected := tag.RowsAffected()
		totalDeleted += int(rowsAffected)

		if rowsAffected < int64(batchSize) {
			break
		}
	}

	return totalDeleted, nil
}

// CleanupEventsByFlowLimit enforces per-flow event limits. For each flow
// with more than perFlowLimit events, the oldest non-critical ones are
// deleted; error/critical events are exempt.
func (s *PostgresStorage) CleanupEventsByFlowLimit(ctx context.Context, perFlowLimit, batchSize int) (int, error) {
	if perFlowLimit < 0 {
		return 0, fmt.Errorf("per-flow limit cannot be negative")
	}
	if perFlowLimit == 0 {
		// 0 means unlimited
		return 0, nil
	}
	if batchSize < 1 {
		return 0, fmt.Errorf("batch size must be at least 1")
	}

	totalDeleted := 0

	rows, err := s.pool.Query(ctx, `
		SELECT flow_id, COUNT(*) AS event_count
		FROM flow_events
		GROUP BY flow_id
		HAVING COUNT(*) > $1
	`, perFlowLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to query flow event counts: %w", err)
	}
	defer rows.Close()

	var flows []struct {
		flowID     string
		eventCount int
	}

	for rows.Next() {
		var flowID string
		var count int
		if err := rows.Scan(&flowID, &count); err != nil {
			return totalDeleted, fmt.Errorf("failed to scan flow count: %w", err)
		}
		flows = append(flows, struct {
			flowID     string
			eventCount int
		}{flowID, count})
	}
	if err := rows.Err(); err != nil {
		return totalDeleted, fmt.Errorf("error iterating flow counts: %w", err)
	}

	for _, flow := range flows {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}

		eventsToDelete := flow.eventCount - perFlowLimit
		if eventsToDelete <= 0 {
			continue
		}

		deleted, err := s.deleteOldestEventsForFlow(ctx, flow.flowID, eventsToDelete, batchSize)
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to delete events for flow %s: %w", flow.flowID, err)
		}
		totalDeleted += deleted
	}

	return totalDeleted, nil
}

// deleteOldestEventsForFlow deletes the oldest non-critical events for one flow
func (s *PostgresStorage) deleteOldestEventsForFlow(ctx context.Context, flowID string, count, batchSize int) (int, error) {
	totalDeleted := 0
	remaining := count

	for remaining > 0 {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}

		limitThisBatch := batchSize
		if remaining < batchSize {
			limitThisBatch = remaining
		}

		tag, err := s.pool.Exec(ctx, `
			DELETE FROM flow_events
			WHERE id IN (
				SELECT id FROM flow_events
				WHERE flow_id = $1
				AND severity NOT IN ('error', 'critical')
				ORDER BY timestamp ASC
				LIMIT $2
			)
		`, flowID, limitThisBatch)
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to execute delete: %w", err)
		}

		rowsAffected := tag.RowsAffected()
		totalDeleted += int(rowsAffected)
		remaining -= int(rowsAffected)

		// Fewer than requested means no more non-critical events remain
		if rowsAffected < int64(limitThisBatch) {
			break
		}
	}

	return totalDeleted, nil
}

// CleanupEventsByGlobalLimit enforces a global event count cap. When the
// total exceeds the limit, oldest non-critical events are deleted first.
func (s *PostgresStorage) CleanupEventsByGlobalLimit(ctx context.Context, globalLimit, batchSize int) (int, error) {
	if globalLimit < 1 {
		return 0, fmt.Errorf("global limit must be at least 1")
	}
	if batchSize < 1 {
		return 0, fmt.Errorf("batch size must be at least 1")
	}

	var currentCount int
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM flow_events").Scan(&currentCount)
	if err != nil {
		return 0, fmt.Errorf("failed to get event count: %w", err)
	}

	if currentCount <= globalLimit {
		return 0, nil
	}

	eventsToDelete := currentCount - globalLimit
	totalDeleted := 0

	for eventsToDelete > 0 {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}

		limitThisBatch := batchSize
		if eventsToDelete < batchSize {
			limitThisBatch = eventsToDelete
		}

		tag, err := s.pool.Exec(ctx, `
			DELETE FROM flow_events
			WHERE id IN (
				SELECT id FROM flow_events
				WHERE severity NOT IN ('error', 'critical')
				ORDER BY timestamp ASC
				LIMIT $1
			)
		`, limitThisBatch)
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to execute delete: %w", err)
		}

		rowsAffected := tag.RowsAffected()
		totalDeleted += int(rowsAffected)
		eventsToDelete -= int(rowsAffected)

		// Only critical events remain
		if rowsAffected == 0 {
			break
		}
	}

	return totalDeleted, nil
}

// GetEventCounts returns detailed event count statistics for monitoring
func (s *PostgresStorage) GetEventCounts(ctx context.Context) (*events.EventCounts, error) {
	counts := &events.EventCounts{
		EventsByFlow:     make(map[string]int),
		EventsBySeverity: make(map[string]int),
		EventsByType:     make(map[string]int),
	}

	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM flow_events").Scan(&counts.TotalEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to get total event count: %w", err)
	}

	groupCounts := []struct {
		column string
		dest   map[string]int
	}{
		{"flow_id", counts.EventsByFlow},
		{"severity", counts.EventsBySeverity},
		{"type", counts.EventsByType},
	}

	for _, gc := range groupCounts {
		rows, err := s.pool.Query(ctx, fmt.Sprintf(`
			SELECT %s, COUNT(*)
			FROM flow_events
			GROUP BY %s
		`, gc.column, gc.column))
		if err != nil {
			return nil, fmt.Errorf("failed to query events by %s: %w", gc.column, err)
		}

		for rows.Next() {
			var key string
			var count int
			if err := rows.Scan(&key, &count); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan %s count: %w", gc.column, err)
			}
			gc.dest[key] = count
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("error iterating %s counts: %w", gc.column, err)
		}
		rows.Close()
	}

	return counts, nil
}

// VacuumDatabase is a no-op for PostgreSQL: autovacuum reclaims space
// continuously, and a manual VACUUM from the application would need
// table-owner privileges the service role may not have.
func (s *PostgresStorage) VacuumDatabase(ctx context.Context) error {
	return nil
}
