package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/cloudshift-labs/surveyor/internal/events"
)

// AddFlowEvent persists one flow event. Events are best-effort telemetry:
// callers log and continue when this fails rather than aborting the
// operation that produced the event.
func (s *SQLiteStorage) AddFlowEvent(ctx context.Context, event *events.FlowEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if event.Timestamp.IsZero() {
		return fmt.Errorf("event timestamp is required")
	}

	dataJSON := []byte("{}")
	if event.Data != nil {
		var err error
		dataJSON, err = json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_events (
			id, type, timestamp, flow_id, client_account_id, engagement_id,
			phase, instance_id, severity, message, data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID, event.Type, event.Timestamp, event.FlowID, event.ClientAccountID,
		event.EngagementID, event.Phase, event.InstanceID, event.Severity,
		event.Message, string(dataJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert flow event: %w", err)
	}
	return nil
}

// GetFlowEvents returns events matching the filter, newest first
func (s *SQLiteStorage) GetFlowEvents(ctx context.Context, filter events.EventFilter) ([]*events.FlowEvent, error) {
	query := `
		SELECT id, type, timestamp, flow_id, client_account_id, engagement_id,
		       phase, instance_id, severity, message, data
		FROM flow_events
		WHERE 1=1`
	args := []interface{}{}

	if filter.FlowID != "" {
		query += " AND flow_id = ?"
		args = append(args, filter.FlowID)
	}
	if len(filter.Types) > 0 {
		placeholders := ""
		for i, t := range filter.Types {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND type IN (%s)", placeholders)
	}
	if filter.Severity != nil {
		query += " AND severity = ?"
		args = append(args, *filter.Severity)
	}
	if filter.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UTC())
	}

	query += " ORDER BY timestamp DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query flow events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*events.FlowEvent
	for rows.Next() {
		var e events.FlowEvent
		var dataJSON string
		err := rows.Scan(
			&e.ID, &e.Type, &e.Timestamp, &e.FlowID, &e.ClientAccountID,
			&e.EngagementID, &e.Phase, &e.InstanceID, &e.Severity, &e.Message, &dataJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow event: %w", err)
		}
		if dataJSON != "" && dataJSON != "{}" {
			if err := json.Unmarshal([]byte(dataJSON), &e.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		result = append(result, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flow events: %w", err)
	}
	return result, nil
}
