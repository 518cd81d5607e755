package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fieldline/internal/domain"
)

// TelemetryStore persists the telemetry tail in the workspace database.
type TelemetryStore struct {
	Repo Repo
}

// LoadTail returns stored events oldest first.
func (s TelemetryStore) LoadTail(ctx context.Context) ([]domain.Event, error) {
	rows, err := s.Repo.DB.QueryContext(ctx, `SELECT id,version,ts,type,payload_json FROM telemetry_events ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	events := []domain.Event{}
	for rows.Next() {
		var (
			evt     domain.Event
			ts      string
			payload string
		)
		if err := rows.Scan(&evt.ID, &evt.Version, &ts, &evt.Type, &payload); err != nil {
			return nil, err
		}
		evt.Timestamp = parseTime(ts)
		if err := json.Unmarshal([]byte(payload), &evt.Payload); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", evt.ID, err)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// SaveTail replaces the stored tail with events.
func (s TelemetryStore) SaveTail(ctx context.Context, events []domain.Event) error {
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM telemetry_events`); err != nil {
		return err
	}
	for _, evt := range events {
		payload := evt.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO telemetry_events(id,version,ts,type,payload_json) VALUES (?,?,?,?,?)`,
			evt.ID, evt.Version, evt.Timestamp.UTC().Format(time.RFC3339Nano), evt.Type, string(data)); err != nil {
			return fmt.Errorf("insert event %d: %w", evt.ID, err)
		}
	}
	return tx.Commit()
}
