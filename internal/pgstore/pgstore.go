// Package pgstore keeps the durable telemetry tail in PostgreSQL.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fieldline/internal/domain"
)

const table = "telemetry_events"

// Store implements telemetry.LogStore on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool, verifies it and creates the table when missing.
func Connect(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func New(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+table+` (
    id BIGINT PRIMARY KEY,
    version INTEGER NOT NULL,
    ts TIMESTAMPTZ NOT NULL,
    type TEXT NOT NULL,
    payload JSONB NOT NULL DEFAULT '{}'::jsonb
)`)
	if err != nil {
		return fmt.Errorf("create %s: %w", table, err)
	}
	return nil
}

func (s *Store) LoadTail(ctx context.Context) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, version, ts, type, payload FROM `+table+` ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("load telemetry tail: %w", err)
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var evt domain.Event
		var payload []byte
		if err := rows.Scan(&evt.ID, &evt.Version, &evt.Timestamp, &evt.Type, &payload); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &evt.Payload); err != nil {
				return nil, fmt.Errorf("decode event %d: %w", evt.ID, err)
			}
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// SaveTail replaces the stored tail with events in one transaction.
func (s *Store) SaveTail(ctx context.Context, events []domain.Event) error {
	rows := make([][]any, 0, len(events))
	for _, evt := range events {
		payload, err := json.Marshal(evt.Payload)
		if err != nil {
			return fmt.Errorf("encode event %d: %w", evt.ID, err)
		}
		rows = append(rows, []any{evt.ID, evt.Version, evt.Timestamp.UTC(), evt.Type, string(payload)})
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear telemetry tail: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		_, err := tx.CopyFrom(ctx, pgx.Identifier{table}, []string{"id", "version", "ts", "type", "payload"}, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("write telemetry tail: %w", err)
		}
		return nil
	})
}

func (s *Store) Close() { s.pool.Close() }
