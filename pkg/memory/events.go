package memory

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/famulus-ai/famulus/pkg/core"
	"github.com/famulus-ai/famulus/pkg/errors"
)

// SetKV upserts a key/value pair.
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (k, v, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(k) DO UPDATE SET v = excluded.v, updated_at = excluded.updated_at
	`, key, value, core.Now())
	if err != nil {
		return errors.New(errors.CodeMemoryError, "failed to set key", err).
			WithContext("key", key)
	}
	return nil
}

// GetKV returns the value for a key, or "" when absent.
func (s *Store) GetKV(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT v FROM kv WHERE k = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.New(errors.CodeMemoryError, "failed to get key", err).
			WithContext("key", key)
	}
	return value, nil
}

// Event is one event-log entry.
type Event struct {
	ID      int64                  `json:"id"`
	TS      float64                `json:"ts"`
	Kind    string                 `json:"kind"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// LogEvent appends to the event log.
func (s *Store) LogEvent(ctx context.Context, kind string, payload map[string]interface{}) error {
	var data []byte
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (ts, kind, payload) VALUES (?, ?, ?)
	`, core.Now(), kind, string(data))
	if err != nil {
		return errors.New(errors.CodeMemoryError, "failed to log event", err).
			WithContext("kind", kind)
	}
	return nil
}

// RecentEvents returns the newest limit events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, kind, payload FROM events ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.New(errors.CodeMemoryError, "failed to read events", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e    Event
			data sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.Kind, &data); err != nil {
			return nil, err
		}
		if data.String != "" {
			_ = json.Unmarshal([]byte(data.String), &e.Payload)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// PruneEvents deletes all but the newest keep entries.
func (s *Store) PruneEvents(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM events WHERE id NOT IN (
			SELECT id FROM events ORDER BY id DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, errors.New(errors.CodeMemoryError, "failed to prune events", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Transaction markers. These are bookkeeping entries in the event log
// for callers bracketing multi-step work; they provide no atomicity
// over the underlying tables.

// BeginTransaction records a transaction-start marker.
func (s *Store) BeginTransaction(ctx context.Context, label string) error {
	return s.LogEvent(ctx, "tx_begin", map[string]interface{}{"label": label})
}

// CommitTransaction records a transaction-commit marker.
func (s *Store) CommitTransaction(ctx context.Context, label string) error {
	return s.LogEvent(ctx, "tx_commit", map[string]interface{}{"label": label})
}

// RollbackTransaction records a transaction-rollback marker.
func (s *Store) RollbackTransaction(ctx context.Context, label string) error {
	return s.LogEvent(ctx, "tx_rollback", map[string]interface{}{"label": label})
}
