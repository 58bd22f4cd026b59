// Package a2a implements agent-to-agent messaging: an append-only
// local message log (the Bus) and a peer-to-peer HTTP transport with
// delivery retries and shared-secret authentication (the Network).
package a2a

import (
	"context"
	"database/sql"

	"github.com/famulus-ai/famulus/pkg/core"
	"github.com/famulus-ai/famulus/pkg/errors"
)

// Message is one logged message. The log is append-only: no updates,
// no deletes.
type Message struct {
	ID        int64   `json:"id"`
	Timestamp float64 `json:"timestamp"`
	Sender    string  `json:"sender"`
	Receiver  string  `json:"receiver"`
	Message   string  `json:"message"`
}

// Bus is the local message log on the shared SQLite handle. It is
// storage, not a transport: it has no delivery semantics of its own.
type Bus struct {
	db *sql.DB
}

// NewBus ensures the schema on the shared handle.
func NewBus(db *sql.DB) (*Bus, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS a2a_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts REAL,
			sender TEXT,
			receiver TEXT,
			message TEXT
		);
	`)
	if err != nil {
		return nil, errors.New(errors.CodeMemoryError, "failed to ensure a2a schema", err)
	}
	return &Bus{db: db}, nil
}

// SendLocal appends one message to the log.
func (b *Bus) SendLocal(ctx context.Context, sender, receiver, message string) (int64, error) {
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO a2a_messages (ts, sender, receiver, message) VALUES (?, ?, ?, ?)
	`, core.Now(), sender, receiver, message)
	if err != nil {
		return 0, errors.New(errors.CodeMemoryError, "failed to append message", err)
	}
	return res.LastInsertId()
}

// Recent returns the newest limit messages, newest first.
func (b *Bus) Recent(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, ts, sender, receiver, message
		FROM a2a_messages ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.New(errors.CodeMemoryError, "failed to read messages", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Timestamp, &m.Sender, &m.Receiver, &m.Message); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
