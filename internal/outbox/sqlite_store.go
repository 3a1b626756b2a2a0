package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteStore keeps buffered messages in the buffered_messages table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store on an already migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Append inserts m under its buffer-assigned sequence number.
func (s *SQLiteStore) Append(ctx context.Context, connection string, m Message) error {
	retained := 0
	if m.Retained {
		retained = 1
	}
	payload := m.Payload
	if payload == nil {
		payload = []byte{}
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO buffered_messages (connection, seq, topic, payload, qos, retained, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		connection, m.Seq, m.Topic, payload, int(m.QoS), retained, m.EnqueuedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("inserting buffered message %d: %w", m.Seq, err)
	}
	return nil
}

// Remove deletes one message.
func (s *SQLiteStore) Remove(ctx context.Context, connection string, seq int64) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM buffered_messages WHERE connection = ? AND seq = ?",
		connection, seq,
	); err != nil {
		return fmt.Errorf("deleting buffered message %d: %w", seq, err)
	}
	return nil
}

// Clear deletes every message of connection.
func (s *SQLiteStore) Clear(ctx context.Context, connection string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM buffered_messages WHERE connection = ?", connection,
	); err != nil {
		return fmt.Errorf("clearing buffered messages: %w", err)
	}
	return nil
}

// LoadAll returns every persisted message grouped by connection, each group
// in FIFO order.
func (s *SQLiteStore) LoadAll(ctx context.Context) (map[string][]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, connection, topic, payload, qos, retained, enqueued_at
		FROM buffered_messages ORDER BY connection, seq`)
	if err != nil {
		return nil, fmt.Errorf("querying buffered messages: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]Message)
	for rows.Next() {
		var m Message
		var connection string
		var qos, retained int
		var enqueuedAt int64
		if err := rows.Scan(&m.Seq, &connection, &m.Topic, &m.Payload, &qos, &retained, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("scanning buffered message: %w", err)
		}
		m.QoS = byte(qos)
		m.Retained = retained != 0
		m.EnqueuedAt = time.UnixMilli(enqueuedAt)
		out[connection] = append(out[connection], m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating buffered messages: %w", err)
	}
	return out, nil
}
