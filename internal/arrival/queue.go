package arrival

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/nerrad567/mqttbridge/internal/infrastructure/database"
	"github.com/nerrad567/mqttbridge/migrations"
)

// Logger is the logging interface used by the queue.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Queue is the durable arrival queue. Every inbound message is inserted
// before the application sees it and deleted when the application
// acknowledges it, so a crash in between leads to redelivery rather than
// loss.
type Queue struct {
	db    *sql.DB
	owned *database.DB
	clock clock.Clock

	mu     sync.RWMutex
	closed bool

	logger Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock used to timestamp arrivals.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// New wraps an already migrated database. Close does not close db.
func New(db *sql.DB, opts ...Option) *Queue {
	q := &Queue{
		db:     db,
		clock:  clock.New(),
		logger: noopLogger{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Open opens the database at cfg, applies the bridge migrations and
// returns a queue that owns the database.
func Open(ctx context.Context, cfg database.Config, opts ...Option) (*Queue, error) {
	db, err := database.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("%w: migrating: %w", ErrStorageFailure, err)
	}

	q := New(db.DB, opts...)
	q.owned = db
	return q, nil
}

// SetLogger sets the logger for the queue.
func (q *Queue) SetLogger(logger Logger) {
	q.logger = logger
}

// Store persists an inbound message and returns its new ID. The INSERT has
// committed when Store returns nil.
func (q *Queue) Store(ctx context.Context, connection, topic string, payload []byte, qos byte, retained, duplicate bool) (string, error) {
	m, err := q.Insert(ctx, Message{
		Connection: connection,
		Topic:      topic,
		Payload:    payload,
		QoS:        qos,
		Retained:   retained,
		Duplicate:  duplicate,
	})
	return m.ID, err
}

// Insert persists m and returns it with ID and ArrivedAt assigned; any ID
// or ArrivedAt already set on m is replaced.
func (q *Queue) Insert(ctx context.Context, m Message) (Message, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return Message{}, ErrClosed
	}

	m.ID = uuid.NewString()
	m.ArrivedAt = time.UnixMilli(q.clock.Now().UnixMilli())
	if m.Payload == nil {
		m.Payload = []byte{}
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO arrived_messages (id, connection, topic, payload, qos, retained, duplicate, arrived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Connection, m.Topic, m.Payload, int(m.QoS), boolToInt(m.Retained), boolToInt(m.Duplicate),
		m.ArrivedAt.UnixMilli(),
	)
	if err != nil {
		return Message{}, fmt.Errorf("%w: inserting message for %s: %w", ErrStorageFailure, m.Connection, err)
	}

	q.logger.Debug("stored arrived message", "connection", m.Connection, "id", m.ID, "topic", m.Topic)
	return m, nil
}

// Discard deletes the message with id belonging to connection. It reports
// false without error when no row (or, impossibly, several rows) matched;
// that case is logged as an integrity warning.
func (q *Queue) Discard(ctx context.Context, connection, id string) (bool, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false, ErrClosed
	}

	res, err := q.db.ExecContext(ctx,
		"DELETE FROM arrived_messages WHERE connection = ? AND id = ?",
		connection, id,
	)
	if err != nil {
		return false, fmt.Errorf("%w: discarding %s: %w", ErrStorageFailure, id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: discarding %s: %w", ErrStorageFailure, id, err)
	}
	if n != 1 {
		q.logger.Warn("discard matched unexpected row count",
			"connection", connection,
			"id", id,
			"rows", n,
		)
		return false, nil
	}
	return true, nil
}

// Enumerate returns a snapshot of connection's stored messages, oldest first.
func (q *Queue) Enumerate(ctx context.Context, connection string) (*Iterator, error) {
	return q.enumerate(ctx,
		`SELECT id, connection, topic, payload, qos, retained, duplicate, arrived_at
		 FROM arrived_messages WHERE connection = ? ORDER BY arrived_at, rowid`,
		connection,
	)
}

// EnumerateAll returns a snapshot of every stored message, oldest first.
func (q *Queue) EnumerateAll(ctx context.Context) (*Iterator, error) {
	return q.enumerate(ctx,
		`SELECT id, connection, topic, payload, qos, retained, duplicate, arrived_at
		 FROM arrived_messages ORDER BY arrived_at, rowid`,
	)
}

func (q *Queue) enumerate(ctx context.Context, query string, args ...any) (*Iterator, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, ErrClosed
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: querying messages: %w", ErrStorageFailure, err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var qos, retained, duplicate int
		var arrivedAt int64
		if err := rows.Scan(&m.ID, &m.Connection, &m.Topic, &m.Payload, &qos, &retained, &duplicate, &arrivedAt); err != nil {
			return nil, fmt.Errorf("%w: scanning message: %w", ErrStorageFailure, err)
		}
		m.QoS = byte(qos)
		m.Retained = retained != 0
		m.Duplicate = duplicate != 0
		m.ArrivedAt = time.UnixMilli(arrivedAt)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating messages: %w", ErrStorageFailure, err)
	}

	return &Iterator{msgs: msgs}, nil
}

// Clear deletes every stored message of connection and returns how many.
func (q *Queue) Clear(ctx context.Context, connection string) (int, error) {
	return q.clear(ctx, "DELETE FROM arrived_messages WHERE connection = ?", connection)
}

// ClearAll deletes every stored message and returns how many.
func (q *Queue) ClearAll(ctx context.Context) (int, error) {
	return q.clear(ctx, "DELETE FROM arrived_messages")
}

func (q *Queue) clear(ctx context.Context, query string, args ...any) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return 0, ErrClosed
	}

	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: clearing messages: %w", ErrStorageFailure, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: clearing messages: %w", ErrStorageFailure, err)
	}
	return int(n), nil
}

// Count returns the number of stored messages of connection.
func (q *Queue) Count(ctx context.Context, connection string) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return 0, ErrClosed
	}

	var n int
	if err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM arrived_messages WHERE connection = ?", connection,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: counting messages: %w", ErrStorageFailure, err)
	}
	return n, nil
}

// Close stops the queue. When the queue was created by Open the database
// is closed too. Calling Close twice is harmless.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true

	if q.owned != nil {
		if err := q.owned.Close(); err != nil {
			return fmt.Errorf("%w: %w", ErrStorageFailure, err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
