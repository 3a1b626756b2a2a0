package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Logger is the logging interface used by the buffer.
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

// Policy controls buffering for one connection.
type Policy struct {
	Enabled            bool
	Capacity           int
	PersistOnDisk      bool
	DropOldestWhenFull bool
}

// Message is an outbound publish waiting for its connection.
type Message struct {
	// Seq orders messages and identifies them in the store. The buffer
	// assigns it from one counter for all connections.
	Seq      int64
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool

	// Handle is the correlator handle of the caller's publish. Zero for
	// messages restored from disk after a restart.
	Handle uint64

	EnqueuedAt time.Time

	// Persisted is set once the message has been written to the store.
	Persisted bool
}

// Result describes how Enqueue handled a message.
type Result int

const (
	Buffered Result = iota
	BufferedDroppedOldest
)

func (r Result) String() string {
	switch r {
	case Buffered:
		return "buffered"
	case BufferedDroppedOldest:
		return "buffered_dropped_oldest"
	default:
		return "unknown"
	}
}

// Store persists buffered messages. SQLiteStore is the implementation
// used by the bridge.
type Store interface {
	Append(ctx context.Context, connection string, m Message) error
	Remove(ctx context.Context, connection string, seq int64) error
	Clear(ctx context.Context, connection string) error
	LoadAll(ctx context.Context) (map[string][]Message, error)
}

type queue struct {
	policy Policy
	msgs   []Message
}

// Buffer holds publishes issued while their connection is not connected.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Flush holds the buffer lock
//     for one connection only between sends, never across the send callback.
type Buffer struct {
	mu       sync.Mutex
	defaults Policy
	queues   map[string]*queue
	nextSeq  int64

	store  Store
	clock  clock.Clock
	logger Logger
}

// New creates a buffer whose connections start with defaults. store may be
// nil, in which case PersistOnDisk policies keep messages in memory only.
func New(defaults Policy, store Store) *Buffer {
	return &Buffer{
		defaults: defaults,
		queues:   make(map[string]*queue),
		store:    store,
		clock:    clock.New(),
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the buffer.
func (b *Buffer) SetLogger(logger Logger) {
	b.logger = logger
}

// SetClock sets the clock used for EnqueuedAt.
func (b *Buffer) SetClock(c clock.Clock) {
	b.clock = c
}

func (b *Buffer) queueFor(connection string) *queue {
	q, ok := b.queues[connection]
	if !ok {
		q = &queue{policy: b.defaults}
		b.queues[connection] = q
	}
	return q
}

// SetPolicy replaces the policy of one connection. Shrinking the capacity
// below the current length keeps the queued messages; only new ones are
// affected.
func (b *Buffer) SetPolicy(connection string, p Policy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queueFor(connection).policy = p
}

// Policy returns the policy of one connection.
func (b *Buffer) Policy(connection string) Policy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queueFor(connection).policy
}

// Enqueue appends m to the connection's FIFO. When the buffer is full the
// oldest message is evicted and returned if the policy allows it; otherwise
// ErrCapacityExceeded is returned and nothing changes. A persistence failure
// also leaves the buffer unchanged.
func (b *Buffer) Enqueue(ctx context.Context, connection string, m Message) (Result, *Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queueFor(connection)
	if !q.policy.Enabled {
		return 0, nil, ErrBufferDisabled
	}

	full := q.policy.Capacity > 0 && len(q.msgs) >= q.policy.Capacity
	if full && !q.policy.DropOldestWhenFull {
		return 0, nil, ErrCapacityExceeded
	}

	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = b.clock.Now()
	}
	b.nextSeq++
	m.Seq = b.nextSeq
	m.Persisted = false

	if q.policy.PersistOnDisk && b.store != nil {
		if err := b.store.Append(ctx, connection, m); err != nil {
			return 0, nil, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		m.Persisted = true
	}

	if !full {
		q.msgs = append(q.msgs, m)
		return Buffered, nil, nil
	}

	oldest := q.msgs[0]
	if err := b.unpersist(ctx, connection, oldest); err != nil {
		if rerr := b.unpersist(ctx, connection, m); rerr != nil {
			b.logger.Error("rolling back buffered message",
				"connection", connection,
				"seq", m.Seq,
				"error", rerr,
			)
		}
		return 0, nil, err
	}
	q.msgs = append(q.msgs[1:], m)
	b.logger.Warn("publish buffer full, dropped oldest message",
		"connection", connection,
		"topic", oldest.Topic,
	)
	return BufferedDroppedOldest, &oldest, nil
}

// Flush sends the connection's messages oldest first. A message is removed
// once send returns nil. When send returns an error wrapping ErrRejected
// the message is removed too and the flush goes on; any other error stops
// the flush and leaves that message and everything after it buffered. It
// returns the number of messages sent.
func (b *Buffer) Flush(ctx context.Context, connection string, send func(Message) error) (int, error) {
	sent := 0
	for {
		b.mu.Lock()
		q, ok := b.queues[connection]
		if !ok || len(q.msgs) == 0 {
			b.mu.Unlock()
			return sent, nil
		}
		head := q.msgs[0]
		b.mu.Unlock()

		err := send(head)
		if err != nil && !errors.Is(err, ErrRejected) {
			return sent, err
		}

		b.mu.Lock()
		// Delete may have removed head while it was being sent.
		if len(q.msgs) > 0 && q.msgs[0].Seq == head.Seq {
			q.msgs = q.msgs[1:]
			if uerr := b.unpersist(ctx, connection, head); uerr != nil {
				b.logger.Error("removing flushed message from disk",
					"connection", connection,
					"seq", head.Seq,
					"error", uerr,
				)
			}
		}
		b.mu.Unlock()
		if err == nil {
			sent++
		}
	}
}

// Count returns the number of buffered messages of connection.
func (b *Buffer) Count(connection string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[connection]; ok {
		return len(q.msgs)
	}
	return 0
}

// Get returns the buffered message at index (0 is the oldest).
func (b *Buffer) Get(connection string, index int) (Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[connection]
	if !ok || index < 0 || index >= len(q.msgs) {
		return Message{}, ErrIndexOutOfRange
	}
	return q.msgs[index], nil
}

// Delete removes the buffered message at index and returns it.
func (b *Buffer) Delete(ctx context.Context, connection string, index int) (Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[connection]
	if !ok || index < 0 || index >= len(q.msgs) {
		return Message{}, ErrIndexOutOfRange
	}
	m := q.msgs[index]
	if err := b.unpersist(ctx, connection, m); err != nil {
		return Message{}, err
	}
	q.msgs = append(q.msgs[:index], q.msgs[index+1:]...)
	return m, nil
}

// Drop forgets every buffered message of connection, on disk too, and
// returns them.
func (b *Buffer) Drop(ctx context.Context, connection string) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[connection]
	if !ok {
		return nil, nil
	}
	msgs := q.msgs
	q.msgs = nil
	if b.store != nil {
		if err := b.store.Clear(ctx, connection); err != nil {
			return msgs, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
	}
	return msgs, nil
}

// Load restores persisted messages into memory. Call it once at startup,
// before any Enqueue. Restored messages have no correlator handle.
func (b *Buffer) Load(ctx context.Context) (int, error) {
	if b.store == nil {
		return 0, nil
	}
	restored, err := b.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for connection, msgs := range restored {
		q := b.queueFor(connection)
		for _, m := range msgs {
			m.Handle = 0
			m.Persisted = true
			q.msgs = append(q.msgs, m)
			if m.Seq > b.nextSeq {
				b.nextSeq = m.Seq
			}
		}
		total += len(msgs)
	}
	return total, nil
}

// unpersist removes m from the store if it was ever written there,
// whatever the connection's policy is now.
func (b *Buffer) unpersist(ctx context.Context, connection string, m Message) error {
	if !m.Persisted || b.store == nil {
		return nil
	}
	if err := b.store.Remove(ctx, connection, m.Seq); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}
