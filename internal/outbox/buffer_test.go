package outbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/nerrad567/mqttbridge/internal/infrastructure/database"
	"github.com/nerrad567/mqttbridge/migrations"
)

func msg(topic string) Message {
	return Message{Topic: topic, Payload: []byte(topic), QoS: 1}
}

func topics(msgs []Message) string {
	var s string
	for _, m := range msgs {
		s += m.Topic
	}
	return s
}

func TestEnqueue_Disabled(t *testing.T) {
	b := New(Policy{Enabled: false}, nil)

	if _, _, err := b.Enqueue(context.Background(), "c", msg("a")); !errors.Is(err, ErrBufferDisabled) {
		t.Errorf("Enqueue() error = %v, want ErrBufferDisabled", err)
	}
}

func TestEnqueue_RejectWhenFull(t *testing.T) {
	ctx := context.Background()
	b := New(Policy{Enabled: true, Capacity: 2}, nil)

	for _, topic := range []string{"a", "b"} {
		res, dropped, err := b.Enqueue(ctx, "c", msg(topic))
		if err != nil || res != Buffered || dropped != nil {
			t.Fatalf("Enqueue(%s) = %v, %v, %v", topic, res, dropped, err)
		}
	}

	if _, _, err := b.Enqueue(ctx, "c", msg("x")); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Enqueue() on full buffer error = %v, want ErrCapacityExceeded", err)
	}
	if b.Count("c") != 2 {
		t.Errorf("Count() = %d, want 2 after rejection", b.Count("c"))
	}
}

func TestEnqueue_DropOldestWhenFull(t *testing.T) {
	ctx := context.Background()
	b := New(Policy{Enabled: true, Capacity: 2, DropOldestWhenFull: true}, nil)

	b.Enqueue(ctx, "c", msg("a")) //nolint:errcheck // Fixture
	b.Enqueue(ctx, "c", msg("b")) //nolint:errcheck // Fixture

	res, dropped, err := b.Enqueue(ctx, "c", msg("x"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if res != BufferedDroppedOldest {
		t.Errorf("result = %v, want BufferedDroppedOldest", res)
	}
	if dropped == nil || dropped.Topic != "a" {
		t.Errorf("dropped = %+v, want topic a", dropped)
	}

	var sent []Message
	b.Flush(ctx, "c", func(m Message) error { sent = append(sent, m); return nil }) //nolint:errcheck // Send never fails
	if got := topics(sent); got != "bx" {
		t.Errorf("flushed %q, want %q", got, "bx")
	}
}

func TestFlush_FIFO(t *testing.T) {
	ctx := context.Background()
	b := New(Policy{Enabled: true, Capacity: 100}, nil)

	for i := 0; i < 10; i++ {
		b.Enqueue(ctx, "c", msg(fmt.Sprint(i))) //nolint:errcheck // Fixture
	}

	var sent []Message
	n, err := b.Flush(ctx, "c", func(m Message) error {
		sent = append(sent, m)
		return nil
	})
	if err != nil || n != 10 {
		t.Fatalf("Flush() = %d, %v", n, err)
	}
	if got := topics(sent); got != "0123456789" {
		t.Errorf("flush order %q", got)
	}
	if b.Count("c") != 0 {
		t.Errorf("Count() after flush = %d", b.Count("c"))
	}
}

func TestFlush_StopsOnFirstError(t *testing.T) {
	ctx := context.Background()
	b := New(Policy{Enabled: true, Capacity: 10}, nil)

	for _, topic := range []string{"a", "b", "c"} {
		b.Enqueue(ctx, "conn", msg(topic)) //nolint:errcheck // Fixture
	}

	sendErr := errors.New("connection dropped")
	n, err := b.Flush(ctx, "conn", func(m Message) error {
		if m.Topic == "b" {
			return sendErr
		}
		return nil
	})
	if !errors.Is(err, sendErr) || n != 1 {
		t.Fatalf("Flush() = %d, %v", n, err)
	}

	if b.Count("conn") != 2 {
		t.Fatalf("Count() = %d, want 2", b.Count("conn"))
	}
	first, _ := b.Get("conn", 0)
	if first.Topic != "b" {
		t.Errorf("head after failed flush = %q, want b", first.Topic)
	}
}

func TestFlush_EnqueueDuringFlushGoesLast(t *testing.T) {
	ctx := context.Background()
	b := New(Policy{Enabled: true, Capacity: 10}, nil)
	b.Enqueue(ctx, "c", msg("a")) //nolint:errcheck // Fixture
	b.Enqueue(ctx, "c", msg("b")) //nolint:errcheck // Fixture

	var sent []Message
	b.Flush(ctx, "c", func(m Message) error { //nolint:errcheck // Send never fails
		sent = append(sent, m)
		if m.Topic == "a" {
			b.Enqueue(ctx, "c", msg("z")) //nolint:errcheck // Fixture
		}
		return nil
	})
	if got := topics(sent); got != "abz" {
		t.Errorf("flush order %q, want abz", got)
	}
}

func TestGetAndDelete(t *testing.T) {
	ctx := context.Background()
	b := New(Policy{Enabled: true, Capacity: 10}, nil)
	for _, topic := range []string{"a", "b", "c"} {
		b.Enqueue(ctx, "conn", msg(topic)) //nolint:errcheck // Fixture
	}

	m, err := b.Get("conn", 1)
	if err != nil || m.Topic != "b" {
		t.Fatalf("Get(1) = %+v, %v", m, err)
	}

	deleted, err := b.Delete(ctx, "conn", 1)
	if err != nil || deleted.Topic != "b" {
		t.Fatalf("Delete(1) = %+v, %v", deleted, err)
	}
	if b.Count("conn") != 2 {
		t.Errorf("Count() = %d, want 2", b.Count("conn"))
	}

	for _, idx := range []int{-1, 2, 99} {
		if _, err := b.Get("conn", idx); !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("Get(%d) error = %v", idx, err)
		}
	}
	if _, err := b.Get("unknown", 0); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("Get() on unknown connection error = %v", err)
	}
}

func TestSetPolicy_PerConnection(t *testing.T) {
	ctx := context.Background()
	b := New(Policy{Enabled: true, Capacity: 1}, nil)
	b.SetPolicy("big", Policy{Enabled: true, Capacity: 5})

	for i := 0; i < 5; i++ {
		if _, _, err := b.Enqueue(ctx, "big", msg("m")); err != nil {
			t.Fatalf("Enqueue(big) error = %v", err)
		}
	}
	b.Enqueue(ctx, "small", msg("m")) //nolint:errcheck // Fixture
	if _, _, err := b.Enqueue(ctx, "small", msg("m")); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("Enqueue(small) error = %v, want ErrCapacityExceeded", err)
	}
	if got := b.Policy("big").Capacity; got != 5 {
		t.Errorf("Policy(big).Capacity = %d", got)
	}
}

func TestDrop(t *testing.T) {
	ctx := context.Background()
	b := New(Policy{Enabled: true, Capacity: 10}, nil)
	b.Enqueue(ctx, "c", Message{Topic: "a", Handle: 7}) //nolint:errcheck // Fixture

	dropped, err := b.Drop(ctx, "c")
	if err != nil || len(dropped) != 1 || dropped[0].Handle != 7 {
		t.Fatalf("Drop() = %+v, %v", dropped, err)
	}
	if b.Count("c") != 0 {
		t.Error("Drop() left messages behind")
	}
}

func openStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	db, err := database.Open(database.Config{Path: path, WALMode: true, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() {
		db.Close() //nolint:errcheck // Test cleanup
	})
	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewSQLiteStore(db.DB)
}

func TestPersistence_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "outbox.db")
	policy := Policy{Enabled: true, Capacity: 10, PersistOnDisk: true}

	first := New(policy, openStore(t, path))
	for _, topic := range []string{"a", "b", "c"} {
		if _, _, err := first.Enqueue(ctx, "conn", Message{Topic: topic, Payload: []byte(topic), Handle: 9}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	// Deleting by index also removes the row.
	if _, err := first.Delete(ctx, "conn", 0); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	second := New(policy, openStore(t, path))
	n, err := second.Load(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Load() = %d, %v, want 2", n, err)
	}

	var sent []Message
	second.Flush(ctx, "conn", func(m Message) error { sent = append(sent, m); return nil }) //nolint:errcheck // Send never fails
	if got := topics(sent); got != "bc" {
		t.Errorf("restored order %q, want bc", got)
	}
	for _, m := range sent {
		if m.Handle != 0 {
			t.Errorf("restored message kept handle %d", m.Handle)
		}
	}

	// Flushed messages are gone from disk as well.
	third := New(policy, openStore(t, path))
	if n, _ := third.Load(ctx); n != 0 {
		t.Errorf("Load() after flush = %d, want 0", n)
	}
}

func TestPersistence_MemoryOnlyPolicyNotWritten(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "outbox.db")
	store := openStore(t, path)

	b := New(Policy{Enabled: true, Capacity: 10}, store)
	b.Enqueue(ctx, "conn", msg("a")) //nolint:errcheck // Fixture

	all, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(all["conn"]) != 0 {
		t.Errorf("memory-only policy wrote %d rows", len(all["conn"]))
	}
}

// failingStore is a SQLiteStore whose writes can be made to fail.
type failingStore struct {
	*SQLiteStore

	appends      int
	failAppendAt int
	failRemove   int64
}

var errDiskFull = errors.New("disk full")

func (s *failingStore) Append(ctx context.Context, connection string, m Message) error {
	s.appends++
	if s.appends == s.failAppendAt {
		return errDiskFull
	}
	return s.SQLiteStore.Append(ctx, connection, m)
}

func (s *failingStore) Remove(ctx context.Context, connection string, seq int64) error {
	if seq == s.failRemove {
		return errDiskFull
	}
	return s.SQLiteStore.Remove(ctx, connection, seq)
}

func persistedTopics(t *testing.T, store Store, connection string) string {
	t.Helper()
	all, err := store.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	return topics(all[connection])
}

func TestEnqueue_DropOldestAppendFailureKeepsBuffer(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{SQLiteStore: openStore(t, filepath.Join(t.TempDir(), "outbox.db")), failAppendAt: 3}
	b := New(Policy{Enabled: true, Capacity: 2, PersistOnDisk: true, DropOldestWhenFull: true}, store)

	b.Enqueue(ctx, "c", msg("a")) //nolint:errcheck // Fixture
	b.Enqueue(ctx, "c", msg("b")) //nolint:errcheck // Fixture

	_, dropped, err := b.Enqueue(ctx, "c", msg("x"))
	if !errors.Is(err, ErrPersistence) || !errors.Is(err, errDiskFull) {
		t.Fatalf("Enqueue() error = %v, want ErrPersistence wrapping disk full", err)
	}
	if dropped != nil {
		t.Errorf("dropped = %+v, want nil when the new message was rejected", dropped)
	}
	if b.Count("c") != 2 {
		t.Errorf("Count() = %d, want 2", b.Count("c"))
	}
	if got := persistedTopics(t, store, "c"); got != "ab" {
		t.Errorf("persisted %q, want ab", got)
	}
}

func TestEnqueue_DropOldestEvictFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{SQLiteStore: openStore(t, filepath.Join(t.TempDir(), "outbox.db")), failRemove: 1}
	b := New(Policy{Enabled: true, Capacity: 2, PersistOnDisk: true, DropOldestWhenFull: true}, store)

	b.Enqueue(ctx, "c", msg("a")) //nolint:errcheck // Fixture
	b.Enqueue(ctx, "c", msg("b")) //nolint:errcheck // Fixture

	if _, _, err := b.Enqueue(ctx, "c", msg("x")); !errors.Is(err, ErrPersistence) {
		t.Fatalf("Enqueue() error = %v, want ErrPersistence", err)
	}
	head, _ := b.Get("c", 0)
	if b.Count("c") != 2 || head.Topic != "a" {
		t.Errorf("Count() = %d, head %q; want 2, a", b.Count("c"), head.Topic)
	}
	if got := persistedTopics(t, store, "c"); got != "ab" {
		t.Errorf("persisted %q, want ab", got)
	}
}

func TestPersistence_RemovedAfterPolicySwitch(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "outbox.db")
	store := openStore(t, path)
	b := New(Policy{Enabled: true, Capacity: 10, PersistOnDisk: true}, store)

	b.Enqueue(ctx, "c", msg("a")) //nolint:errcheck // Fixture
	b.Enqueue(ctx, "c", msg("b")) //nolint:errcheck // Fixture
	b.SetPolicy("c", Policy{Enabled: true, Capacity: 10})
	b.Enqueue(ctx, "c", msg("m")) //nolint:errcheck // Fixture

	if _, err := b.Delete(ctx, "c", 1); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if n, err := b.Flush(ctx, "c", func(Message) error { return nil }); err != nil || n != 2 {
		t.Fatalf("Flush() = %d, %v", n, err)
	}

	restarted := New(Policy{Enabled: true, Capacity: 10, PersistOnDisk: true}, openStore(t, path))
	if n, _ := restarted.Load(ctx); n != 0 {
		t.Errorf("Load() after flush = %d, want 0", n)
	}
}

func TestEnqueue_SeqUniqueAcrossPolicies(t *testing.T) {
	ctx := context.Background()
	b := New(Policy{Enabled: true, Capacity: 10, PersistOnDisk: true}, openStore(t, filepath.Join(t.TempDir(), "outbox.db")))

	b.Enqueue(ctx, "c", msg("a")) //nolint:errcheck // Fixture
	b.SetPolicy("c", Policy{Enabled: true, Capacity: 10})
	b.Enqueue(ctx, "c", msg("b")) //nolint:errcheck // Fixture
	b.SetPolicy("c", Policy{Enabled: true, Capacity: 10, PersistOnDisk: true})
	b.Enqueue(ctx, "c", msg("c")) //nolint:errcheck // Fixture

	var last int64
	for i := range b.Count("c") {
		m, _ := b.Get("c", i)
		if m.Seq <= last {
			t.Fatalf("message %d seq %d not above %d", i, m.Seq, last)
		}
		last = m.Seq
	}
}

func TestFlush_RejectedMessageDroppedAndFlushContinues(t *testing.T) {
	ctx := context.Background()
	b := New(Policy{Enabled: true, Capacity: 10, PersistOnDisk: true}, openStore(t, filepath.Join(t.TempDir(), "outbox.db")))
	for _, topic := range []string{"a", "b", "c"} {
		b.Enqueue(ctx, "conn", msg(topic)) //nolint:errcheck // Fixture
	}

	var sent []Message
	n, err := b.Flush(ctx, "conn", func(m Message) error {
		if m.Topic == "b" {
			return fmt.Errorf("%w: payload too large", ErrRejected)
		}
		sent = append(sent, m)
		return nil
	})
	if err != nil || n != 2 {
		t.Fatalf("Flush() = %d, %v; want 2, nil", n, err)
	}
	if got := topics(sent); got != "ac" {
		t.Errorf("sent %q, want ac", got)
	}
	if b.Count("conn") != 0 {
		t.Errorf("Count() = %d, want 0", b.Count("conn"))
	}
	if got := persistedTopics(t, b.store, "conn"); got != "" {
		t.Errorf("persisted %q after flush, want none", got)
	}
}
