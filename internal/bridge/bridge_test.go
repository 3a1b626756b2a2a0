package bridge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nerrad567/mqttbridge/internal/arrival"
	"github.com/nerrad567/mqttbridge/internal/correlator"
	"github.com/nerrad567/mqttbridge/internal/infrastructure/database"
	"github.com/nerrad567/mqttbridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/mqttbridge/internal/outbox"
	"github.com/nerrad567/mqttbridge/internal/reconnect"
	"github.com/nerrad567/mqttbridge/migrations"
)

const testServerURI = "tcp://broker:1883"

// recorder is a Listener that records every callback.
type recorder struct {
	mu        sync.Mutex
	arrived   []arrival.Message
	lost      []error
	delivered []correlator.Handle
	connected []bool
	events    []string
	reject    error
}

func (r *recorder) MessageArrived(msg arrival.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject != nil {
		return r.reject
	}
	r.arrived = append(r.arrived, msg)
	return nil
}

func (r *recorder) ConnectionLost(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lost = append(r.lost, cause)
	r.events = append(r.events, "lost")
}

func (r *recorder) DeliveryComplete(tok *correlator.Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, tok.Handle())
}

func (r *recorder) ConnectComplete(reconnect bool, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, reconnect)
}

func (r *recorder) record(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) arrivedTopics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.arrived))
	for i, m := range r.arrived {
		out[i] = m.Topic
	}
	return out
}

func (r *recorder) setReject(err error) {
	r.mu.Lock()
	r.reject = err
	r.mu.Unlock()
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		arrived:   slices.Clone(r.arrived),
		lost:      slices.Clone(r.lost),
		delivered: slices.Clone(r.delivered),
		connected: slices.Clone(r.connected),
		events:    slices.Clone(r.events),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func openTestDB(t *testing.T, migrate bool) *database.DB {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "bridge.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() {
		db.Close() //nolint:errcheck // Test cleanup
	})
	if migrate {
		if err := db.Migrate(context.Background(), migrations.FS); err != nil {
			t.Fatalf("Migrate() error = %v", err)
		}
	}
	return db
}

func testConfig() Config {
	return Config{
		AppID:            "test",
		OperationTimeout: time.Second,
		Reconnect: reconnect.Settings{
			RateLimit:        1000,
			Burst:            100,
			FailureThreshold: 3,
			OpenTimeout:      time.Minute,
		},
	}
}

func newTestBridgeWithConfig(t *testing.T, cfg Config, db *database.DB) (*Bridge, *outbox.Buffer) {
	t.Helper()

	buf := outbox.New(outbox.Policy{Enabled: true, Capacity: 10}, outbox.NewSQLiteStore(db.DB))
	b := New(cfg, arrival.New(db.DB), buf)
	t.Cleanup(func() {
		b.Close() //nolint:errcheck // Test cleanup
	})
	return b, buf
}

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	b, _ := newTestBridgeWithConfig(t, testConfig(), openTestDB(t, true))
	return b
}

func addConnection(t *testing.T, b *Bridge, opts ...Option) (Identity, *fakeEngine, *recorder) {
	t.Helper()

	e := newFakeEngine()
	rec := &recorder{}
	id, err := b.AddConnection(testServerURI, "client-1", e, append([]Option{WithListener(rec)}, opts...)...)
	if err != nil {
		t.Fatalf("AddConnection() error = %v", err)
	}
	return id, e, rec
}

func connect(t *testing.T, b *Bridge, id Identity) {
	t.Helper()

	tok, err := b.Connect(id, nil, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := tok.WaitTimeout(time.Second); err != nil {
		t.Fatalf("connect token error = %v", err)
	}
}

func storedCount(t *testing.T, b *Bridge, id Identity) int {
	t.Helper()
	msgs, err := b.Messages(context.Background(), id)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	return len(msgs)
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestAddConnection(t *testing.T) {
	b := newTestBridge(t)

	id, err := b.AddConnection(testServerURI, "client-1", newFakeEngine())
	if err != nil {
		t.Fatalf("AddConnection() error = %v", err)
	}
	if id != "tcp://broker:1883:client-1:test" {
		t.Errorf("identity = %q", id)
	}

	again, err := b.AddConnection(testServerURI, "client-1", newFakeEngine())
	if err != nil || again != id {
		t.Errorf("second AddConnection() = %q, %v; want %q, nil", again, err, id)
	}
	if n := len(b.Connections()); n != 1 {
		t.Errorf("Connections() has %d entries, want 1", n)
	}

	if _, err := b.AddConnection("", "client-1", newFakeEngine()); err == nil {
		t.Error("AddConnection() with empty server URI succeeded")
	}
}

func TestConnect_CompletesTokenAndNotifies(t *testing.T) {
	b := newTestBridge(t)
	id, _, rec := addConnection(t, b)

	var userCtx any
	tok, err := b.Connect(id, "ctx-1", correlator.ListenerFuncs{
		Success: func(tok *correlator.Token) { userCtx = tok.UserContext() },
	})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := tok.WaitTimeout(time.Second); err != nil {
		t.Fatalf("token error = %v", err)
	}

	if userCtx != "ctx-1" {
		t.Errorf("listener user context = %v, want ctx-1", userCtx)
	}
	if !b.IsConnected(id) {
		t.Error("IsConnected() = false after connect")
	}
	if got := rec.snapshot().connected; !slices.Equal(got, []bool{false}) {
		t.Errorf("ConnectComplete calls = %v, want [false]", got)
	}
}

func TestConnect_AlreadyConnected(t *testing.T) {
	b := newTestBridge(t)
	id, e, _ := addConnection(t, b)
	connect(t, b, id)

	tok, err := b.Connect(id, nil, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !tok.IsComplete() || tok.Err() != nil {
		t.Errorf("token complete=%v err=%v, want completed successfully", tok.IsComplete(), tok.Err())
	}
	if e.connects != 1 {
		t.Errorf("engine connects = %d, want 1", e.connects)
	}
}

func TestConnect_InProgress(t *testing.T) {
	b := newTestBridge(t)
	id, e, _ := addConnection(t, b)
	e.holdConnect = true

	tok, err := b.Connect(id, nil, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if _, err := b.Connect(id, nil, nil); !errors.Is(err, ErrConnectInProgress) {
		t.Errorf("second Connect() error = %v, want ErrConnectInProgress", err)
	}

	e.releaseConnect(nil)
	if err := tok.WaitTimeout(time.Second); err != nil {
		t.Errorf("token error = %v", err)
	}
}

func TestConnect_Failure(t *testing.T) {
	b := newTestBridge(t)
	id, e, rec := addConnection(t, b)
	e.connectErr = errors.New("refused")

	tok, err := b.Connect(id, nil, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	err = tok.WaitTimeout(time.Second)
	if !correlator.IsKind(err, correlator.FailureProtocol) {
		t.Errorf("token error = %v, want protocol failure", err)
	}
	if got := b.Controller().State(string(id)); got != reconnect.StateDisconnected {
		t.Errorf("state = %v, want disconnected", got)
	}
	if len(rec.snapshot().connected) != 0 {
		t.Error("ConnectComplete called for a failed connect")
	}
}

func TestConnect_UnknownConnection(t *testing.T) {
	b := newTestBridge(t)

	if _, err := b.Connect("nope", nil, nil); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("Connect() error = %v, want ErrUnknownConnection", err)
	}
}

// =============================================================================
// Publish Tests
// =============================================================================

func TestPublish_ConnectedDispatchesAndDelivers(t *testing.T) {
	b := newTestBridge(t)
	id, e, rec := addConnection(t, b)
	connect(t, b, id)

	accepted := 0
	tok, err := b.Publish(context.Background(), id, "a/b", []byte("x"), 1, false, nil,
		correlator.ListenerFuncs{Success: func(*correlator.Token) { accepted++ }})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if tok.Phase() != correlator.PhaseAccepted {
		t.Errorf("phase = %v, want accepted", tok.Phase())
	}
	if accepted != 1 {
		t.Errorf("OnSuccess calls after accept = %d, want 1", accepted)
	}

	e.deliver(0, nil)
	if err := tok.WaitTimeout(time.Second); err != nil {
		t.Fatalf("token error = %v", err)
	}
	if tok.Phase() != correlator.PhaseDelivered {
		t.Errorf("phase = %v, want delivered", tok.Phase())
	}
	if accepted != 1 {
		t.Errorf("OnSuccess calls after delivery = %d, want 1", accepted)
	}
	if got := rec.snapshot().delivered; !slices.Equal(got, []correlator.Handle{tok.Handle()}) {
		t.Errorf("DeliveryComplete handles = %v", got)
	}
}

func TestPublish_BufferedWhileDisconnectedFlushedInOrder(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t)
	id, e, _ := addConnection(t, b)

	var toks []*correlator.Token
	for _, topic := range []string{"t/1", "t/2", "t/3"} {
		tok, err := b.Publish(ctx, id, topic, []byte(topic), 1, false, nil, nil)
		if err != nil {
			t.Fatalf("Publish(%s) error = %v", topic, err)
		}
		toks = append(toks, tok)
	}
	if n, _ := b.BufferedCount(id); n != 3 {
		t.Fatalf("BufferedCount() = %d, want 3", n)
	}
	if len(e.published()) != 0 {
		t.Fatal("engine saw a publish while disconnected")
	}

	connect(t, b, id)

	if got := e.published(); !slices.Equal(got, []string{"t/1", "t/2", "t/3"}) {
		t.Errorf("flushed order = %v", got)
	}
	if n, _ := b.BufferedCount(id); n != 0 {
		t.Errorf("BufferedCount() after flush = %d, want 0", n)
	}

	for i, tok := range toks {
		if tok.IsComplete() {
			t.Errorf("token %d complete before delivery", i)
		}
		e.deliver(i, nil)
		if err := tok.WaitTimeout(time.Second); err != nil {
			t.Errorf("token %d error = %v", i, err)
		}
	}

	tok, err := b.Publish(ctx, id, "t/4", nil, 0, false, nil, nil)
	if err != nil {
		t.Fatalf("Publish() after flush error = %v", err)
	}
	if got := e.published(); got[len(got)-1] != "t/4" || tok.Phase() != correlator.PhaseAccepted {
		t.Errorf("publish after flush not dispatched directly: %v", got)
	}
}

func TestPublish_CapacityExceeded(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t)
	id, _, _ := addConnection(t, b)

	if err := b.SetBufferPolicy(id, outbox.Policy{Enabled: true, Capacity: 1}); err != nil {
		t.Fatalf("SetBufferPolicy() error = %v", err)
	}

	if _, err := b.Publish(ctx, id, "a", nil, 1, false, nil, nil); err != nil {
		t.Fatalf("first Publish() error = %v", err)
	}
	if _, err := b.Publish(ctx, id, "b", nil, 1, false, nil, nil); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("second Publish() error = %v, want ErrCapacityExceeded", err)
	}
	if n := len(b.corr.Pending(string(id), correlator.KindPublish)); n != 1 {
		t.Errorf("pending publishes = %d, want 1 (rejected publish must not stay outstanding)", n)
	}
}

func TestPublish_DropOldestFailsDroppedToken(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t)
	id, _, _ := addConnection(t, b)
	b.SetBufferPolicy(id, outbox.Policy{Enabled: true, Capacity: 1, DropOldestWhenFull: true}) //nolint:errcheck // Known connection

	first, err := b.Publish(ctx, id, "a", nil, 1, false, nil, nil)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if _, err := b.Publish(ctx, id, "b", nil, 1, false, nil, nil); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if err := first.WaitTimeout(time.Second); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("dropped token error = %v, want ErrCapacityExceeded", err)
	}
	m, err := b.BufferedMessage(id, 0)
	if err != nil || m.Topic != "b" {
		t.Errorf("BufferedMessage(0) = %q, %v; want b", m.Topic, err)
	}
}

func TestPublish_BufferDisabled(t *testing.T) {
	b := newTestBridge(t)
	id, _, _ := addConnection(t, b)
	b.SetBufferPolicy(id, outbox.Policy{Enabled: false}) //nolint:errcheck // Known connection

	_, err := b.Publish(context.Background(), id, "a", nil, 1, false, nil, nil)
	if !errors.Is(err, ErrNotConnected) || !errors.Is(err, outbox.ErrBufferDisabled) {
		t.Errorf("Publish() error = %v, want ErrNotConnected wrapping ErrBufferDisabled", err)
	}
}

func TestPublish_Validation(t *testing.T) {
	b := newTestBridge(t)
	id, _, _ := addConnection(t, b)
	ctx := context.Background()

	if _, err := b.Publish(ctx, id, "", nil, 0, false, nil, nil); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v", err)
	}
	if _, err := b.Publish(ctx, id, "a/#", nil, 0, false, nil, nil); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("wildcard topic error = %v", err)
	}
	if _, err := b.Publish(ctx, id, "a", nil, 3, false, nil, nil); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("qos 3 error = %v", err)
	}
}

func TestPublish_PayloadTooLarge(t *testing.T) {
	b := newTestBridge(t)
	id, _, _ := addConnection(t, b)

	_, err := b.Publish(context.Background(), id, "big", make([]byte, mqtt.MaxPayloadSize+1), 1, false, nil, nil)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("Publish() error = %v, want ErrPayloadTooLarge", err)
	}
	if n, _ := b.BufferedCount(id); n != 0 {
		t.Errorf("BufferedCount() = %d, want 0", n)
	}
	if n := len(b.corr.Pending(string(id), correlator.KindPublish)); n != 0 {
		t.Errorf("pending publishes = %d, want 0", n)
	}
}

func TestPublish_RefusedBufferedMessageDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t)
	id, e, _ := addConnection(t, b)
	e.refuse = func(_ string, payload []byte) error {
		if len(payload) > 4 {
			return fmt.Errorf("%w: broker limit", mqtt.ErrPublishFailed)
		}
		return nil
	}

	bad, err := b.Publish(ctx, id, "t/big", []byte("toolarge"), 1, false, nil, nil)
	if err != nil {
		t.Fatalf("Publish(t/big) error = %v", err)
	}
	good, err := b.Publish(ctx, id, "t/ok", []byte("ok"), 1, false, nil, nil)
	if err != nil {
		t.Fatalf("Publish(t/ok) error = %v", err)
	}

	connect(t, b, id)

	if err := bad.WaitTimeout(time.Second); !errors.Is(err, outbox.ErrRejected) || !errors.Is(err, mqtt.ErrPublishFailed) {
		t.Errorf("refused token error = %v, want ErrRejected wrapping ErrPublishFailed", err)
	}
	if good.Phase() != correlator.PhaseAccepted {
		t.Errorf("buffered publish after the refused one phase = %v, want accepted", good.Phase())
	}
	if n, _ := b.BufferedCount(id); n != 0 {
		t.Fatalf("BufferedCount() after flush = %d, want 0", n)
	}

	for _, topic := range []string{"t/1", "t/2", "t/3"} {
		if _, err := b.Publish(ctx, id, topic, []byte("x"), 1, false, nil, nil); err != nil {
			t.Fatalf("Publish(%s) error = %v", topic, err)
		}
	}
	if got := e.published(); !slices.Equal(got, []string{"t/ok", "t/1", "t/2", "t/3"}) {
		t.Errorf("engine publishes = %v", got)
	}
}

func TestBufferedInspectionAndDelete(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t)
	id, _, _ := addConnection(t, b)

	first, _ := b.Publish(ctx, id, "a", []byte("1"), 1, false, nil, nil) //nolint:errcheck // Fixture
	b.Publish(ctx, id, "b", []byte("2"), 2, true, nil, nil)              //nolint:errcheck // Fixture

	m, err := b.BufferedMessage(id, 1)
	if err != nil {
		t.Fatalf("BufferedMessage() error = %v", err)
	}
	if m.Topic != "b" || m.QoS != 2 || !m.Retained {
		t.Errorf("BufferedMessage(1) = %+v", m)
	}
	if _, err := b.BufferedMessage(id, 5); !errors.Is(err, outbox.ErrIndexOutOfRange) {
		t.Errorf("BufferedMessage(5) error = %v, want ErrIndexOutOfRange", err)
	}

	deleted, err := b.DeleteBufferedMessage(ctx, id, 0)
	if err != nil || deleted.Topic != "a" {
		t.Fatalf("DeleteBufferedMessage(0) = %q, %v", deleted.Topic, err)
	}
	if err := first.WaitTimeout(time.Second); !errors.Is(err, ErrBufferedMessageDeleted) {
		t.Errorf("deleted token error = %v, want ErrBufferedMessageDeleted", err)
	}
	if !correlator.IsKind(first.Err(), correlator.FailureCaller) {
		t.Errorf("deleted token failure kind = %v, want caller", first.Err())
	}
	if n, _ := b.BufferedCount(id); n != 1 {
		t.Errorf("BufferedCount() = %d, want 1", n)
	}
}

func TestPendingDeliveryTokens(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t)
	id, e, _ := addConnection(t, b)
	connect(t, b, id)

	t1, _ := b.Publish(ctx, id, "a", nil, 1, false, nil, nil) //nolint:errcheck // Fixture
	t2, _ := b.Publish(ctx, id, "b", nil, 1, false, nil, nil) //nolint:errcheck // Fixture

	toks, err := b.PendingDeliveryTokens(id)
	if err != nil {
		t.Fatalf("PendingDeliveryTokens() error = %v", err)
	}
	if len(toks) != 2 || toks[0] != t1 || toks[1] != t2 {
		t.Fatalf("PendingDeliveryTokens() = %v, want [t1 t2]", toks)
	}

	e.deliver(0, nil)
	toks, _ = b.PendingDeliveryTokens(id) //nolint:errcheck // Known connection
	if len(toks) != 1 || toks[0] != t2 {
		t.Errorf("PendingDeliveryTokens() after delivery = %v, want [t2]", toks)
	}
}

// =============================================================================
// Inbound Tests
// =============================================================================

func TestInbound_AutoAck(t *testing.T) {
	b := newTestBridge(t)
	id, e, rec := addConnection(t, b)
	connect(t, b, id)

	if err := e.arrive("sensors/#", "sensors/temp", "21.5"); err != nil {
		t.Fatalf("inbound handler error = %v", err)
	}

	waitFor(t, "delivery", func() bool { return len(rec.arrivedTopics()) == 1 })
	got := rec.snapshot().arrived[0]
	if got.ID == "" || got.Connection != string(id) || string(got.Payload) != "21.5" || got.QoS != 1 {
		t.Errorf("delivered message = %+v", got)
	}
	waitFor(t, "auto discard", func() bool { return storedCount(t, b, id) == 0 })
}

func TestInbound_ManualAck(t *testing.T) {
	b := newTestBridge(t)
	id, e, rec := addConnection(t, b, WithAckMode(AckManual))
	connect(t, b, id)

	e.arrive("", "a", "1") //nolint:errcheck // Fixture
	waitFor(t, "delivery", func() bool { return len(rec.arrivedTopics()) == 1 })

	if n := storedCount(t, b, id); n != 1 {
		t.Fatalf("stored = %d, want 1 before acknowledge", n)
	}

	msgID := rec.snapshot().arrived[0].ID
	if !b.Acknowledge(context.Background(), id, msgID) {
		t.Error("Acknowledge() = false for a stored message")
	}
	if b.Acknowledge(context.Background(), id, msgID) {
		t.Error("second Acknowledge() = true")
	}
	if n := storedCount(t, b, id); n != 0 {
		t.Errorf("stored = %d, want 0 after acknowledge", n)
	}
}

func TestInbound_ParkedUntilListenerRegistered(t *testing.T) {
	b := newTestBridge(t)
	e := newFakeEngine()
	id, err := b.AddConnection(testServerURI, "client-1", e)
	if err != nil {
		t.Fatalf("AddConnection() error = %v", err)
	}
	connect(t, b, id)

	for _, topic := range []string{"p/1", "p/2", "p/3"} {
		if err := e.arrive("", topic, topic); err != nil {
			t.Fatalf("inbound handler error = %v", err)
		}
	}
	waitFor(t, "messages parked", func() bool { return storedCount(t, b, id) == 3 })

	rec := &recorder{}
	if err := b.RegisterMessageListener(id, rec); err != nil {
		t.Fatalf("RegisterMessageListener() error = %v", err)
	}

	waitFor(t, "redelivery", func() bool { return len(rec.arrivedTopics()) == 3 })
	if got := rec.arrivedTopics(); !slices.Equal(got, []string{"p/1", "p/2", "p/3"}) {
		t.Errorf("redelivered order = %v", got)
	}
	waitFor(t, "queue drained", func() bool { return storedCount(t, b, id) == 0 })
}

func TestInbound_RejectedKeptForRedeliver(t *testing.T) {
	b := newTestBridge(t)
	id, e, rec := addConnection(t, b)
	connect(t, b, id)

	rec.setReject(errors.New("busy"))
	e.arrive("", "r/1", "x") //nolint:errcheck // Fixture

	waitFor(t, "message stored", func() bool { return storedCount(t, b, id) == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := storedCount(t, b, id); n != 1 {
		t.Fatalf("stored = %d, want 1 after rejection", n)
	}

	rec.setReject(nil)
	if err := b.Redeliver(id); err != nil {
		t.Fatalf("Redeliver() error = %v", err)
	}
	waitFor(t, "redelivery", func() bool { return len(rec.arrivedTopics()) == 1 })
	waitFor(t, "queue drained", func() bool { return storedCount(t, b, id) == 0 })
}

func TestInbound_ParkedMessagesBeforeNewerArrivals(t *testing.T) {
	b := newTestBridge(t)
	e := newFakeEngine()

	entered := make(chan struct{})
	gate := make(chan struct{})
	var mu sync.Mutex
	var seen []string
	rejectOld := true
	l := ListenerFuncs{Arrived: func(msg arrival.Message) error {
		if msg.Topic == "block" {
			close(entered)
			<-gate
		}
		mu.Lock()
		defer mu.Unlock()
		if msg.Topic == "old" && rejectOld {
			rejectOld = false
			return errors.New("busy")
		}
		seen = append(seen, msg.Topic)
		return nil
	}}
	seenTopics := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return slices.Clone(seen)
	}

	id, err := b.AddConnection(testServerURI, "client-1", e, WithListener(l))
	if err != nil {
		t.Fatalf("AddConnection() error = %v", err)
	}
	connect(t, b, id)

	e.arrive("", "old", "1") //nolint:errcheck // Fixture
	waitFor(t, "old rejected", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return !rejectOld
	})

	e.arrive("", "block", "2") //nolint:errcheck // Fixture
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("listener never saw block")
	}

	// Both a replay and a live message are pending when the listener returns.
	if err := b.Redeliver(id); err != nil {
		t.Fatalf("Redeliver() error = %v", err)
	}
	e.arrive("", "new", "3") //nolint:errcheck // Fixture
	close(gate)

	waitFor(t, "all delivered", func() bool { return len(seenTopics()) == 3 })
	if got := seenTopics(); !slices.Equal(got, []string{"block", "old", "new"}) {
		t.Errorf("delivery order = %v, want [block old new]", got)
	}
	waitFor(t, "queue drained", func() bool { return storedCount(t, b, id) == 0 })
}

func TestInbound_StorageFailureWithholdsAck(t *testing.T) {
	b, _ := newTestBridgeWithConfig(t, testConfig(), openTestDB(t, false))
	id, e, rec := addConnection(t, b)
	connect(t, b, id)

	err := e.arrive("", "a", "x")
	if !errors.Is(err, ErrStorageFailure) {
		t.Fatalf("inbound handler error = %v, want ErrStorageFailure", err)
	}
	time.Sleep(20 * time.Millisecond)
	if len(rec.arrivedTopics()) != 0 {
		t.Error("listener saw a message that was not stored")
	}
}

// =============================================================================
// Subscribe Tests
// =============================================================================

func TestSubscribe_PerFilterListener(t *testing.T) {
	b := newTestBridge(t)
	id, e, rec := addConnection(t, b)
	connect(t, b, id)

	var mu sync.Mutex
	var routed []string
	tok, err := b.Subscribe(id, []TopicFilter{
		{Topic: "alarms/+", QoS: 2, OnMessage: func(msg arrival.Message) error {
			mu.Lock()
			routed = append(routed, msg.Topic)
			mu.Unlock()
			return nil
		}},
		{Topic: "sensors/#", QoS: 1},
	}, nil, nil)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := tok.WaitTimeout(time.Second); err != nil {
		t.Fatalf("token error = %v", err)
	}
	if !slices.Equal(tok.Topics(), []string{"alarms/+", "sensors/#"}) {
		t.Errorf("token topics = %v", tok.Topics())
	}
	if e.subscriptions["alarms/+"] != 2 || e.subscriptions["sensors/#"] != 1 {
		t.Errorf("engine subscriptions = %v", e.subscriptions)
	}

	e.arrive("alarms/+", "alarms/door", "open")   //nolint:errcheck // Fixture
	e.arrive("sensors/#", "sensors/temp", "21.5") //nolint:errcheck // Fixture

	waitFor(t, "both deliveries", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(routed) == 1 && len(rec.arrivedTopics()) == 1
	})
	if routed[0] != "alarms/door" || rec.arrivedTopics()[0] != "sensors/temp" {
		t.Errorf("routed=%v listener=%v", routed, rec.arrivedTopics())
	}

	unsub, err := b.Unsubscribe(id, []string{"alarms/+"}, nil, nil)
	if err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if err := unsub.WaitTimeout(time.Second); err != nil {
		t.Fatalf("unsubscribe token error = %v", err)
	}
	if got := b.Connections()[0].Filters; !slices.Equal(got, []string{"sensors/#"}) {
		t.Errorf("filters after unsubscribe = %v", got)
	}
}

func TestSubscribe_FailureRollsBackFilters(t *testing.T) {
	b := newTestBridge(t)
	id, e, _ := addConnection(t, b)
	connect(t, b, id)
	e.subscribeErr = errors.New("not authorised")

	tok, err := b.Subscribe(id, []TopicFilter{{Topic: "secret/#", QoS: 1}}, nil, nil)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := tok.WaitTimeout(time.Second); err == nil {
		t.Fatal("token succeeded for a refused subscribe")
	}
	if got := b.Connections()[0].Filters; len(got) != 0 {
		t.Errorf("filters = %v, want none", got)
	}
}

func TestSubscribe_NotConnected(t *testing.T) {
	b := newTestBridge(t)
	id, _, _ := addConnection(t, b)

	if _, err := b.Subscribe(id, []TopicFilter{{Topic: "a"}}, nil, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
	}
	if _, err := b.Subscribe(id, []TopicFilter{{Topic: "a/#/b"}}, nil, nil); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe() bad filter error = %v, want ErrInvalidTopic", err)
	}
}

// =============================================================================
// Liveness Tests
// =============================================================================

func TestConnectionLost_NotifiesOnceAndBuffers(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t)
	id, e, rec := addConnection(t, b)
	connect(t, b, id)

	cause := errors.New("EOF")
	e.drop(cause)
	b.Controller().OnReachabilityLost()

	got := rec.snapshot().lost
	if len(got) != 1 || !errors.Is(got[0], cause) {
		t.Fatalf("ConnectionLost calls = %v, want [EOF]", got)
	}
	if s := b.Controller().State(string(id)); s != reconnect.StateOfflineBuffering {
		t.Errorf("state = %v, want offline_buffering", s)
	}

	if _, err := b.Publish(ctx, id, "while/offline", nil, 1, false, nil, nil); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if n, _ := b.BufferedCount(id); n != 1 {
		t.Errorf("BufferedCount() = %d, want 1", n)
	}
}

func TestReachability_LostThenRegainedReconnects(t *testing.T) {
	b := newTestBridge(t)
	id, e, rec := addConnection(t, b, WithCleanSession(true))
	connect(t, b, id)

	tok, _ := b.Subscribe(id, []TopicFilter{{Topic: "a/#", QoS: 1}}, nil, nil) //nolint:errcheck // Fixture
	tok.WaitTimeout(time.Second)                                               //nolint:errcheck // Fixture

	b.Controller().OnReachabilityLost()
	if got := rec.snapshot().lost; len(got) != 1 || got[0] != nil {
		t.Fatalf("ConnectionLost calls = %v, want [nil]", got)
	}

	if n := b.Controller().OnReachabilityRegained(context.Background()); n != 1 {
		t.Fatalf("OnReachabilityRegained() started %d attempts, want 1", n)
	}

	if !b.IsConnected(id) {
		t.Error("not connected after reachability regained")
	}
	if e.connects != 2 {
		t.Errorf("engine connects = %d, want 2", e.connects)
	}
	if got := rec.snapshot().connected; !slices.Equal(got, []bool{false, true}) {
		t.Errorf("ConnectComplete calls = %v, want [false true]", got)
	}
	if e.subscribes != 2 {
		t.Errorf("engine subscribes = %d, want 2 (clean session restored)", e.subscribes)
	}
}

func TestReconnect_FlushesBufferedPublishes(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t)
	id, e, _ := addConnection(t, b)
	connect(t, b, id)

	e.drop(errors.New("EOF"))
	tok, err := b.Publish(ctx, id, "queued", nil, 1, false, nil, nil)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	b.Controller().OnReachabilityRegained(ctx)

	if got := e.published(); !slices.Equal(got, []string{"queued"}) {
		t.Fatalf("published after reconnect = %v", got)
	}
	e.deliver(0, nil)
	if err := tok.WaitTimeout(time.Second); err != nil {
		t.Errorf("token error = %v", err)
	}
}

func TestKeepalive_PingsOnInterval(t *testing.T) {
	mock := clock.NewMock()
	cfg := testConfig()
	cfg.KeepAliveInterval = 30 * time.Second
	b, _ := newTestBridgeWithConfig(t, cfg, openTestDB(t, true))
	b.SetClock(mock)

	id, e, _ := addConnection(t, b)
	connect(t, b, id)
	c, _ := b.conn(id) //nolint:errcheck // Known connection

	mock.Add(30 * time.Second)
	waitFor(t, "first ping", func() bool { return e.pingCount() == 1 })
	if !c.lock.Held() {
		t.Error("wake lock not held while ping outstanding")
	}

	e.mu.Lock()
	done := e.pings[0]
	e.mu.Unlock()
	done(nil)

	waitFor(t, "wake lock release", func() bool { return !c.lock.Held() })
	if n := len(b.corr.Pending(string(id), correlator.KindPing)); n != 0 {
		t.Errorf("pending pings = %d, want 0", n)
	}
}

type keepaliveStats struct {
	identity string
	acquired int
	heldFor  time.Duration
}

type telemetryRecorder struct {
	noopTelemetry
	mu        sync.Mutex
	keepalive []keepaliveStats
}

func (r *telemetryRecorder) WriteKeepalive(identity string, acquired int, heldFor time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keepalive = append(r.keepalive, keepaliveStats{identity, acquired, heldFor})
}

func (r *telemetryRecorder) keepaliveStats() []keepaliveStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.keepalive)
}

func TestKeepalive_WritesLockStatsAfterPing(t *testing.T) {
	mock := clock.NewMock()
	cfg := testConfig()
	cfg.KeepAliveInterval = 30 * time.Second
	b, _ := newTestBridgeWithConfig(t, cfg, openTestDB(t, true))
	b.SetClock(mock)
	tel := &telemetryRecorder{}
	b.SetTelemetry(tel)

	id, e, _ := addConnection(t, b)
	connect(t, b, id)

	mock.Add(30 * time.Second)
	waitFor(t, "first ping", func() bool { return e.pingCount() == 1 })
	if got := tel.keepaliveStats(); len(got) != 0 {
		t.Fatalf("keepalive stats before ping completed = %v", got)
	}

	e.mu.Lock()
	done := e.pings[0]
	e.mu.Unlock()
	done(nil)

	waitFor(t, "keepalive stats", func() bool { return len(tel.keepaliveStats()) == 1 })
	got := tel.keepaliveStats()[0]
	if got.identity != string(id) || got.acquired != 1 {
		t.Errorf("keepalive stats = %+v, want identity %s acquired 1", got, id)
	}
}

func TestKeepalive_StoppedOnConnectionLoss(t *testing.T) {
	mock := clock.NewMock()
	cfg := testConfig()
	cfg.KeepAliveInterval = 30 * time.Second
	b, _ := newTestBridgeWithConfig(t, cfg, openTestDB(t, true))
	b.SetClock(mock)

	id, e, _ := addConnection(t, b)
	connect(t, b, id)
	c, _ := b.conn(id) //nolint:errcheck // Known connection

	mock.Add(30 * time.Second)
	waitFor(t, "first ping", func() bool { return e.pingCount() == 1 })

	e.drop(errors.New("EOF"))
	if c.lock.Held() {
		t.Error("wake lock still held after connection loss")
	}
	if c.keepalive.Running() {
		t.Error("keepalive still running after connection loss")
	}
}

// =============================================================================
// Disconnect / Close Tests
// =============================================================================

func TestDisconnect_TokenThenConnectionLost(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t)
	id, _, rec := addConnection(t, b)
	connect(t, b, id)

	pending, _ := b.Publish(ctx, id, "in/flight", nil, 1, false, nil, nil) //nolint:errcheck // Fixture

	tok, err := b.Disconnect(id, 10*time.Millisecond, nil, correlator.ListenerFuncs{
		Success: func(*correlator.Token) { rec.record("disconnected") },
	})
	if err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if err := tok.WaitTimeout(time.Second); err != nil {
		t.Fatalf("token error = %v", err)
	}

	if got := rec.snapshot().events; !slices.Equal(got, []string{"disconnected", "lost"}) {
		t.Errorf("events = %v, want [disconnected lost]", got)
	}
	if got := rec.snapshot().lost; got[0] != nil {
		t.Errorf("ConnectionLost cause = %v, want nil", got[0])
	}
	if err := pending.WaitTimeout(time.Second); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("outstanding publish error = %v, want ErrConnectionClosed", err)
	}
	if _, err := b.Connect(id, nil, nil); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("Connect() after disconnect error = %v, want ErrUnknownConnection", err)
	}
}

func TestCloseConnection(t *testing.T) {
	b := newTestBridge(t)
	id, e, rec := addConnection(t, b)
	connect(t, b, id)

	if err := b.CloseConnection(id); err != nil {
		t.Fatalf("CloseConnection() error = %v", err)
	}
	if !e.closed {
		t.Error("engine not closed")
	}
	if len(rec.snapshot().lost) != 0 {
		t.Error("ConnectionLost called by CloseConnection")
	}
	if len(b.Connections()) != 0 {
		t.Error("connection still listed")
	}
}

func TestClose_FailsOutstandingOperations(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t)
	id, e, _ := addConnection(t, b)
	connect(t, b, id)

	tok, _ := b.Publish(ctx, id, "a", nil, 1, false, nil, nil) //nolint:errcheck // Fixture

	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := tok.WaitTimeout(time.Second); !correlator.IsKind(err, correlator.FailureConnectionClosed) {
		t.Errorf("token error = %v, want connection_closed failure", err)
	}
	if e.disconnects != 1 {
		t.Errorf("engine disconnects = %d, want 1", e.disconnects)
	}
	if _, err := b.Publish(ctx, id, "a", nil, 0, false, nil, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish() after Close error = %v, want ErrClosed", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestSetTrace(t *testing.T) {
	b := newTestBridge(t)
	id, _, _ := addConnection(t, b)

	if err := b.SetTrace(id, true); err != nil {
		t.Fatalf("SetTrace() error = %v", err)
	}
	if err := b.SetTrace("nope", true); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("SetTrace(unknown) error = %v, want ErrUnknownConnection", err)
	}
}

func TestParseAckMode(t *testing.T) {
	tests := []struct {
		in      string
		want    AckMode
		wantErr bool
	}{
		{"auto", AckAuto, false},
		{"", AckAuto, false},
		{"MANUAL", AckManual, false},
		{"sometimes", AckAuto, true},
	}
	for _, tt := range tests {
		got, err := ParseAckMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseAckMode(%q) = %v, %v", tt.in, got, err)
		}
	}
}
