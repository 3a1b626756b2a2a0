package bridge

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/nerrad567/mqttbridge/internal/arrival"
	"github.com/nerrad567/mqttbridge/internal/correlator"
	"github.com/nerrad567/mqttbridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/mqttbridge/internal/keepalive"
	"github.com/nerrad567/mqttbridge/internal/outbox"
	"github.com/nerrad567/mqttbridge/internal/reconnect"
)

// Logger is the logging interface used by the bridge. It is handed down
// to the correlator, the reconnection controller and every keepalive
// scheduler.
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

// Config configures a Bridge.
type Config struct {
	// AppID is the last component of every connection identity.
	AppID string

	// KeepAliveInterval is the default keepalive ping period. 0 disables.
	KeepAliveInterval time.Duration

	// QuiesceTimeout is the disconnect quiesce used by Close, and
	// OperationTimeout bounds how long Close waits for each disconnect.
	QuiesceTimeout   time.Duration
	OperationTimeout time.Duration

	Reconnect reconnect.Settings

	// DeliveryBacklog is the per-connection delivery queue length.
	DeliveryBacklog int
}

// ConnectionInfo describes one logical connection.
type ConnectionInfo struct {
	Identity  Identity
	ServerURI string
	ClientID  string
	State     reconnect.State
	AckMode   AckMode
	Buffered  int
	Filters   []string
}

// Bridge owns the logical connections and every component behind them:
// the operation correlator, the durable arrival queue, the keepalive
// schedulers, the reconnection controller and the publish buffer.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Engine callbacks may arrive on any goroutine.
type Bridge struct {
	cfg    Config
	corr   *correlator.Correlator
	queue  *arrival.Queue
	buffer *outbox.Buffer
	ctrl   *reconnect.Controller

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	conns  map[Identity]*connection
	closed bool

	clock     clock.Clock
	telemetry Telemetry
	logger    Logger
}

// New creates a bridge over an opened arrival queue and publish buffer.
// Close closes the queue.
func New(cfg Config, queue *arrival.Queue, buffer *outbox.Buffer) *Bridge {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:       cfg,
		corr:      correlator.New(),
		queue:     queue,
		buffer:    buffer,
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[Identity]*connection),
		clock:     clock.New(),
		telemetry: noopTelemetry{},
		logger:    noopLogger{},
	}
	b.ctrl = reconnect.New(b, cfg.Reconnect)
	return b
}

// SetLogger sets the logger. Call before AddConnection.
func (b *Bridge) SetLogger(logger Logger) {
	b.logger = logger
	b.corr.SetLogger(logger)
	b.ctrl.SetLogger(logger)
}

// SetClock sets the clock for keepalive and reconnect timing. Call before
// AddConnection.
func (b *Bridge) SetClock(c clock.Clock) {
	b.clock = c
	b.ctrl.SetClock(c)
}

// SetTelemetry sets the event sink. Call before AddConnection.
func (b *Bridge) SetTelemetry(t Telemetry) {
	b.telemetry = t
}

// Controller returns the reconnection controller, for wiring reachability
// signals and running its retry sweep.
func (b *Bridge) Controller() *reconnect.Controller {
	return b.ctrl
}

// AddConnection registers a logical connection driven by engine and
// returns its identity. Adding an identity that already exists returns it
// unchanged and leaves engine unused.
func (b *Bridge) AddConnection(serverURI, clientID string, engine Engine, opts ...Option) (Identity, error) {
	if serverURI == "" || clientID == "" {
		return "", errors.New("server URI and client ID are required")
	}
	id := MakeIdentity(serverURI, clientID, b.cfg.AppID)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrClosed
	}
	if _, ok := b.conns[id]; ok {
		return id, nil
	}

	c := newConnection(id, serverURI, clientID, engine, b.cfg.DeliveryBacklog)
	c.keepAlive = b.cfg.KeepAliveInterval
	for _, opt := range opts {
		opt(c)
	}

	c.lock = keepalive.NewTrackingLock(b.clock)
	c.keepalive = keepalive.New(keepalive.PingerFunc(func(done func(error)) bool {
		return b.ping(c, done)
	}), c.lock, b.clock)
	c.keepalive.SetLogger(b.logger)

	engine.SetInboundHandler(func(in mqtt.Inbound) error {
		return b.handleInbound(c, in)
	})
	engine.SetConnectionLostHandler(func(err error) {
		b.handleConnectionLost(c, err)
	})
	b.ctrl.Track(string(id), func(error) {
		b.handleNetworkLost(c)
	})

	b.conns[id] = c
	b.wg.Add(1)
	go b.deliverLoop(c)

	b.logger.Info("connection added", "identity", id, "ack_mode", c.ackMode.String())
	return id, nil
}

func (b *Bridge) conn(id Identity) (*connection, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrClosed
	}
	c, ok := b.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	return c, nil
}

// Connect starts connecting id. The token completes when the attempt
// succeeds or fails. Connecting an already connected identity returns a
// token that is already complete.
func (b *Bridge) Connect(id Identity, userCtx any, l correlator.Listener) (*correlator.Token, error) {
	c, err := b.conn(id)
	if err != nil {
		return nil, err
	}

	op := correlator.Operation{
		Kind:        correlator.KindConnect,
		Connection:  string(id),
		UserContext: userCtx,
		Listener:    l,
	}

	if !b.ctrl.Transition(string(id), reconnect.StateConnecting, reconnect.StateDisconnected, reconnect.StateOfflineBuffering) {
		if b.ctrl.State(string(id)) != reconnect.StateConnected {
			return nil, ErrConnectInProgress
		}
		tok, err := b.corr.Issue(op)
		if err != nil {
			return nil, err
		}
		b.corr.Complete(tok.Handle(), nil) //nolint:errcheck // Just issued
		return tok, nil
	}

	tok, err := b.corr.Issue(op)
	if err != nil {
		b.ctrl.SetState(string(id), reconnect.StateDisconnected)
		return nil, err
	}

	b.dial(c, tok.Handle(), false)
	return tok, nil
}

// Reconnect implements reconnect.Reconnector.
func (b *Bridge) Reconnect(identity string) {
	c, err := b.conn(Identity(identity))
	if err != nil {
		b.ctrl.ConnectFailed(identity, err)
		return
	}
	b.dial(c, 0, true)
}

// dial runs one connect attempt. h is the caller's connect token, 0 for
// automatic reconnects.
func (b *Bridge) dial(c *connection, h correlator.Handle, reconnecting bool) {
	b.trace(c, "connecting", "reconnect", reconnecting)
	c.engine.Connect(func(err error) {
		if err != nil {
			b.connectFailed(c, h, err)
			return
		}
		b.connectSucceeded(c, h, reconnecting)
	})
}

func (b *Bridge) connectFailed(c *connection, h correlator.Handle, err error) {
	b.ctrl.ConnectFailed(string(c.id), err)
	b.telemetry.WriteConnectionEvent(string(c.id), "connect_failed")
	b.logger.Warn("connect failed", "identity", c.id, "error", err)
	if h != 0 {
		b.corr.Complete(h, err) //nolint:errcheck // Unknown only if failed by Close
	}
}

func (b *Bridge) connectSucceeded(c *connection, h correlator.Handle, reconnecting bool) {
	if c.removed.Load() {
		c.engine.Close()
		if h != 0 {
			b.corr.Complete(h, ErrConnectionClosed) //nolint:errcheck // Already failed by removal
		}
		return
	}

	id := string(c.id)
	b.ctrl.Expect(id, true)
	b.ctrl.ConnectSucceeded(id)
	c.markOnline()

	if h != 0 {
		b.corr.Complete(h, nil) //nolint:errcheck // Unknown only if failed by Close
	}

	if reconnecting && c.cleanSession {
		b.resubscribe(c)
	}
	b.startKeepalive(c)
	b.flush(c)

	b.telemetry.WriteConnectionEvent(id, "connected")
	b.logger.Info("connected", "identity", c.id, "reconnect", reconnecting)

	if l := c.getListener(); l != nil {
		b.safely(c, "ConnectComplete", func() { l.ConnectComplete(reconnecting, c.serverURI) })
	}
}

// Disconnect disconnects id after letting in-flight work finish for up to
// quiesce, then removes the connection. The token completes first; the
// listener then gets ConnectionLost(nil). Operations still outstanding
// fail with ErrConnectionClosed.
func (b *Bridge) Disconnect(id Identity, quiesce time.Duration, userCtx any, l correlator.Listener) (*correlator.Token, error) {
	c, err := b.conn(id)
	if err != nil {
		return nil, err
	}

	tok, err := b.corr.Issue(correlator.Operation{
		Kind:        correlator.KindDisconnect,
		Connection:  string(id),
		UserContext: userCtx,
		Listener:    l,
	})
	if err != nil {
		return nil, err
	}

	b.ctrl.Expect(string(id), false)
	b.stopKeepalive(c)

	h := tok.Handle()
	c.engine.Disconnect(quiesce, func(err error) {
		b.corr.Complete(h, err) //nolint:errcheck // Unknown only if failed by Close
		listener := c.getListener()
		b.remove(c)
		b.telemetry.WriteConnectionEvent(string(id), "disconnected")
		b.logger.Info("disconnected", "identity", id)
		if listener != nil {
			b.safely(c, "ConnectionLost", func() { listener.ConnectionLost(nil) })
		}
	})
	return tok, nil
}

// CloseConnection drops id immediately without a graceful disconnect.
func (b *Bridge) CloseConnection(id Identity) error {
	c, err := b.conn(id)
	if err != nil {
		return err
	}
	c.engine.Close()
	b.remove(c)
	b.logger.Info("connection closed", "identity", id)
	return nil
}

// remove forgets c and fails its outstanding operations. Buffered
// publishes stay in the publish buffer.
func (b *Bridge) remove(c *connection) {
	b.mu.Lock()
	if b.conns[c.id] == c {
		delete(b.conns, c.id)
	}
	b.mu.Unlock()

	c.removed.Store(true)
	c.markOffline()
	c.keepalive.Stop()
	b.ctrl.Untrack(string(c.id))
	c.shutdown()

	if n := b.corr.FailConnection(string(c.id), nil); n > 0 {
		b.logger.Debug("failed outstanding operations", "identity", c.id, "count", n)
	}
}

// Close disconnects every connection, fails every outstanding operation
// with ErrConnectionClosed and closes the arrival queue.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conns := make([]*connection, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	var errs error
	for _, c := range conns {
		c.keepalive.Stop()
		if c.engine.IsConnected() {
			errs = multierr.Append(errs, b.disconnectAndWait(c))
		}
		c.engine.Close()
		b.remove(c)
	}

	b.corr.Close()
	b.cancel()
	b.wg.Wait()

	if b.queue != nil {
		errs = multierr.Append(errs, b.queue.Close())
	}
	return errs
}

func (b *Bridge) disconnectAndWait(c *connection) error {
	done := make(chan error, 1)
	c.engine.Disconnect(b.cfg.QuiesceTimeout, func(err error) { done <- err })

	timer := b.clock.Timer(b.cfg.OperationTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("disconnecting %s: %w", c.id, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("disconnecting %s: %w", c.id, ErrTimeout)
	}
}

// IsConnected reports whether id is connected.
func (b *Bridge) IsConnected(id Identity) bool {
	if _, err := b.conn(id); err != nil {
		return false
	}
	return b.ctrl.State(string(id)) == reconnect.StateConnected
}

// Connections describes every logical connection, ordered by identity.
func (b *Bridge) Connections() []ConnectionInfo {
	b.mu.RLock()
	conns := make([]*connection, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		filters := c.filterSnapshot()
		names := make([]string, 0, len(filters))
		for f := range filters {
			names = append(names, f)
		}
		slices.Sort(names)
		out = append(out, ConnectionInfo{
			Identity:  c.id,
			ServerURI: c.serverURI,
			ClientID:  c.clientID,
			State:     b.ctrl.State(string(c.id)),
			AckMode:   c.ackMode,
			Buffered:  b.buffer.Count(string(c.id)),
			Filters:   names,
		})
	}
	slices.SortFunc(out, func(x, y ConnectionInfo) int {
		return cmp.Compare(x.Identity, y.Identity)
	})
	return out
}

// SetTrace switches per-connection operation tracing on or off. Traced
// events are logged at info level with trace=true.
func (b *Bridge) SetTrace(id Identity, enabled bool) error {
	c, err := b.conn(id)
	if err != nil {
		return err
	}
	c.trace.Store(enabled)
	return nil
}

func (b *Bridge) trace(c *connection, msg string, args ...any) {
	if !c.trace.Load() {
		return
	}
	b.logger.Info(msg, append([]any{"identity", c.id, "trace", true}, args...)...)
}

// safely runs a listener callback, containing panics.
func (b *Bridge) safely(c *connection, callback string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic in connection listener",
				"identity", c.id,
				"callback", callback,
				"panic", r,
			)
		}
	}()
	fn()
}

func (b *Bridge) recordDepth(c *connection) {
	arrived, err := b.queue.Count(b.ctx, string(c.id))
	if err != nil {
		return
	}
	b.telemetry.WriteQueueDepth(string(c.id), arrived, b.buffer.Count(string(c.id)))
}
