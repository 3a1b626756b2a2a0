package mqtt

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/mqttbridge/internal/infrastructure/config"
)

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Error(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Inbound is a message received from the broker.
type Inbound struct {
	// Filter is the subscription filter that routed the message, or empty
	// when it arrived without a matching route (for example redelivery of a
	// persistent session before subscriptions were restored).
	Filter    string
	Topic     string
	Payload   []byte
	QoS       byte
	Retained  bool
	Duplicate bool
}

// InboundHandler receives inbound messages. A nil return acknowledges the
// message to the broker; an error withholds the acknowledgement so the
// broker redelivers it.
//
// Handlers are invoked sequentially on paho's router goroutine.
// They must not block on other engine operations.
type InboundHandler func(in Inbound) error

// Engine is the network engine of one logical connection. It wraps a
// paho client and reports every outcome through callbacks instead of
// blocking the caller.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Callbacks run on engine goroutines, never on the caller's.
type Engine struct {
	client   pahomqtt.Client
	clientID string
	status   string

	connected atomic.Bool

	// closed is closed by Close so deliveries still waiting are released.
	closed    chan struct{}
	closeOnce sync.Once

	handlerMu sync.RWMutex
	onInbound InboundHandler
	onLost    func(err error)

	logger   Logger
	loggerMu sync.RWMutex
}

// NewEngine creates a disconnected engine for one configured connection.
func NewEngine(cfg config.ConnectionConfig) *Engine {
	e := &Engine{
		clientID: cfg.Broker.ClientID,
		status:   statusTopic(cfg),
		closed:   make(chan struct{}),
		logger:   noopLogger{},
	}

	opts := buildClientOptions(cfg)
	configureLWT(opts, e.status, cfg.Broker.ClientID)

	opts.SetDefaultPublishHandler(func(_ pahomqtt.Client, msg pahomqtt.Message) {
		e.handleMessage("", msg)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		e.handleConnectionLost(err)
	})

	e.client = pahomqtt.NewClient(opts)
	return e
}

// SetLogger sets a logger for error and panic logging.
func (e *Engine) SetLogger(logger Logger) {
	e.loggerMu.Lock()
	e.logger = logger
	e.loggerMu.Unlock()
}

func (e *Engine) getLogger() Logger {
	e.loggerMu.RLock()
	defer e.loggerMu.RUnlock()
	return e.logger
}

// SetInboundHandler sets the handler that receives every inbound message.
// Messages arriving while no handler is set are not acknowledged.
func (e *Engine) SetInboundHandler(h InboundHandler) {
	e.handlerMu.Lock()
	e.onInbound = h
	e.handlerMu.Unlock()
}

// SetConnectionLostHandler sets a callback invoked when an established
// connection drops. It is not called for Disconnect or Close.
func (e *Engine) SetConnectionLostHandler(h func(err error)) {
	e.handlerMu.Lock()
	e.onLost = h
	e.handlerMu.Unlock()
}

// Connect starts a connection attempt and reports its outcome to done.
// A stale session is dropped first so a reconnect after a silent network
// loss starts from a fresh socket.
func (e *Engine) Connect(done func(err error)) {
	go func() {
		if e.client.IsConnected() {
			e.client.Disconnect(0)
		}
		e.connected.Store(false)

		token := e.client.Connect()
		if !token.WaitTimeout(defaultConnectTimeout + time.Second) {
			done(fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout))
			return
		}
		if err := token.Error(); err != nil {
			done(fmt.Errorf("%w: %w", ErrConnectionFailed, err))
			return
		}

		e.connected.Store(true)
		e.publishStatus(buildOnlinePayload(e.clientID))
		done(nil)
	}()
}

// Disconnect publishes a graceful offline status and closes the session,
// giving in-flight work up to quiesce to finish. done may be nil.
func (e *Engine) Disconnect(quiesce time.Duration, done func(err error)) {
	go func() {
		e.disconnect(quiesce)
		if done != nil {
			done(nil)
		}
	}()
}

func (e *Engine) disconnect(quiesce time.Duration) {
	if e.IsConnected() {
		e.publishStatus(buildOfflinePayload(e.clientID))
	}
	e.connected.Store(false)
	if e.client.IsConnectionOpen() {
		// #nosec G115 -- quiesce is a small positive duration
		e.client.Disconnect(uint(quiesce.Milliseconds()))
	}
}

// Close disconnects immediately and releases deliveries still waiting.
// The engine cannot be reused after Close.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
	})
	e.disconnect(0)
}

// IsConnected returns the current connection state.
func (e *Engine) IsConnected() bool {
	return e.connected.Load() && e.client.IsConnectionOpen()
}

// Ping publishes a QoS 1 heartbeat to the status heartbeat topic; its
// PUBACK proves the broker is reachable end to end. It returns false
// without calling done when no ping could be sent.
func (e *Engine) Ping(done func(err error)) bool {
	if !e.IsConnected() {
		return false
	}

	token := e.client.Publish(Topics{}.Heartbeat(e.status), 1, false, buildHeartbeatPayload(e.clientID, time.Now()))
	go func() {
		if !token.WaitTimeout(defaultPublishTimeout) {
			done(fmt.Errorf("%w: heartbeat not acknowledged after %v", ErrTimeout, defaultPublishTimeout))
			return
		}
		done(token.Error())
	}()
	return true
}

// publishStatus publishes a retained status message and waits briefly.
func (e *Engine) publishStatus(payload string) {
	token := e.client.Publish(e.status, 1, true, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		e.getLogger().Warn("status publish not acknowledged", "topic", e.status)
		return
	}
	if err := token.Error(); err != nil {
		e.getLogger().Warn("status publish failed", "topic", e.status, "error", err)
	}
}

// handleConnectionLost is called by paho when the connection drops.
func (e *Engine) handleConnectionLost(err error) {
	e.connected.Store(false)

	e.handlerMu.RLock()
	callback := e.onLost
	e.handlerMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// handleMessage passes msg to the inbound handler and acknowledges it
// only when the handler accepted it. Panics are contained.
func (e *Engine) handleMessage(filter string, msg pahomqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			e.getLogger().Error("MQTT handler panic recovered",
				"topic", msg.Topic(),
				"panic", r,
			)
		}
	}()

	e.handlerMu.RLock()
	handler := e.onInbound
	e.handlerMu.RUnlock()

	if handler == nil {
		e.getLogger().Warn("inbound message with no handler, not acknowledged",
			"topic", msg.Topic(),
		)
		return
	}

	err := handler(Inbound{
		Filter:    filter,
		Topic:     msg.Topic(),
		Payload:   msg.Payload(),
		QoS:       msg.Qos(),
		Retained:  msg.Retained(),
		Duplicate: msg.Duplicate(),
	})
	if err != nil {
		e.getLogger().Error("inbound message rejected, acknowledgement withheld",
			"topic", msg.Topic(),
			"error", err,
		)
		return
	}
	msg.Ack()
}
