package bridge

import (
	"fmt"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/mqttbridge/internal/arrival"
	"github.com/nerrad567/mqttbridge/internal/keepalive"
)

// Identity names one logical connection: "<serverURI>:<clientID>:<appID>".
type Identity string

// MakeIdentity builds the identity of a connection.
func MakeIdentity(serverURI, clientID, appID string) Identity {
	return Identity(fmt.Sprintf("%s:%s:%s", serverURI, clientID, appID))
}

// AckMode selects who removes a delivered message from the durable queue.
type AckMode int

const (
	// AckAuto discards a message once the listener returns nil.
	AckAuto AckMode = iota
	// AckManual keeps every message until Acknowledge is called.
	AckManual
)

func (m AckMode) String() string {
	if m == AckManual {
		return "manual"
	}
	return "auto"
}

// ParseAckMode parses "auto" or "manual", case-insensitively.
func ParseAckMode(s string) (AckMode, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return AckAuto, nil
	case "manual":
		return AckManual, nil
	default:
		return AckAuto, fmt.Errorf("invalid ack mode %q", s)
	}
}

// Option configures a connection added with AddConnection.
type Option func(*connection)

// WithAckMode sets the acknowledgement mode. The default is AckAuto.
func WithAckMode(m AckMode) Option {
	return func(c *connection) { c.ackMode = m }
}

// WithCleanSession tells the bridge the broker forgets subscriptions on
// reconnect, so they are restored after every automatic reconnect.
func WithCleanSession(clean bool) Option {
	return func(c *connection) { c.cleanSession = clean }
}

// WithKeepAlive overrides the bridge's keepalive interval for this
// connection. Zero or negative disables the keepalive ping.
func WithKeepAlive(d time.Duration) Option {
	return func(c *connection) { c.keepAlive = d }
}

// WithListener registers the connection listener up front.
func WithListener(l Listener) Option {
	return func(c *connection) { c.listener = l }
}

// deliveryBacklog is the default number of stored messages queued for the
// delivery goroutine before new arrivals are parked in the durable queue.
const deliveryBacklog = 256

// connection is the bridge-side state of one logical connection.
type connection struct {
	id        Identity
	serverURI string
	clientID  string
	engine    Engine

	ackMode      AckMode
	cleanSession bool
	keepAlive    time.Duration

	// pubMu is the publish gate: held while deciding between dispatch and
	// buffering, and for the whole of a flush, so no new publish overtakes
	// a buffered one.
	pubMu sync.Mutex

	mu       sync.Mutex
	listener Listener
	filters  map[string]TopicFilter
	online   bool
	inflight map[string]struct{}

	trace   atomic.Bool
	removed atomic.Bool

	lock      *keepalive.TrackingLock
	keepalive *keepalive.Scheduler

	deliveries chan arrival.Message
	replay     chan struct{}
	overflow   atomic.Bool
	stop       chan struct{}
	stopOnce   sync.Once
}

func newConnection(id Identity, serverURI, clientID string, engine Engine, backlog int) *connection {
	if backlog <= 0 {
		backlog = deliveryBacklog
	}
	return &connection{
		id:         id,
		serverURI:  serverURI,
		clientID:   clientID,
		engine:     engine,
		filters:    make(map[string]TopicFilter),
		inflight:   make(map[string]struct{}),
		deliveries: make(chan arrival.Message, backlog),
		replay:     make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
}

func (c *connection) getListener() Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

func (c *connection) setListener(l Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

// markOnline records that the connection is up and reports whether it was
// down before.
func (c *connection) markOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.online
	c.online = true
	return !was
}

// markOffline records that the connection is down and reports whether it
// was up before, so one outage yields one ConnectionLost.
func (c *connection) markOffline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.online
	c.online = false
	return was
}

// offer queues msg for delivery without blocking. A message already queued
// or being delivered is not queued twice. When the backlog is full the
// message stays parked in the durable queue and a replay is requested.
func (c *connection) offer(msg arrival.Message) bool {
	c.mu.Lock()
	if _, busy := c.inflight[msg.ID]; busy {
		c.mu.Unlock()
		return false
	}
	c.inflight[msg.ID] = struct{}{}
	c.mu.Unlock()

	select {
	case c.deliveries <- msg:
		return true
	default:
		c.release(msg.ID)
		c.overflow.Store(true)
		return false
	}
}

// claim marks id as being delivered by a replay. It reports false when the
// message is already queued.
func (c *connection) claim(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[id]; busy {
		return false
	}
	c.inflight[id] = struct{}{}
	return true
}

func (c *connection) release(id string) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
}

func (c *connection) requestReplay() {
	select {
	case c.replay <- struct{}{}:
	default:
	}
}

// filterSnapshot copies the subscribed filters.
func (c *connection) filterSnapshot() map[string]TopicFilter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.filters)
}

func (c *connection) shutdown() {
	c.stopOnce.Do(func() { close(c.stop) })
}
