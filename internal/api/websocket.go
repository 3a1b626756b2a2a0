package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/mqttbridge/internal/arrival"
	"github.com/nerrad567/mqttbridge/internal/bridge"
	"github.com/nerrad567/mqttbridge/internal/correlator"
	"github.com/nerrad567/mqttbridge/internal/infrastructure/config"
	"github.com/nerrad567/mqttbridge/internal/infrastructure/logging"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypeAck         = "ack"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256

	// wsAckTimeout bounds one acknowledgement sent over the socket.
	wsAckTimeout = 5 * time.Second
)

// Event channels a client can subscribe to.
const (
	// WSChannelMessages carries stored inbound messages. Subscribing to it
	// replays every message parked while nobody listened.
	WSChannelMessages = "messages"

	// WSChannelConnections carries connect and connection-lost events.
	WSChannelConnections = "connections"

	// WSChannelDeliveries carries publish delivery confirmations.
	WSChannelDeliveries = "deliveries"
)

// ErrNoSubscribers is returned when an inbound message reached no client.
// The bridge keeps such a message for redelivery.
var ErrNoSubscribers = errors.New("no websocket client subscribed to messages")

// WSMessage represents a message sent to/from a WebSocket client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload for subscribe/unsubscribe messages.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// WSAckPayload is the payload of an ack message: the stored message to
// remove from the durable queue of a manual-ack connection.
type WSAckPayload struct {
	Identity  string `json:"identity"`
	MessageID string `json:"message_id"`
}

// ConnectionEvent is the payload of WSChannelConnections events.
type ConnectionEvent struct {
	Identity  string `json:"identity"`
	Event     string `json:"event"` // "connected" or "connection_lost"
	Reconnect bool   `json:"reconnect,omitempty"`
	ServerURI string `json:"server_uri,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DeliveryEvent is the payload of WSChannelDeliveries events.
type DeliveryEvent struct {
	Identity string `json:"identity"`
	Handle   uint64 `json:"handle"`
	Topic    string `json:"topic,omitempty"`
}

// AckFunc acknowledges a stored message of one connection.
type AckFunc func(ctx context.Context, identity, messageID string) bool

// Hub manages WebSocket connections and broadcasts bridge events. It is
// the bridge listener of every connection the API serves.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex

	onSubscribe func(channel string)
	onAck       AckFunc
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]struct{}
	mu            sync.RWMutex
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a new WebSocket hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// SetOnSubscribe sets the hook called after a client subscribes to a channel.
func (h *Hub) SetOnSubscribe(fn func(channel string)) {
	h.mu.Lock()
	h.onSubscribe = fn
	h.mu.Unlock()
}

// SetAckHandler sets the function that serves ack messages.
func (h *Hub) SetAckHandler(fn AckFunc) {
	h.mu.Lock()
	h.onAck = fn
	h.mu.Unlock()
}

// Run starts the hub's main loop. It blocks until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", h.ClientCount())
}

// Unregister removes a client from the hub.
// Only the goroutine that successfully removes the client from the map
// closes the send channel, preventing double-close panics during shutdown.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
}

// Broadcast sends an event to all clients subscribed to the given channel
// and returns how many clients took it. A client whose buffer is full
// does not count.
// Lock ordering: hub lock is acquired first, then released before per-client
// subscription checks. This avoids holding both hub and client locks simultaneously.
func (h *Hub) Broadcast(channel string, payload any) int {
	msg := WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "error", err)
		return 0
	}

	// Snapshot client list under hub lock, then release before sending
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	sentCount := 0
	for _, client := range clients {
		if client.isSubscribed(channel) && client.trySend(data) {
			sentCount++
		}
	}
	if sentCount > 0 {
		h.logger.Debug("broadcast sent", "channel", channel, "recipients", sentCount)
	}
	return sentCount
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
}

// ListenerFor returns the bridge listener that streams the events of one
// connection to subscribed clients.
func (h *Hub) ListenerFor(id bridge.Identity) bridge.Listener {
	return &connectionStream{hub: h, identity: string(id)}
}

// connectionStream is the bridge.Listener of one connection.
type connectionStream struct {
	hub      *Hub
	identity string
}

// MessageArrived streams msg to WSChannelMessages subscribers. With no
// subscriber the message stays in the durable queue.
func (cs *connectionStream) MessageArrived(msg arrival.Message) error {
	if cs.hub.Broadcast(WSChannelMessages, newMessageView(msg)) == 0 {
		return ErrNoSubscribers
	}
	return nil
}

func (cs *connectionStream) ConnectionLost(cause error) {
	ev := ConnectionEvent{Identity: cs.identity, Event: "connection_lost"}
	if cause != nil {
		ev.Error = cause.Error()
	}
	cs.hub.Broadcast(WSChannelConnections, ev)
}

func (cs *connectionStream) DeliveryComplete(tok *correlator.Token) {
	ev := DeliveryEvent{Identity: cs.identity, Handle: uint64(tok.Handle())}
	if topics := tok.Topics(); len(topics) > 0 {
		ev.Topic = topics[0]
	}
	cs.hub.Broadcast(WSChannelDeliveries, ev)
}

func (cs *connectionStream) ConnectComplete(reconnect bool, serverURI string) {
	cs.hub.Broadcast(WSChannelConnections, ConnectionEvent{
		Identity:  cs.identity,
		Event:     "connected",
		Reconnect: reconnect,
		ServerURI: serverURI,
	})
}

// handleWebSocket upgrades the HTTP connection to a WebSocket connection.
// The API listens on loopback only, so no credentials are required.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}

	s.hub.Register(client)

	// Start read/write pumps
	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Any client message resets the read deadline (keeps connection alive
		// even if the client doesn't respond to protocol-level pings).
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	pongWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an incoming WebSocket message.
func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.handleSubscribe(msg)
	case WSTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case WSTypeAck:
		c.handleAck(msg)
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// decodePayload re-decodes the generic payload of msg into v.
func decodePayload(msg WSMessage, v any) error {
	payloadBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(payloadBytes, v)
}

// handleSubscribe adds channels to the client's subscription list.
func (c *WSClient) handleSubscribe(msg WSMessage) {
	var sub WSSubscribePayload
	if err := decodePayload(msg, &sub); err != nil {
		c.sendError(msg.ID, "invalid subscribe payload")
		return
	}

	c.mu.Lock()
	for _, ch := range sub.Channels {
		c.subscriptions[ch] = struct{}{}
	}
	c.mu.Unlock()

	c.hub.logger.Info("websocket client subscribed", "channels", sub.Channels)

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"subscribed": sub.Channels,
	})

	c.hub.mu.RLock()
	hook := c.hub.onSubscribe
	c.hub.mu.RUnlock()
	if hook != nil {
		for _, ch := range sub.Channels {
			hook(ch)
		}
	}
}

// handleUnsubscribe removes channels from the client's subscription list.
func (c *WSClient) handleUnsubscribe(msg WSMessage) {
	var sub WSSubscribePayload
	if err := decodePayload(msg, &sub); err != nil {
		c.sendError(msg.ID, "invalid unsubscribe payload")
		return
	}

	c.mu.Lock()
	for _, ch := range sub.Channels {
		delete(c.subscriptions, ch)
	}
	c.mu.Unlock()

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"unsubscribed": sub.Channels,
	})
}

// handleAck acknowledges a stored message on behalf of the client.
func (c *WSClient) handleAck(msg WSMessage) {
	var ack WSAckPayload
	if err := decodePayload(msg, &ack); err != nil || ack.Identity == "" || ack.MessageID == "" {
		c.sendError(msg.ID, "ack requires identity and message_id")
		return
	}

	c.hub.mu.RLock()
	onAck := c.hub.onAck
	c.hub.mu.RUnlock()
	if onAck == nil {
		c.sendError(msg.ID, "acknowledgement not available")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsAckTimeout)
	defer cancel()
	acked := onAck(ctx, ack.Identity, ack.MessageID)

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"acknowledged": acked,
		"message_id":   ack.MessageID,
	})
}

// trySend attempts to send data to the client's send channel and reports
// whether it was queued. Closed channels (client disconnected during
// broadcast) and full buffers (slow client) report false.
func (c *WSClient) trySend(data []byte) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// isSubscribed checks if the client is subscribed to a channel.
func (c *WSClient) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}

// sendResponse sends a response message to the client.
// Routes through trySend to safely handle closed channels during shutdown.
func (c *WSClient) sendResponse(id, msgType string, payload any) {
	msg := WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

// sendError sends an error message to the client.
func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}
