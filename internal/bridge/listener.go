package bridge

import (
	"github.com/nerrad567/mqttbridge/internal/arrival"
	"github.com/nerrad567/mqttbridge/internal/correlator"
)

// Listener receives the events of one logical connection.
//
// Callbacks run on bridge goroutines. MessageArrived is called from the
// connection's delivery goroutine, one message at a time in arrival order.
// A message the listener rejects, or one that arrived while the delivery
// backlog was full, comes back on a later replay, after any newer messages
// delivered meanwhile.
type Listener interface {
	// MessageArrived delivers a stored message. In AckAuto mode a nil
	// return discards it from the durable queue; an error keeps it for
	// redelivery.
	MessageArrived(msg arrival.Message) error

	// ConnectionLost reports that the connection went away. cause is nil
	// for a requested disconnect or when the network dropped without a
	// known reason.
	ConnectionLost(cause error)

	// DeliveryComplete reports that the broker confirmed a publish.
	DeliveryComplete(tok *correlator.Token)

	// ConnectComplete reports a successful connect. reconnect is true when
	// the bridge reconnected on its own.
	ConnectComplete(reconnect bool, serverURI string)
}

// ListenerFuncs adapts functions to Listener. Nil fields are ignored and
// a nil Arrived accepts every message.
type ListenerFuncs struct {
	Arrived   func(msg arrival.Message) error
	Lost      func(cause error)
	Delivered func(tok *correlator.Token)
	Connected func(reconnect bool, serverURI string)
}

func (l ListenerFuncs) MessageArrived(msg arrival.Message) error {
	if l.Arrived == nil {
		return nil
	}
	return l.Arrived(msg)
}

func (l ListenerFuncs) ConnectionLost(cause error) {
	if l.Lost != nil {
		l.Lost(cause)
	}
}

func (l ListenerFuncs) DeliveryComplete(tok *correlator.Token) {
	if l.Delivered != nil {
		l.Delivered(tok)
	}
}

func (l ListenerFuncs) ConnectComplete(reconnect bool, serverURI string) {
	if l.Connected != nil {
		l.Connected(reconnect, serverURI)
	}
}

// MessageFunc handles messages routed by one subscription filter. It
// takes precedence over the connection Listener for matching topics.
type MessageFunc func(msg arrival.Message) error

// TopicFilter is one filter of a Subscribe call.
type TopicFilter struct {
	Topic     string
	QoS       byte
	OnMessage MessageFunc
}
