package bridge

import (
	"time"

	"github.com/nerrad567/mqttbridge/internal/infrastructure/mqtt"
)

// Engine is the network engine of one logical connection. Every method
// returns immediately and reports outcomes through callbacks, which may
// run on any goroutine. *mqtt.Engine is the production implementation.
type Engine interface {
	Connect(done func(err error))
	Disconnect(quiesce time.Duration, done func(err error))
	Close()

	// Publish must call accepted before it returns; delivered follows
	// asynchronously, and only when accepted got nil.
	Publish(topic string, payload []byte, qos byte, retained bool, accepted, delivered func(err error))
	Subscribe(filters map[string]byte, done func(err error))
	Unsubscribe(topics []string, done func(err error))

	// Ping sends a liveness probe. It returns false, without calling done,
	// when nothing could be sent.
	Ping(done func(err error)) bool

	IsConnected() bool
	SetInboundHandler(h mqtt.InboundHandler)
	SetConnectionLostHandler(h func(err error))
}

// Telemetry records bridge events. The InfluxDB client implements it.
type Telemetry interface {
	WriteConnectionEvent(identity, event string)
	WriteQueueDepth(identity string, arrived, buffered int)
	WriteKeepalive(identity string, acquired int, heldFor time.Duration)
}

type noopTelemetry struct{}

func (noopTelemetry) WriteConnectionEvent(string, string)       {}
func (noopTelemetry) WriteQueueDepth(string, int, int)          {}
func (noopTelemetry) WriteKeepalive(string, int, time.Duration) {}

var _ Engine = (*mqtt.Engine)(nil)
