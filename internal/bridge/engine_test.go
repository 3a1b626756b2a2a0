package bridge

import (
	"sync"
	"time"

	"github.com/nerrad567/mqttbridge/internal/infrastructure/mqtt"
)

// fakePublish is one publish handed to a fakeEngine.
type fakePublish struct {
	topic     string
	payload   []byte
	qos       byte
	retained  bool
	delivered func(err error)
}

// fakeEngine is an in-memory Engine. Connect completes synchronously
// unless holdConnect is set; publishes are accepted and wait for deliver.
type fakeEngine struct {
	mu sync.Mutex

	connected   bool
	connectErr  error
	holdConnect bool
	heldConnect func(err error)
	connects    int

	publishes     []fakePublish
	refuse        func(topic string, payload []byte) error
	subscriptions map[string]byte
	subscribeErr  error
	subscribes    int
	pings         []func(err error)
	disconnects   int
	closed        bool

	inbound mqtt.InboundHandler
	lost    func(err error)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{subscriptions: make(map[string]byte)}
}

func (e *fakeEngine) Connect(done func(err error)) {
	e.mu.Lock()
	e.connects++
	if e.holdConnect {
		e.heldConnect = done
		e.mu.Unlock()
		return
	}
	err := e.connectErr
	e.connected = err == nil
	e.mu.Unlock()
	done(err)
}

// releaseConnect completes a held connect attempt.
func (e *fakeEngine) releaseConnect(err error) {
	e.mu.Lock()
	done := e.heldConnect
	e.heldConnect = nil
	e.holdConnect = false
	e.connected = err == nil
	e.mu.Unlock()
	done(err)
}

func (e *fakeEngine) Disconnect(_ time.Duration, done func(err error)) {
	e.mu.Lock()
	e.connected = false
	e.disconnects++
	e.mu.Unlock()
	if done != nil {
		done(nil)
	}
}

func (e *fakeEngine) Close() {
	e.mu.Lock()
	e.connected = false
	e.closed = true
	e.mu.Unlock()
}

func (e *fakeEngine) Publish(topic string, payload []byte, qos byte, retained bool, accepted, delivered func(err error)) {
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		accepted(mqtt.ErrNotConnected)
		return
	}
	if e.refuse != nil {
		if err := e.refuse(topic, payload); err != nil {
			e.mu.Unlock()
			accepted(err)
			return
		}
	}
	e.publishes = append(e.publishes, fakePublish{topic, payload, qos, retained, delivered})
	e.mu.Unlock()
	accepted(nil)
}

// deliver completes the i-th publish.
func (e *fakeEngine) deliver(i int, err error) {
	e.mu.Lock()
	p := e.publishes[i]
	e.mu.Unlock()
	p.delivered(err)
}

func (e *fakeEngine) published() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.publishes))
	for i, p := range e.publishes {
		out[i] = p.topic
	}
	return out
}

func (e *fakeEngine) Subscribe(filters map[string]byte, done func(err error)) {
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		done(mqtt.ErrNotConnected)
		return
	}
	e.subscribes++
	err := e.subscribeErr
	if err == nil {
		for f, q := range filters {
			e.subscriptions[f] = q
		}
	}
	e.mu.Unlock()
	done(err)
}

func (e *fakeEngine) Unsubscribe(topics []string, done func(err error)) {
	e.mu.Lock()
	for _, t := range topics {
		delete(e.subscriptions, t)
	}
	e.mu.Unlock()
	done(nil)
}

func (e *fakeEngine) Ping(done func(err error)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return false
	}
	e.pings = append(e.pings, done)
	return true
}

func (e *fakeEngine) pingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pings)
}

func (e *fakeEngine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *fakeEngine) SetInboundHandler(h mqtt.InboundHandler) {
	e.mu.Lock()
	e.inbound = h
	e.mu.Unlock()
}

func (e *fakeEngine) SetConnectionLostHandler(h func(err error)) {
	e.mu.Lock()
	e.lost = h
	e.mu.Unlock()
}

// arrive simulates an inbound message and returns the handler's verdict,
// which decides whether the broker would get an acknowledgement.
func (e *fakeEngine) arrive(filter, topic, payload string) error {
	e.mu.Lock()
	h := e.inbound
	e.mu.Unlock()
	return h(mqtt.Inbound{Filter: filter, Topic: topic, Payload: []byte(payload), QoS: 1})
}

// drop simulates the broker connection dropping.
func (e *fakeEngine) drop(err error) {
	e.mu.Lock()
	e.connected = false
	lost := e.lost
	e.mu.Unlock()
	lost(err)
}
