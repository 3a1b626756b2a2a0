package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Subscribe subscribes to every filter in one SUBSCRIBE packet and reports
// the SUBACK outcome to done.
//
// Topics can include MQTT wildcards:
//   - + (single-level): "sensors/+/temp" matches any room
//   - # (multi-level): "sensors/#" matches everything below sensors
//
// Each filter gets its own route, so the inbound handler learns which
// filter routed a message. Routes stay registered after a failed
// subscribe; they only fire for messages the broker actually sends.
func (e *Engine) Subscribe(filters map[string]byte, done func(err error)) {
	if len(filters) == 0 {
		done(fmt.Errorf("%w: no topic filters", ErrSubscribeFailed))
		return
	}
	for filter, qos := range filters {
		if err := ValidateTopicFilter(filter); err != nil {
			done(err)
			return
		}
		if qos > maxQoS {
			done(ErrInvalidQoS)
			return
		}
	}
	if !e.IsConnected() {
		done(ErrNotConnected)
		return
	}

	for filter := range filters {
		e.client.AddRoute(filter, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			e.handleMessage(filter, msg)
		})
	}

	token := e.client.SubscribeMultiple(filters, nil)
	go func() {
		if !token.WaitTimeout(defaultSubscribeTimeout) {
			done(fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultSubscribeTimeout))
			return
		}
		if err := token.Error(); err != nil {
			done(fmt.Errorf("%w: %w", ErrSubscribeFailed, err))
			return
		}
		done(nil)
	}()
}

// Unsubscribe removes subscriptions and reports the UNSUBACK outcome to
// done. After it succeeds no further messages are routed for the topics;
// messages already in flight may still be delivered.
func (e *Engine) Unsubscribe(topics []string, done func(err error)) {
	if len(topics) == 0 {
		done(fmt.Errorf("%w: no topic filters", ErrUnsubscribeFailed))
		return
	}
	for _, topic := range topics {
		if topic == "" {
			done(fmt.Errorf("%w: topic cannot be empty", ErrInvalidTopic))
			return
		}
	}
	if !e.IsConnected() {
		done(ErrNotConnected)
		return
	}

	token := e.client.Unsubscribe(topics...)
	go func() {
		if !token.WaitTimeout(defaultSubscribeTimeout) {
			done(fmt.Errorf("%w: timeout after %v", ErrUnsubscribeFailed, defaultSubscribeTimeout))
			return
		}
		if err := token.Error(); err != nil {
			done(fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err))
			return
		}
		done(nil)
	}()
}
