package mqtt

import (
	"fmt"
)

// MaxPayloadSize is the largest payload the engine publishes (1MB).
// This prevents resource exhaustion and aligns with typical broker limits.
const MaxPayloadSize = 1 << 20 // 1MB

// Publish hands a message to paho and reports its progress in two steps.
//
// accepted is called once the engine has taken the message (or with the
// reason it refused it, after which delivered is never called). delivered
// is called when the broker confirmed delivery for the message's QoS:
//   - 0: once written to the socket
//   - 1: on PUBACK
//   - 2: on PUBCOMP
//
// Both callbacks run on engine goroutines.
//
// Example:
//
//	engine.Publish("sensors/kitchen/temp", []byte(`21.5`), 1, false,
//	    func(err error) { log.Printf("accepted: %v", err) },
//	    func(err error) { log.Printf("delivered: %v", err) })
func (e *Engine) Publish(topic string, payload []byte, qos byte, retained bool, accepted, delivered func(err error)) {
	if err := ValidateTopicName(topic); err != nil {
		accepted(err)
		return
	}
	if qos > maxQoS {
		accepted(ErrInvalidQoS)
		return
	}
	if len(payload) > MaxPayloadSize {
		accepted(fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), MaxPayloadSize))
		return
	}
	if !e.IsConnected() {
		accepted(ErrNotConnected)
		return
	}

	token := e.client.Publish(topic, qos, retained, payload)

	// paho fails a publish synchronously when the connection is already gone.
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			accepted(fmt.Errorf("%w: %w", ErrPublishFailed, err))
			return
		}
	default:
	}

	accepted(nil)

	go func() {
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				delivered(fmt.Errorf("%w: %w", ErrPublishFailed, err))
				return
			}
			delivered(nil)
		case <-e.closed:
			delivered(ErrEngineClosed)
		}
	}()
}
