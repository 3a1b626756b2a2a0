package bridge

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/nerrad567/mqttbridge/internal/correlator"
	"github.com/nerrad567/mqttbridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/mqttbridge/internal/outbox"
	"github.com/nerrad567/mqttbridge/internal/reconnect"
)

// Publish sends a message on id. While id is not connected, or while
// earlier publishes are still buffered, the message is buffered and sent
// in order after the next connect; the token then completes on delivery.
// A full buffer that rejects new messages returns ErrCapacityExceeded.
//
// The listener's OnSuccess fires when the engine accepts the message;
// DeliveryComplete on the connection listener fires when the broker
// confirms it.
func (b *Bridge) Publish(ctx context.Context, id Identity, topic string, payload []byte, qos byte, retained bool, userCtx any, l correlator.Listener) (*correlator.Token, error) {
	if err := mqtt.ValidateTopicName(topic); err != nil {
		return nil, err
	}
	if qos > 2 {
		return nil, ErrInvalidQoS
	}
	if len(payload) > mqtt.MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrPayloadTooLarge, len(payload), mqtt.MaxPayloadSize)
	}

	c, err := b.conn(id)
	if err != nil {
		return nil, err
	}

	c.pubMu.Lock()
	tok, err := b.corr.Issue(correlator.Operation{
		Kind:        correlator.KindPublish,
		Connection:  string(id),
		UserContext: userCtx,
		Listener:    l,
		Topics:      []string{topic},
		Payload:     payload,
		QoS:         qos,
	})
	if err != nil {
		c.pubMu.Unlock()
		return nil, err
	}
	h := tok.Handle()

	if b.ctrl.State(string(id)) == reconnect.StateConnected && b.buffer.Count(string(id)) == 0 {
		err := b.dispatch(c, h, topic, payload, qos, retained)
		if err == nil {
			c.pubMu.Unlock()
			b.corr.Accept(h) //nolint:errcheck // Unknown only if already delivered
			b.trace(c, "publish dispatched", "handle", h, "topic", topic, "qos", qos)
			return tok, nil
		}
		if !errors.Is(err, mqtt.ErrNotConnected) {
			c.pubMu.Unlock()
			b.corr.Resolve(h)
			return nil, err
		}
		// The engine dropped the connection before we noticed; buffer instead.
	}

	result, dropped, err := b.buffer.Enqueue(ctx, string(id), outbox.Message{
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retained: retained,
		Handle:   uint64(h),
	})
	c.pubMu.Unlock()

	if dropped != nil && dropped.Handle != 0 {
		b.corr.Complete(correlator.Handle(dropped.Handle), //nolint:errcheck // May already be gone
			fmt.Errorf("%w: dropped to make room", ErrCapacityExceeded))
	}
	if err != nil {
		b.corr.Resolve(h)
		if errors.Is(err, outbox.ErrBufferDisabled) {
			return nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		return nil, err
	}

	b.trace(c, "publish buffered", "handle", h, "topic", topic, "result", result.String())
	b.recordDepth(c)
	return tok, nil
}

// dispatch hands one publish to the engine and returns the engine's
// refusal, if any. The caller marks the publish accepted once it has
// released the publish gate, so listeners may publish again.
func (b *Bridge) dispatch(c *connection, h correlator.Handle, topic string, payload []byte, qos byte, retained bool) error {
	var refused error
	c.engine.Publish(topic, payload, qos, retained,
		func(err error) { refused = err },
		func(err error) { b.delivered(c, h, err) },
	)
	return refused
}

func (b *Bridge) delivered(c *connection, h correlator.Handle, err error) {
	tok, ok := b.corr.Peek(h)
	if derr := b.corr.Deliver(h, err); derr != nil {
		return
	}
	if err != nil {
		b.logger.Warn("publish not delivered", "identity", c.id, "handle", h, "error", err)
		return
	}
	b.trace(c, "publish delivered", "handle", h)
	if l := c.getListener(); l != nil && ok {
		b.safely(c, "DeliveryComplete", func() { l.DeliveryComplete(tok) })
	}
}

// refusedPublish is a buffered message the engine will never accept.
type refusedPublish struct {
	msg outbox.Message
	err error
}

// flush sends the publish buffer of c oldest first while holding the
// publish gate. Messages the engine refuses for any reason other than a
// lost connection are dropped and their tokens fail, so one bad message
// cannot hold back the rest.
func (b *Bridge) flush(c *connection) {
	var accepted []correlator.Handle
	var refused []refusedPublish

	c.pubMu.Lock()
	sent, err := b.buffer.Flush(b.ctx, string(c.id), func(m outbox.Message) error {
		h, err := b.sendBuffered(c, m)
		switch {
		case err == nil:
			accepted = append(accepted, h)
		case errors.Is(err, outbox.ErrRejected):
			refused = append(refused, refusedPublish{msg: m, err: err})
		}
		return err
	})
	c.pubMu.Unlock()

	for _, h := range accepted {
		b.corr.Accept(h) //nolint:errcheck // Unknown only if already delivered
	}
	for _, r := range refused {
		b.logger.Warn("buffered publish refused, dropped",
			"identity", c.id,
			"topic", r.msg.Topic,
			"error", r.err,
		)
		if r.msg.Handle != 0 {
			b.corr.Complete(correlator.Handle(r.msg.Handle), r.err) //nolint:errcheck // May already be gone
		}
	}

	if sent > 0 || len(refused) > 0 || err != nil {
		b.logger.Info("flushed publish buffer",
			"identity", c.id,
			"sent", sent,
			"refused", len(refused),
			"remaining", b.buffer.Count(string(c.id)),
			"error", err,
		)
		b.recordDepth(c)
	}
}

// sendBuffered dispatches one buffered message. Messages restored from
// disk, or whose caller's token is gone, get a fresh internal token. An
// engine refusal other than a lost connection is wrapped in
// outbox.ErrRejected.
func (b *Bridge) sendBuffered(c *connection, m outbox.Message) (correlator.Handle, error) {
	if !c.engine.IsConnected() {
		return 0, ErrNotConnected
	}

	h := correlator.Handle(m.Handle)
	fresh := false
	if _, ok := b.corr.Peek(h); h == 0 || !ok {
		tok, err := b.corr.Issue(correlator.Operation{
			Kind:       correlator.KindPublish,
			Connection: string(c.id),
			Topics:     []string{m.Topic},
			Payload:    m.Payload,
			QoS:        m.QoS,
		})
		if err != nil {
			return 0, err
		}
		h = tok.Handle()
		fresh = true
	}

	if err := b.dispatch(c, h, m.Topic, m.Payload, m.QoS, m.Retained); err != nil {
		if fresh {
			b.corr.Resolve(h)
		}
		if errors.Is(err, mqtt.ErrNotConnected) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %w", outbox.ErrRejected, err)
	}
	return h, nil
}

// PendingDeliveryTokens returns the publishes of id not yet delivered,
// oldest first.
func (b *Bridge) PendingDeliveryTokens(id Identity) ([]*correlator.Token, error) {
	if _, err := b.conn(id); err != nil {
		return nil, err
	}
	toks := b.corr.Pending(string(id), correlator.KindPublish)
	slices.SortFunc(toks, func(x, y *correlator.Token) int {
		return cmp.Compare(x.Handle(), y.Handle())
	})
	return toks, nil
}

// SetBufferPolicy replaces the publish buffer policy of id.
func (b *Bridge) SetBufferPolicy(id Identity, p outbox.Policy) error {
	if _, err := b.conn(id); err != nil {
		return err
	}
	b.buffer.SetPolicy(string(id), p)
	return nil
}

// BufferPolicy returns the publish buffer policy of id.
func (b *Bridge) BufferPolicy(id Identity) (outbox.Policy, error) {
	if _, err := b.conn(id); err != nil {
		return outbox.Policy{}, err
	}
	return b.buffer.Policy(string(id)), nil
}

// BufferedCount returns the number of buffered publishes of id.
func (b *Bridge) BufferedCount(id Identity) (int, error) {
	if _, err := b.conn(id); err != nil {
		return 0, err
	}
	return b.buffer.Count(string(id)), nil
}

// BufferedMessage returns the buffered publish at index, 0 being the oldest.
func (b *Bridge) BufferedMessage(id Identity, index int) (outbox.Message, error) {
	if _, err := b.conn(id); err != nil {
		return outbox.Message{}, err
	}
	return b.buffer.Get(string(id), index)
}

// DeleteBufferedMessage removes the buffered publish at index. Its token
// fails with ErrBufferedMessageDeleted.
func (b *Bridge) DeleteBufferedMessage(ctx context.Context, id Identity, index int) (outbox.Message, error) {
	c, err := b.conn(id)
	if err != nil {
		return outbox.Message{}, err
	}

	c.pubMu.Lock()
	m, err := b.buffer.Delete(ctx, string(id), index)
	c.pubMu.Unlock()
	if err != nil {
		return outbox.Message{}, err
	}

	if m.Handle != 0 {
		b.corr.Cancel(correlator.Handle(m.Handle), ErrBufferedMessageDeleted) //nolint:errcheck // May already be gone
	}
	b.recordDepth(c)
	return m, nil
}
