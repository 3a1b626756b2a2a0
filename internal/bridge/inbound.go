package bridge

import (
	"context"
	"slices"

	"github.com/nerrad567/mqttbridge/internal/arrival"
	"github.com/nerrad567/mqttbridge/internal/infrastructure/mqtt"
)

// handleInbound stores an inbound message before anything else sees it.
// A storage failure is returned to the engine, which then withholds the
// broker acknowledgement so the message is redelivered.
func (b *Bridge) handleInbound(c *connection, in mqtt.Inbound) error {
	msg, err := b.queue.Insert(b.ctx, arrival.Message{
		Connection: string(c.id),
		Topic:      in.Topic,
		Payload:    in.Payload,
		QoS:        in.QoS,
		Retained:   in.Retained,
		Duplicate:  in.Duplicate,
	})
	if err != nil {
		b.logger.Error("storing inbound message failed",
			"identity", c.id,
			"topic", in.Topic,
			"error", err,
		)
		return err
	}

	b.trace(c, "message stored", "id", msg.ID, "topic", msg.Topic, "filter", in.Filter)
	if !c.offer(msg) {
		b.logger.Debug("delivery backlog full, message parked", "identity", c.id, "id", msg.ID)
	}
	return nil
}

// deliverLoop hands stored messages to the application one at a time so
// the engine's callback goroutine never waits on application code.
func (b *Bridge) deliverLoop(c *connection) {
	defer b.wg.Done()

	for {
		// A pending replay goes first: parked messages are older than the
		// live ones it would otherwise race with.
		select {
		case <-c.stop:
			return
		case <-c.replay:
			b.replay(c)
			continue
		default:
		}

		select {
		case <-c.stop:
			return
		case msg := <-c.deliveries:
			b.deliver(c, msg)
			c.release(msg.ID)
			if len(c.deliveries) == 0 && c.overflow.Swap(false) {
				b.replay(c)
			}
		case <-c.replay:
			b.replay(c)
		}
	}
}

// deliver passes msg to the handler for its topic. It reports false when
// nobody is listening; the message then stays parked in the queue.
func (b *Bridge) deliver(c *connection, msg arrival.Message) bool {
	handler := b.handlerFor(c, msg.Topic)
	if handler == nil {
		b.trace(c, "no listener, message parked", "id", msg.ID)
		return false
	}

	var err error
	b.safely(c, "MessageArrived", func() { err = handler(msg) })
	if err != nil {
		b.logger.Warn("listener rejected message, kept for redelivery",
			"identity", c.id,
			"id", msg.ID,
			"error", err,
		)
		return true
	}

	if c.ackMode == AckAuto {
		if _, err := b.queue.Discard(b.ctx, string(c.id), msg.ID); err != nil {
			b.logger.Error("discarding delivered message failed",
				"identity", c.id,
				"id", msg.ID,
				"error", err,
			)
		}
	}
	return true
}

// handlerFor picks the OnMessage of the first matching filter in sorted
// order, falling back to the connection listener.
func (b *Bridge) handlerFor(c *connection, topic string) MessageFunc {
	c.mu.Lock()
	defer c.mu.Unlock()

	var matches []string
	for filter, f := range c.filters {
		if f.OnMessage != nil && mqtt.MatchTopic(filter, topic) {
			matches = append(matches, filter)
		}
	}
	if len(matches) > 0 {
		slices.Sort(matches)
		return c.filters[matches[0]].OnMessage
	}
	if c.listener != nil {
		return c.listener.MessageArrived
	}
	return nil
}

// replay delivers every parked message of c in arrival order. Messages
// queued live are taken back first so they go out in order with the
// parked ones. Messages nobody listens for stay parked.
func (b *Bridge) replay(c *connection) {
	for drained := false; !drained; {
		select {
		case msg := <-c.deliveries:
			c.release(msg.ID)
		default:
			drained = true
		}
	}

	it, err := b.queue.Enumerate(b.ctx, string(c.id))
	if err != nil {
		b.logger.Error("enumerating parked messages failed", "identity", c.id, "error", err)
		return
	}

	delivered := 0
	for msg := range it.All() {
		select {
		case <-c.stop:
			return
		default:
		}
		if !c.claim(msg.ID) {
			continue
		}
		ok := b.deliver(c, msg)
		c.release(msg.ID)
		if ok {
			delivered++
		}
	}

	if delivered > 0 {
		b.logger.Debug("redelivered parked messages", "identity", c.id, "count", delivered)
		b.recordDepth(c)
	}
}

// Redeliver replays the durable queue of id to its listener in the
// background. Messages already being delivered are not delivered twice.
func (b *Bridge) Redeliver(id Identity) error {
	c, err := b.conn(id)
	if err != nil {
		return err
	}
	c.requestReplay()
	return nil
}

// RegisterMessageListener sets the listener of id and redelivers the
// messages that arrived while nobody was listening.
func (b *Bridge) RegisterMessageListener(id Identity, l Listener) error {
	c, err := b.conn(id)
	if err != nil {
		return err
	}
	c.setListener(l)
	c.requestReplay()
	return nil
}

// Acknowledge removes a delivered message from the durable queue. It
// reports false when no such message exists for id.
func (b *Bridge) Acknowledge(ctx context.Context, id Identity, messageID string) bool {
	if _, err := b.conn(id); err != nil {
		return false
	}
	ok, err := b.queue.Discard(ctx, string(id), messageID)
	if err != nil {
		b.logger.Error("acknowledging message failed", "identity", id, "id", messageID, "error", err)
		return false
	}
	return ok
}

// Messages returns the stored, unacknowledged messages of id in arrival order.
func (b *Bridge) Messages(ctx context.Context, id Identity) ([]arrival.Message, error) {
	if _, err := b.conn(id); err != nil {
		return nil, err
	}
	it, err := b.queue.Enumerate(ctx, string(id))
	if err != nil {
		return nil, err
	}
	return slices.Collect(it.All()), nil
}

// ClearMessages deletes every stored message of id and returns how many.
func (b *Bridge) ClearMessages(ctx context.Context, id Identity) (int, error) {
	if _, err := b.conn(id); err != nil {
		return 0, err
	}
	return b.queue.Clear(ctx, string(id))
}

// StoredCount returns the number of stored, unacknowledged messages of id.
func (b *Bridge) StoredCount(ctx context.Context, id Identity) (int, error) {
	if _, err := b.conn(id); err != nil {
		return 0, err
	}
	return b.queue.Count(ctx, string(id))
}
