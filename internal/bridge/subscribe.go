package bridge

import (
	"fmt"

	"github.com/nerrad567/mqttbridge/internal/correlator"
	"github.com/nerrad567/mqttbridge/internal/infrastructure/mqtt"
)

// Subscribe subscribes id to every filter in one request. A filter with
// OnMessage gets the messages it matches instead of the connection
// listener. The token completes when the broker acknowledges.
func (b *Bridge) Subscribe(id Identity, filters []TopicFilter, userCtx any, l correlator.Listener) (*correlator.Token, error) {
	if len(filters) == 0 {
		return nil, fmt.Errorf("%w: no topic filters", ErrInvalidTopic)
	}
	qos := make(map[string]byte, len(filters))
	topics := make([]string, 0, len(filters))
	for _, f := range filters {
		if err := mqtt.ValidateTopicFilter(f.Topic); err != nil {
			return nil, err
		}
		if f.QoS > 2 {
			return nil, ErrInvalidQoS
		}
		if _, dup := qos[f.Topic]; !dup {
			topics = append(topics, f.Topic)
		}
		qos[f.Topic] = f.QoS
	}

	c, err := b.conn(id)
	if err != nil {
		return nil, err
	}
	if !c.engine.IsConnected() {
		return nil, ErrNotConnected
	}

	tok, err := b.corr.Issue(correlator.Operation{
		Kind:        correlator.KindSubscribe,
		Connection:  string(id),
		UserContext: userCtx,
		Listener:    l,
		Topics:      topics,
	})
	if err != nil {
		return nil, err
	}

	// Routes are recorded before the request so messages racing the
	// SUBACK reach the right handler.
	c.mu.Lock()
	previous := make(map[string]TopicFilter, len(filters))
	for _, f := range filters {
		if old, ok := c.filters[f.Topic]; ok {
			previous[f.Topic] = old
		}
		c.filters[f.Topic] = f
	}
	c.mu.Unlock()

	h := tok.Handle()
	b.trace(c, "subscribing", "handle", h, "filters", topics)
	c.engine.Subscribe(qos, func(err error) {
		if err != nil {
			c.mu.Lock()
			for _, topic := range topics {
				if old, ok := previous[topic]; ok {
					c.filters[topic] = old
				} else {
					delete(c.filters, topic)
				}
			}
			c.mu.Unlock()
			b.logger.Warn("subscribe failed", "identity", id, "filters", topics, "error", err)
		}
		b.corr.Complete(h, err) //nolint:errcheck // Unknown only if failed by removal
	})
	return tok, nil
}

// Unsubscribe removes filters from id. The token completes when the broker
// acknowledges.
func (b *Bridge) Unsubscribe(id Identity, topics []string, userCtx any, l correlator.Listener) (*correlator.Token, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("%w: no topic filters", ErrInvalidTopic)
	}
	for _, t := range topics {
		if err := mqtt.ValidateTopicFilter(t); err != nil {
			return nil, err
		}
	}

	c, err := b.conn(id)
	if err != nil {
		return nil, err
	}
	if !c.engine.IsConnected() {
		return nil, ErrNotConnected
	}

	tok, err := b.corr.Issue(correlator.Operation{
		Kind:        correlator.KindUnsubscribe,
		Connection:  string(id),
		UserContext: userCtx,
		Listener:    l,
		Topics:      topics,
	})
	if err != nil {
		return nil, err
	}

	h := tok.Handle()
	b.trace(c, "unsubscribing", "handle", h, "filters", topics)
	c.engine.Unsubscribe(topics, func(err error) {
		if err == nil {
			c.mu.Lock()
			for _, t := range topics {
				delete(c.filters, t)
			}
			c.mu.Unlock()
		}
		b.corr.Complete(h, err) //nolint:errcheck // Unknown only if failed by removal
	})
	return tok, nil
}

// resubscribe restores every filter of c after an automatic reconnect of
// a clean session.
func (b *Bridge) resubscribe(c *connection) {
	filters := c.filterSnapshot()
	if len(filters) == 0 {
		return
	}

	qos := make(map[string]byte, len(filters))
	for topic, f := range filters {
		qos[topic] = f.QoS
	}
	c.engine.Subscribe(qos, func(err error) {
		if err != nil {
			b.logger.Warn("restoring subscriptions failed", "identity", c.id, "error", err)
			return
		}
		b.trace(c, "subscriptions restored", "count", len(qos))
	})
}
