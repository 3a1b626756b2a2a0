package arrival

import (
	"iter"
	"time"
)

// Message is an inbound MQTT message held until the application
// acknowledges it.
type Message struct {
	ID         string
	Connection string
	Topic      string
	Payload    []byte
	QoS        byte
	Retained   bool
	Duplicate  bool
	ArrivedAt  time.Time
}

// Iterator walks a snapshot of stored messages. Rows stored or discarded
// after the snapshot was taken do not affect it.
//
//	it, err := q.Enumerate(ctx, id)
//	for it.Next() {
//	    m := it.Message()
//	}
type Iterator struct {
	msgs []Message
	pos  int
}

// Next advances to the next message and reports whether there is one.
func (it *Iterator) Next() bool {
	if it.pos >= len(it.msgs) {
		return false
	}
	it.pos++
	return true
}

// Message returns the message Next moved to.
func (it *Iterator) Message() Message {
	if it.pos == 0 {
		return Message{}
	}
	return it.msgs[it.pos-1]
}

// Len returns the number of messages in the snapshot.
func (it *Iterator) Len() int {
	return len(it.msgs)
}

// All ranges over the whole snapshot from the start, independent of Next.
func (it *Iterator) All() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for _, m := range it.msgs {
			if !yield(m) {
				return
			}
		}
	}
}
