package communication

import (
	"context"
	"sync"
)

// Mailbox queues inbound messages per tag and hands them out in arrival order
// to receivers that match on sender and tag.
type Mailbox struct {
	mu      sync.Mutex
	queues  map[Tag][]Message
	arrived chan struct{}
	closed  bool
}

func NewMailbox() *Mailbox {
	return &Mailbox{
		queues:  make(map[Tag][]Message),
		arrived: make(chan struct{}),
	}
}

func (m *Mailbox) Deliver(msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStopped
	}
	m.queues[msg.Tag] = append(m.queues[msg.Tag], msg)
	close(m.arrived)
	m.arrived = make(chan struct{})
	return nil
}

// Receive blocks until a message with tag from the given rank (or AnySource)
// is queued, the context ends or the mailbox is closed.
func (m *Mailbox) Receive(ctx context.Context, from int, tag Tag) (Message, error) {
	for {
		m.mu.Lock()
		if msg, ok := m.take(from, tag); ok {
			m.mu.Unlock()
			return msg, nil
		}
		if m.closed {
			m.mu.Unlock()
			return Message{}, ErrStopped
		}
		wait := m.arrived
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

func (m *Mailbox) take(from int, tag Tag) (Message, bool) {
	q := m.queues[tag]
	for i, msg := range q {
		if from == AnySource || msg.From == from {
			m.queues[tag] = append(q[:i:i], q[i+1:]...)
			return msg, true
		}
	}
	return Message{}, false
}

// Close wakes every receiver with ErrStopped once the queues are drained.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.arrived)
}
