// Package fanout holds the subscriber registry and the broadcaster that pushes
// every accepted event to each registered subscriber.
package fanout

import (
	"sync"

	"github.com/google/uuid"
)

type Transport string

const (
	TransportPush   Transport = "websocket"
	TransportStream Transport = "sse"
)

// Subscriber is one live client. Deliver must never block: it either queues the
// frame for the connection goroutine or reports failure.
type Subscriber interface {
	ID() string
	Transport() Transport
	Deliver(f Frames) bool
	Close()
}

// mailbox is the bounded send buffer shared by both variants. The send channel is
// never closed; done signals shutdown to the writer and to Deliver.
type mailbox struct {
	id   string
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newMailbox(buffer int) mailbox {
	if buffer <= 0 {
		buffer = 64
	}
	return mailbox{
		id:   uuid.NewString(),
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (m *mailbox) offer(frame []byte) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.send <- frame:
		return true
	default:
		return false
	}
}

func (m *mailbox) ID() string { return m.id }

// Outbox is drained by the connection's writer goroutine.
func (m *mailbox) Outbox() <-chan []byte { return m.send }

// Done is closed once the subscriber is closed, by either side.
func (m *mailbox) Done() <-chan struct{} { return m.done }

func (m *mailbox) Close() {
	m.once.Do(func() { close(m.done) })
}

// PushSubscriber receives framed JSON messages over a persistent connection.
type PushSubscriber struct {
	mailbox
}

func NewPushSubscriber(buffer int) *PushSubscriber {
	return &PushSubscriber{mailbox: newMailbox(buffer)}
}

func (s *PushSubscriber) Transport() Transport { return TransportPush }

func (s *PushSubscriber) Deliver(f Frames) bool { return s.offer(f.Push) }

// StreamSubscriber receives labeled text blocks over a chunked response.
type StreamSubscriber struct {
	mailbox
}

func NewStreamSubscriber(buffer int) *StreamSubscriber {
	return &StreamSubscriber{mailbox: newMailbox(buffer)}
}

func (s *StreamSubscriber) Transport() Transport { return TransportStream }

func (s *StreamSubscriber) Deliver(f Frames) bool { return s.offer(f.Stream) }
