package busclient

import (
	"sync"
	"time"
)

// State is the supervisor's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// EventKind discriminates supervisor events.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is one item of the supervisor's stream.
//
// Connected carries the reconnect Attempt (0 for the initial connection).
// Disconnected carries the transport error in Err. Message carries the
// inbound Topic and Payload exactly as received; the consumer must call Done
// once it has finished with the message so the broker acknowledgement can be
// sent. A message that is never marked done is not acknowledged and will be
// redelivered by the broker on the persistent session.
type Event struct {
	Kind EventKind
	At   time.Time

	Topic     string
	Payload   []byte
	QoS       byte
	Duplicate bool

	Attempt int
	Err     error

	done *doneSignal
}

// Done releases the transport acknowledgement for a Message event.
// It is a no-op for other kinds and safe to call more than once.
func (e Event) Done() {
	if e.done != nil {
		e.done.release()
	}
}

// NewMessageEvent builds a Message event. The returned channel is closed
// when the event is marked done.
func NewMessageEvent(topic string, payload []byte, qos byte, duplicate bool) (Event, <-chan struct{}) {
	done := newDoneSignal()
	return Event{
		Kind:      EventMessage,
		At:        time.Now().UTC(),
		Topic:     topic,
		Payload:   payload,
		QoS:       qos,
		Duplicate: duplicate,
		done:      done,
	}, done.ch
}

type doneSignal struct {
	once sync.Once
	ch   chan struct{}
}

func newDoneSignal() *doneSignal {
	return &doneSignal{ch: make(chan struct{})}
}

func (d *doneSignal) release() {
	d.once.Do(func() { close(d.ch) })
}
