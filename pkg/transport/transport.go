// Package transport defines the socket transport a session drives.
//
// A Transport performs the WebSocket handshake and framing. The session
// only issues commands and consumes the events it publishes on Events().
// Commands never block on the network, and implementations never deliver
// an event synchronously from inside a command.
package transport

import (
	"net/http"
	"sync"
)

// Transport is a single reconnectable WebSocket endpoint.
type Transport interface {
	// Connect opens a new connection, replacing the current one if any.
	// The outcome arrives as Connected or ErrorOccurred.
	Connect()

	// Disconnect closes the current connection.
	// No further events are published for the closed connection.
	Disconnect()

	// SendText queues a text frame on the current connection.
	// It is dropped when there is no connection.
	SendText(text string)

	// SendPing queues a ping control frame on the current connection.
	SendPing()

	// Events returns the channel of transport events, in arrival order.
	Events() <-chan Event
}

// Event is a notification from the transport.
// It is one of Connected, Disconnected, TextReceived, BinaryReceived,
// PingReceived, PongReceived, ErrorOccurred or Cancelled.
type Event interface {
	isEvent()
}

// Connected reports a completed handshake.
type Connected struct {
	Header      http.Header
	Subprotocol string
}

// Disconnected reports a connection closed with a close frame.
type Disconnected struct {
	Reason string
	Code   int
}

// TextReceived carries an inbound text frame.
type TextReceived struct {
	Text string
}

// BinaryReceived reports an inbound binary frame by size only.
type BinaryReceived struct {
	Size int
}

type PingReceived struct{}

type PongReceived struct{}

// ErrorOccurred reports a dial, read or write failure.
type ErrorOccurred struct {
	Err error
}

// Description returns the human readable error text.
func (e ErrorOccurred) Description() string {
	if e.Err == nil {
		return "unknown transport error"
	}
	return e.Err.Error()
}

// Cancelled reports a connection that ended without a close frame.
type Cancelled struct{}

func (Connected) isEvent()      {}
func (Disconnected) isEvent()   {}
func (TextReceived) isEvent()   {}
func (BinaryReceived) isEvent() {}
func (PingReceived) isEvent()   {}
func (PongReceived) isEvent()   {}
func (ErrorOccurred) isEvent()  {}
func (Cancelled) isEvent()      {}

// Emitter is the event channel shared by transport implementations.
// Emit blocks until the event is consumed or the emitter is closed.
// The channel itself is never closed, so late emitters cannot panic.
type Emitter struct {
	events chan Event
	done   chan struct{}
	once   sync.Once
}

// NewEmitter creates an emitter with the given channel buffer.
func NewEmitter(buffer int) *Emitter {
	return &Emitter{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

// Emit publishes ev. It returns false if the emitter was closed.
func (e *Emitter) Emit(ev Event) bool {
	select {
	case <-e.done:
		return false
	default:
	}

	select {
	case e.events <- ev:
		return true
	case <-e.done:
		return false
	}
}

// Events implements Transport.
func (e *Emitter) Events() <-chan Event {
	return e.events
}

// Done is closed once the emitter is closed.
func (e *Emitter) Done() <-chan struct{} {
	return e.done
}

// Close stops event delivery. It is idempotent.
func (e *Emitter) Close() {
	e.once.Do(func() {
		close(e.done)
	})
}
