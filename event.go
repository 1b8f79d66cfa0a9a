// SPDX-License-Identifier: GPL-3.0-or-later

package safetcp

import "fmt"

// EventKind is the kind of an [Event].
type EventKind int

const (
	// EventConnected is delivered once when the connection enters [PhaseConnected].
	EventConnected EventKind = iota

	// EventDataReceived carries bytes read from the peer, in order.
	EventDataReceived

	// EventRemoteClosed is delivered once when the peer's EOF is observed.
	EventRemoteClosed

	// EventBytesAcknowledged reports how many more outbound bytes the peer acknowledged.
	EventBytesAcknowledged

	// EventClosed is delivered once when the handle is released after a clean close.
	EventClosed

	// EventError is delivered once when the connection enters [PhaseError].
	EventError
)

// String implements [fmt.Stringer].
func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "Connected"
	case EventDataReceived:
		return "DataReceived"
	case EventRemoteClosed:
		return "RemoteClosed"
	case EventBytesAcknowledged:
		return "BytesAcknowledged"
	case EventClosed:
		return "Closed"
	case EventError:
		return "Error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is delivered synchronously to a [Handler] while a [*Conn] is
// being polled or driven by an application call.
type Event struct {
	// Kind is the event kind.
	Kind EventKind

	// Data is set for [EventDataReceived]. The slice is owned by the receiver.
	Data []byte

	// Acknowledged is set for [EventBytesAcknowledged].
	Acknowledged int

	// Err is set for [EventError].
	Err *Error
}

// Handler receives the events of a [*Conn].
//
// HandleEvent runs on the goroutine polling the connection. It may call
// back into the connection (e.g., Send or Close from [EventDataReceived]).
type Handler interface {
	HandleEvent(conn *Conn, ev Event)
}

// HandlerFunc adapts a function to the [Handler] interface.
type HandlerFunc func(conn *Conn, ev Event)

var _ Handler = HandlerFunc(nil)

// HandleEvent implements [Handler].
func (f HandlerFunc) HandleEvent(conn *Conn, ev Event) {
	f(conn, ev)
}
