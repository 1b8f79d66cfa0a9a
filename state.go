// SPDX-License-Identifier: GPL-3.0-or-later

package safetcp

import "net/netip"

// State is a view of a [*Conn] exposing only the operations valid in
// the phase the connection was in when the view was obtained.
//
// Obtain a fresh view with [*Conn.State] after each event: using a view
// after the connection left its phase panics, except for Close, which is
// a no-op once closing started or the connection terminated.
type State interface {
	Phase() Phase
	isState()
}

// State returns a view of the current phase.
func (c *Conn) State() State {
	switch c.phase {
	case PhaseConnecting:
		return &Connecting{c: c}
	case PhaseConnected:
		return &Connected{c: c}
	case PhaseRemoteClosed:
		return &RemoteClosed{c: c}
	case PhaseClosing:
		return &Closing{c: c}
	case PhaseClosed:
		return &Closed{}
	default:
		return &Failed{Err: c.lastErr}
	}
}

// Connecting is the view of a connection whose connect is in progress.
type Connecting struct {
	c *Conn
}

func (*Connecting) isState() {}

// Phase implements [State].
func (*Connecting) Phase() Phase { return PhaseConnecting }

// Connected is the view of an established connection.
type Connected struct {
	c *Conn
}

func (*Connected) isState() {}

// Phase implements [State].
func (*Connected) Phase() Phase { return PhaseConnected }

// Send queues a copy of data and tries to write it immediately. Bytes
// the kernel does not accept are written on later writable signals.
func (s *Connected) Send(data []byte) { s.c.send(data) }

// Close starts the orderly close. Queued bytes are still delivered.
func (s *Connected) Close() { s.c.requestClose() }

// Local returns the local address.
func (s *Connected) Local() netip.AddrPort { return s.c.local }

// Peer returns the peer address.
func (s *Connected) Peer() netip.AddrPort { return s.c.peer }

// RemoteClosed is the view of a connection whose peer closed its
// write side. We can still send.
type RemoteClosed struct {
	c *Conn
}

func (*RemoteClosed) isState() {}

// Phase implements [State].
func (*RemoteClosed) Phase() Phase { return PhaseRemoteClosed }

// Send is like [*Connected.Send].
func (s *RemoteClosed) Send(data []byte) { s.c.send(data) }

// Close is like [*Connected.Close].
func (s *RemoteClosed) Close() { s.c.requestClose() }

// Local returns the local address.
func (s *RemoteClosed) Local() netip.AddrPort { return s.c.local }

// Peer returns the peer address.
func (s *RemoteClosed) Peer() netip.AddrPort { return s.c.peer }

// Closing is the view of a connection performing the orderly close.
type Closing struct {
	c *Conn
}

func (*Closing) isState() {}

// Phase implements [State].
func (*Closing) Phase() Phase { return PhaseClosing }

// Queued returns the bytes still waiting for the kernel.
func (s *Closing) Queued() int { return s.c.queued }

// Closed is the view of a connection that closed cleanly.
type Closed struct{}

func (*Closed) isState() {}

// Phase implements [State].
func (*Closed) Phase() Phase { return PhaseClosed }

// Failed is the view of a connection that terminated with an error.
type Failed struct {
	Err *Error
}

func (*Failed) isState() {}

// Phase implements [State].
func (*Failed) Phase() Phase { return PhaseError }
