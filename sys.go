// SPDX-License-Identifier: GPL-3.0-or-later

package safetcp

import "net/netip"

// AckOracle reports how many bytes written to a handle are still waiting
// for the peer's acknowledgment.
//
// The oracle is polled, not pushed: a connection in [PhaseClosing]
// schedules its own re-checks through [Notifier.AddInstant].
type AckOracle interface {
	// Unacknowledged returns the number of bytes queued in the kernel
	// or in flight that the peer has not acknowledged yet. After a
	// write-side shutdown the count includes the FIN.
	Unacknowledged(fd int) (int, error)
}

// Sys abstracts the non-blocking socket primitives.
//
// By making [*Conn] depend on an abstract implementation we allow for
// unit testing and for alternative backends. Use [NewSys] for the
// implementation backed by the operating system.
//
// Every operation on a non-blocking descriptor returns [ErrWouldBlock]
// instead of blocking. Implementations retry interrupted system calls.
type Sys interface {
	AckOracle

	// Socket creates a non-blocking, close-on-exec TCP socket for the
	// address family of remote, with TCP_NODELAY enabled.
	Socket(remote netip.AddrPort) (int, error)

	// Bind binds fd to local.
	Bind(fd int, local netip.AddrPort) error

	// Connect starts a non-blocking connect. A connect in progress is
	// not an error: it returns nil and completion is observed through
	// SocketError and PeerAddr.
	Connect(fd int, remote netip.AddrPort) error

	// Prepare makes an adopted descriptor non-blocking and close-on-exec
	// and enables TCP_NODELAY.
	Prepare(fd int) error

	// Read reads into p. It returns io.EOF when the peer closed its
	// write side and [ErrWouldBlock] when no bytes are available.
	Read(fd int, p []byte) (int, error)

	// Write writes a prefix of p and returns its length, or
	// [ErrWouldBlock] when the send buffer is full.
	Write(fd int, p []byte) (int, error)

	// SocketError returns the pending socket error (SO_ERROR) or nil.
	SocketError(fd int) error

	// LocalAddr returns the local address of fd.
	LocalAddr(fd int) (netip.AddrPort, error)

	// PeerAddr returns the peer address of fd, or [ErrNotConnected].
	PeerAddr(fd int) (netip.AddrPort, error)

	// Shutdown shuts down the write side of fd.
	Shutdown(fd int) error

	// Close releases fd.
	Close(fd int) error

	// Listen creates a non-blocking listening socket bound to local.
	Listen(local netip.AddrPort, backlog int) (int, error)

	// Accept accepts a pending connection, returning a non-blocking
	// close-on-exec descriptor and the peer address, or [ErrWouldBlock].
	Accept(fd int) (int, netip.AddrPort, error)
}
