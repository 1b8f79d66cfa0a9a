// SPDX-License-Identifier: GPL-3.0-or-later

package safetcp

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrWouldBlock is returned by [Sys] operations that cannot make progress
// without blocking. It is a flow-control signal, not a failure: it ends the
// current drain pass and the connection waits for the next readiness edge.
var ErrWouldBlock = errors.New("safetcp: operation would block")

// ErrNotConnected is returned by [Sys.PeerAddr] while a non-blocking
// connect is still in progress.
var ErrNotConnected = errors.New("safetcp: socket is not connected")

// ErrorKind classifies the terminal failure of a [*Conn].
type ErrorKind int

const (
	// KindIO is a hard I/O error not covered by a more specific kind.
	KindIO ErrorKind = iota

	// KindConnectFailed means the non-blocking connect did not complete.
	KindConnectFailed

	// KindPeerReset means the peer reset the connection.
	KindPeerReset

	// KindBrokenPipe means we wrote to a connection the peer no longer reads.
	KindBrokenPipe

	// KindNotifierContractViolation means a signal arrived for a handle
	// that is no longer registered.
	KindNotifierContractViolation

	// KindExhausted means the peer never acknowledged all the outbound
	// bytes within [Config.CloseTimeout].
	KindExhausted
)

// String implements [fmt.Stringer].
func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "IO"
	case KindConnectFailed:
		return "ConnectFailed"
	case KindPeerReset:
		return "PeerReset"
	case KindBrokenPipe:
		return "BrokenPipe"
	case KindNotifierContractViolation:
		return "NotifierContractViolation"
	case KindExhausted:
		return "Exhausted"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is the error type delivered with [EventError] and returned
// by [*Conn.Err] once the connection is in [PhaseError].
type Error struct {
	// Kind classifies the failure.
	Kind ErrorKind

	// Op is the operation that failed (e.g., "connect", "read", "write").
	Op string

	// Err is the underlying error, if any.
	Err error
}

// Error implements error.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("safetcp: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("safetcp: %s: %s (%s)", e.Op, e.Err.Error(), e.Kind)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// newIOError maps a hard error returned by [Sys] during op to an [*Error].
func newIOError(op string, err error) *Error {
	kind := KindIO
	switch {
	case errors.Is(err, syscall.ECONNRESET):
		kind = KindPeerReset
	case errors.Is(err, syscall.EPIPE):
		kind = KindBrokenPipe
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
