// SPDX-License-Identifier: GPL-3.0-or-later

package safetcp

import "fmt"

// Phase is the lifecycle phase of a [*Conn].
//
// Phases only ever move forward:
//
//	Connecting -> Connected -> RemoteClosed -> Closing -> Closed
//
// with Error reachable from any non-terminal phase. Closed and Error
// are terminal.
type Phase int

const (
	// PhaseConnecting means the connect is in progress (or an accepted
	// handle has not been checked yet).
	PhaseConnecting Phase = iota

	// PhaseConnected means both directions are open.
	PhaseConnected

	// PhaseRemoteClosed means the peer sent EOF; we may still send.
	PhaseRemoteClosed

	// PhaseClosing means close was requested and we are draining.
	PhaseClosing

	// PhaseClosed means the handle was released after a clean close.
	PhaseClosed

	// PhaseError means the connection failed; the handle was released.
	PhaseError
)

// String implements [fmt.Stringer].
func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "Connecting"
	case PhaseConnected:
		return "Connected"
	case PhaseRemoteClosed:
		return "RemoteClosed"
	case PhaseClosing:
		return "Closing"
	case PhaseClosed:
		return "Closed"
	case PhaseError:
		return "Error"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Terminal returns whether the phase is Closed or Error.
func (p Phase) Terminal() bool {
	return p == PhaseClosed || p == PhaseError
}

// canTransition returns whether moving from p to next respects the
// forward-only ordering of phases.
func (p Phase) canTransition(next Phase) bool {
	if p.Terminal() {
		return false
	}
	if next == PhaseError {
		return true
	}
	return next > p
}
