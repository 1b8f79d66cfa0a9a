// SPDX-License-Identifier: GPL-3.0-or-later

package safetcp

import (
	"strings"
	"time"
)

// Signal is the set of conditions that caused a [Pollable] to be polled.
type Signal uint32

const (
	// SignalReadable means the handle became readable (edge).
	SignalReadable Signal = 1 << iota

	// SignalWritable means the handle became writable (edge).
	SignalWritable

	// SignalError means the notifier saw an error or hang-up condition.
	SignalError

	// SignalTimer means an instant registered with [Notifier.AddInstant] expired.
	SignalTimer

	// SignalQueued means the pollable was scheduled with [Notifier.Queue].
	SignalQueued
)

// String implements [fmt.Stringer].
func (s Signal) String() string {
	if s == 0 {
		return "none"
	}
	var parts []string
	for _, e := range []struct {
		bit  Signal
		name string
	}{
		{SignalReadable, "readable"},
		{SignalWritable, "writable"},
		{SignalError, "error"},
		{SignalTimer, "timer"},
		{SignalQueued, "queued"},
	} {
		if s&e.bit != 0 {
			parts = append(parts, e.name)
		}
	}
	return strings.Join(parts, "|")
}

// Pollable is something a [Notifier] polls. Both [*Conn] and [*Listener]
// implement it.
//
// Poll must be called from the single goroutine that owns the pollable. It
// drains every condition to exhaustion before returning. A non-nil error
// reports a contract violation by the caller (e.g., polling a released
// handle) and never a connection failure, which is delivered as an event.
type Pollable interface {
	Poll(sig Signal) error
}

// InstantSlot identifies an instant registered with [Notifier.AddInstant].
type InstantSlot uint64

// Notifier is the readiness notification contract consumed by this package.
//
// Implementations must deliver edge-triggered readable, writable, and error
// signals for every registered descriptor whenever the corresponding kernel
// condition transitions. Missing an edge is a contract violation the
// connection cannot detect. See the epoll subpackage for a Linux implementation.
type Notifier interface {
	// Queue arranges for p to be polled as soon as possible.
	Queue(p Pollable)

	// AddFD starts delivering edge-triggered signals for fd to p.
	AddFD(fd int, p Pollable) error

	// RemoveFD stops delivering signals for fd.
	RemoveFD(fd int) error

	// AddInstant arranges for p to be polled with [SignalTimer] at t.
	AddInstant(t time.Time, p Pollable) InstantSlot

	// RemoveInstant cancels an instant registered with AddInstant.
	RemoveInstant(slot InstantSlot)
}
