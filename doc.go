// SPDX-License-Identifier: GPL-3.0-or-later

// Package safetcp provides non-blocking TCP connections driven by an
// edge-triggered readiness notifier, with a close protocol that does not
// lose data.
//
// # Core Abstraction
//
// A [*Conn] is a state machine over a socket descriptor. A [Notifier]
// (see the epoll subpackage) calls [*Conn.Poll] whenever the descriptor
// becomes readable, writable, or errored, and the connection drains every
// condition until the kernel would block. Application code receives
// [Event] values synchronously through a [Handler].
//
// # Phases
//
// A connection goes through these phases:
//
//	Connecting -> Connected -> RemoteClosed -> Closing -> Closed
//	                                                   \-> Error
//
// Every non-terminal phase can move to [PhaseError]. Closed and Error are
// terminal: the descriptor is released exactly once when entering them and
// no event follows. [*Conn.State] returns a view whose methods are exactly
// those allowed in the current phase: only [*Connected] and
// [*RemoteClosed] have Send and Close.
//
// # Orderly Close
//
// Closing the descriptor while the peer still has to acknowledge bytes, or
// while unread bytes sit in the receive buffer, makes the kernel send a
// reset and the peer may lose data. After Close, the connection therefore:
//
//  1. writes all queued bytes
//  2. shuts down its write side once
//  3. keeps reading until the peer closes its own write side
//  4. polls the [AckOracle] until the peer acknowledged everything
//
// and only then releases the descriptor and emits [EventClosed]. The oracle
// is polled with an exponential backoff through [Notifier.AddInstant]; if
// [Config.CloseTimeout] elapses first the connection fails with
// [KindExhausted].
//
// # Ownership
//
// A connection and its notifier belong to a single goroutine. There are no
// locks: handlers may call Send or Close on the connection they are
// notified about, and the connection performs the resulting work before
// the current Poll returns.
//
// # Observability
//
// Connections emit structured logs through an [SLogger] (a [*slog.Logger]
// works), classify errors with an [ErrClassifier], tag each connection
// with a span ID from [NewSpanID], and optionally record Prometheus
// metrics through [*Metrics].
package safetcp
