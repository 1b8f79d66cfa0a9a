// SPDX-License-Identifier: GPL-3.0-or-later

package safetcp

import (
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/eapache/queue"
)

// Conn is a TCP connection driven by edge-triggered readiness signals.
//
// A Conn exclusively owns its socket descriptor and releases it exactly
// once, when entering [PhaseClosed] or [PhaseError]. Use [*Conn.State] to
// obtain the operations that are valid in the current phase.
//
// A Conn has a single owner: every method, including Poll, must be called
// from the goroutine that runs the [Notifier] the connection is registered
// with. There are no internal locks.
type Conn struct {
	cfg      *Config
	handler  Handler
	inbound  bool
	logger   SLogger
	notifier Notifier
	spanID   string
	t0       time.Time

	fd    int
	phase Phase

	local netip.AddrPort
	peer  netip.AddrPort

	// outbound holds []byte chunks not yet accepted by the kernel;
	// frontOff is how much of the front chunk was already written.
	outbound *queue.Queue
	frontOff int
	queued   int

	submitted uint64
	acked     uint64

	closeRequested bool
	closeStarted   time.Time
	shutdownDone   bool
	peerEOF        bool
	pollDelay      time.Duration
	slot           InstantSlot
	slotActive     bool

	pendingErr *Error
	lastErr    *Error

	readBuf []byte

	// sig accumulates signals until the next pass; driving and dirty
	// let handlers call back into the connection while it is being driven.
	sig     Signal
	driving bool
	dirty   bool
}

var _ Pollable = &Conn{}

func newConn(cfg *Config, logger SLogger, notifier Notifier, handler Handler) *Conn {
	runtimex.Assert(cfg != nil && notifier != nil && handler != nil)
	size := cfg.ReadBufferSize
	if size <= 0 {
		size = defaultReadBufferSize
	}
	return &Conn{
		cfg:      cfg,
		handler:  handler,
		logger:   logger,
		notifier: notifier,
		spanID:   NewSpanID(),
		t0:       cfg.TimeNow(),
		fd:       -1,
		phase:    PhaseConnecting,
		outbound: queue.New(),
		readBuf:  make([]byte, size),
	}
}

// Dial starts a non-blocking connect to remote and returns a [*Conn] in
// [PhaseConnecting].
//
// The local argument is the address to bind to; pass the zero value to let
// the kernel choose. Errors creating, binding, or registering the socket are
// returned directly. A failure of the connect itself is delivered as a
// single [EventError] of kind [KindConnectFailed] when the connection is
// first polled, never as a return value.
func Dial(cfg *Config, logger SLogger, local, remote netip.AddrPort,
	notifier Notifier, handler Handler) (*Conn, error) {
	runtimex.Assert(remote.IsValid())
	c := newConn(cfg, logger, notifier, handler)
	c.peer = remote
	c.logger.Info(
		"connectStart",
		slog.String("localAddr", addrString(local)),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", remote.String()),
		slog.String("spanID", c.spanID),
		slog.Time("t", c.t0),
	)

	fd, err := cfg.Sys.Socket(remote)
	if err != nil {
		c.logSetupFailure("connectDone", err)
		return nil, err
	}
	if local.IsValid() {
		if err := cfg.Sys.Bind(fd, local); err != nil {
			cfg.Sys.Close(fd)
			c.logSetupFailure("connectDone", err)
			return nil, err
		}
	}

	// Register before connecting so that no edge can be missed.
	if err := notifier.AddFD(fd, c); err != nil {
		cfg.Sys.Close(fd)
		c.logSetupFailure("connectDone", err)
		return nil, err
	}
	c.fd = fd
	cfg.Metrics.opened()
	cfg.Metrics.phase(PhaseConnecting)

	if err := cfg.Sys.Connect(fd, remote); err != nil {
		c.pendingErr = &Error{Kind: KindConnectFailed, Op: "connect", Err: err}
		notifier.Queue(c)
	}
	return c, nil
}

// Accept adopts fd, an already established inbound connection (e.g., as
// returned by a [*Listener]), and returns a [*Conn] in [PhaseConnecting].
//
// Accept takes ownership of fd and closes it on error. The connection
// checks the socket and enters [PhaseConnected] when first polled.
func Accept(cfg *Config, logger SLogger, fd int, notifier Notifier, handler Handler) (*Conn, error) {
	c := newConn(cfg, logger, notifier, handler)
	c.inbound = true
	c.logger.Info(
		"acceptStart",
		slog.Int("fd", fd),
		slog.String("protocol", "tcp"),
		slog.String("spanID", c.spanID),
		slog.Time("t", c.t0),
	)
	if err := cfg.Sys.Prepare(fd); err != nil {
		cfg.Sys.Close(fd)
		c.logSetupFailure("acceptDone", err)
		return nil, err
	}
	if err := notifier.AddFD(fd, c); err != nil {
		cfg.Sys.Close(fd)
		c.logSetupFailure("acceptDone", err)
		return nil, err
	}
	c.fd = fd
	cfg.Metrics.opened()
	cfg.Metrics.phase(PhaseConnecting)
	notifier.Queue(c)
	return c, nil
}

// Phase returns the current phase.
func (c *Conn) Phase() Phase {
	return c.phase
}

// Err returns the error that moved the connection to [PhaseError], or nil.
func (c *Conn) Err() error {
	if c.lastErr == nil {
		return nil
	}
	return c.lastErr
}

// SpanID returns the identifier attached to this connection's log events.
func (c *Conn) SpanID() string {
	return c.spanID
}

// LocalAddr returns the local address, valid once connected.
func (c *Conn) LocalAddr() netip.AddrPort {
	return c.local
}

// PeerAddr returns the peer address. For dialed connections it is the
// dial target until connected; for accepted ones it is valid once connected.
func (c *Conn) PeerAddr() netip.AddrPort {
	return c.peer
}

// Queued returns the number of bytes waiting to be accepted by the kernel.
func (c *Conn) Queued() int {
	return c.queued
}

// Submitted returns the number of bytes accepted by the kernel so far.
func (c *Conn) Submitted() uint64 {
	return c.submitted
}

// Acknowledged returns the number of submitted bytes the peer acknowledged.
func (c *Conn) Acknowledged() uint64 {
	return c.acked
}

// Poll implements [Pollable].
//
// Poll drains the connection for the given signal: it completes a pending
// connect, writes queued bytes and reads available bytes until the kernel
// reports [ErrWouldBlock], and advances the close protocol. Events are
// delivered to the handler before Poll returns.
//
// Polling a connection whose handle was already released returns an
// [*Error] of kind [KindNotifierContractViolation] and has no effect.
func (c *Conn) Poll(sig Signal) error {
	if c.phase.Terminal() {
		// A poll queued before the connection terminated is benign.
		if sig&^SignalQueued == 0 {
			return nil
		}
		c.cfg.Metrics.stale()
		err := &Error{Kind: KindNotifierContractViolation, Op: "poll"}
		c.logger.Debug(
			"staleSignal",
			slog.Any("err", err),
			slog.String("phase", c.phase.String()),
			slog.String("signal", sig.String()),
			slog.String("spanID", c.spanID),
			slog.Time("t", c.cfg.TimeNow()),
		)
		return err
	}
	if sig&SignalTimer != 0 {
		c.slotActive = false
	}
	c.sig |= sig
	c.drive()
	return nil
}

// drive runs passes until no handler asked for more work. A call made
// while already driving only marks the connection dirty: the running
// loop performs the extra pass before returning.
func (c *Conn) drive() {
	if c.driving {
		c.dirty = true
		return
	}
	c.driving = true
	defer func() { c.driving = false }()
	for {
		c.dirty = false
		c.pass()
		if c.phase.Terminal() || !c.dirty {
			return
		}
	}
}

func (c *Conn) pass() {
	sig := c.sig
	c.sig = 0
	switch c.phase {
	case PhaseConnecting:
		c.checkConnect(sig)
	case PhaseConnected, PhaseRemoteClosed, PhaseClosing:
		c.transfer(sig)
	}
}

func (c *Conn) checkConnect(sig Signal) {
	if c.pendingErr != nil {
		c.fail(c.pendingErr)
		return
	}
	if err := c.cfg.Sys.SocketError(c.fd); err != nil {
		c.fail(&Error{Kind: KindConnectFailed, Op: "connect", Err: err})
		return
	}
	peer, err := c.cfg.Sys.PeerAddr(c.fd)
	if errors.Is(err, ErrNotConnected) {
		if sig&SignalError != 0 {
			c.fail(&Error{Kind: KindConnectFailed, Op: "connect", Err: err})
		}
		return
	}
	if err != nil {
		c.fail(&Error{Kind: KindConnectFailed, Op: "connect", Err: err})
		return
	}
	local, err := c.cfg.Sys.LocalAddr(c.fd)
	if err != nil {
		c.fail(&Error{Kind: KindConnectFailed, Op: "connect", Err: err})
		return
	}
	c.local, c.peer = local, peer
	c.logConnectDone(nil)
	c.setPhase(PhaseConnected)
	c.emit(Event{Kind: EventConnected})

	// The edge that completed the connect may also carry readable bytes.
	if !c.phase.Terminal() {
		c.sig |= sig
		c.dirty = true
	}
}

// transfer is a pass over an established connection.
func (c *Conn) transfer(sig Signal) {
	if !c.drainWrite() {
		return
	}
	if !c.peerEOF && !c.drainRead() {
		return
	}
	if sig&SignalError != 0 {
		if err := c.cfg.Sys.SocketError(c.fd); err != nil {
			c.fail(newIOError("poll", err))
			return
		}
	}
	if c.phase == PhaseClosing {
		c.progressClose()
		return
	}
	if c.submitted > c.acked {
		c.reportAcks()
	}
}

func (c *Conn) setPhase(next Phase) {
	runtimex.Assert(c.phase.canTransition(next))
	prev := c.phase
	c.phase = next
	c.cfg.Metrics.phase(next)
	c.logger.Info(
		"phaseChange",
		slog.Int("fd", c.fd),
		slog.String("localAddr", addrString(c.local)),
		slog.String("phase", next.String()),
		slog.String("prevPhase", prev.String()),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", addrString(c.peer)),
		slog.String("spanID", c.spanID),
		slog.Time("t", c.cfg.TimeNow()),
	)
}

func (c *Conn) emit(ev Event) {
	c.handler.HandleEvent(c, ev)
}

// fail moves the connection to [PhaseError], releases the handle, and
// delivers the one and only [EventError].
func (c *Conn) fail(err *Error) {
	if c.phase.Terminal() {
		return
	}
	if c.phase == PhaseConnecting {
		c.logConnectDone(err)
	}
	c.lastErr = err
	c.cfg.Metrics.failed(err.Kind)
	c.setPhase(PhaseError)
	c.release()
	c.emit(Event{Kind: EventError, Err: err})
}

// release deregisters and closes the handle. It runs exactly once.
func (c *Conn) release() {
	runtimex.Assert(c.fd >= 0)
	if c.slotActive {
		c.notifier.RemoveInstant(c.slot)
		c.slotActive = false
	}
	t0 := c.cfg.TimeNow()
	c.logger.Info(
		"closeStart",
		slog.Int("fd", c.fd),
		slog.String("localAddr", addrString(c.local)),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", addrString(c.peer)),
		slog.String("spanID", c.spanID),
		slog.Time("t", t0),
	)

	err := errors.Join(c.notifier.RemoveFD(c.fd), c.cfg.Sys.Close(c.fd))

	c.logger.Info(
		"closeDone",
		slog.Any("err", err),
		slog.String("errClass", c.cfg.ErrClassifier.Classify(err)),
		slog.Int("fd", c.fd),
		slog.String("localAddr", addrString(c.local)),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", addrString(c.peer)),
		slog.String("spanID", c.spanID),
		slog.Time("t0", t0),
		slog.Time("t", c.cfg.TimeNow()),
	)
	c.fd = -1
	c.readBuf = nil
	c.cfg.Metrics.released()
}

func (c *Conn) logConnectDone(err *Error) {
	msg := "connectDone"
	if c.inbound {
		msg = "acceptDone"
	}
	var cause error
	if err != nil {
		cause = err.Err
	}
	c.logger.Info(
		msg,
		slog.Any("err", cause),
		slog.String("errClass", c.cfg.ErrClassifier.Classify(cause)),
		slog.Int("fd", c.fd),
		slog.String("localAddr", addrString(c.local)),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", addrString(c.peer)),
		slog.String("spanID", c.spanID),
		slog.Time("t0", c.t0),
		slog.Time("t", c.cfg.TimeNow()),
	)
}

func (c *Conn) logSetupFailure(msg string, err error) {
	c.logger.Info(
		msg,
		slog.Any("err", err),
		slog.String("errClass", c.cfg.ErrClassifier.Classify(err)),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", addrString(c.peer)),
		slog.String("spanID", c.spanID),
		slog.Time("t0", c.t0),
		slog.Time("t", c.cfg.TimeNow()),
	)
}

func addrString(ap netip.AddrPort) string {
	if !ap.IsValid() {
		return ""
	}
	return ap.String()
}
