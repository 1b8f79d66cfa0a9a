// SPDX-License-Identifier: GPL-3.0-or-later

package safetcp

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/bassosimone/runtimex"
)

// AcceptFunc receives an accepted descriptor and its peer address.
//
// The function owns fd. It typically passes it to [Accept].
type AcceptFunc func(fd int, peer netip.AddrPort)

// Listener is a non-blocking listening socket registered with a [Notifier].
//
// Like [*Conn], a Listener must only be used from the notifier goroutine.
type Listener struct {
	addr     netip.AddrPort
	cfg      *Config
	closed   bool
	fd       int
	logger   SLogger
	notifier Notifier
	onAccept AcceptFunc

	// retry is the instant re-polling the listener after a hard
	// accept error, valid when retrying is true.
	retry    InstantSlot
	retrying bool
}

var _ Pollable = &Listener{}

// Listen creates a listening socket bound to local and registers it with
// notifier. Each poll accepts all pending connections and passes them
// to onAccept.
func Listen(cfg *Config, logger SLogger, local netip.AddrPort,
	notifier Notifier, onAccept AcceptFunc) (*Listener, error) {
	runtimex.Assert(onAccept != nil)
	t0 := cfg.TimeNow()
	logger.Info(
		"listenStart",
		slog.String("localAddr", local.String()),
		slog.String("protocol", "tcp"),
		slog.Time("t", t0),
	)
	l, err := listen(cfg, logger, local, notifier, onAccept)
	var addr netip.AddrPort
	if l != nil {
		addr = l.addr
	}
	logger.Info(
		"listenDone",
		slog.Any("err", err),
		slog.String("errClass", cfg.ErrClassifier.Classify(err)),
		slog.String("localAddr", addrString(addr)),
		slog.String("protocol", "tcp"),
		slog.Time("t0", t0),
		slog.Time("t", cfg.TimeNow()),
	)
	return l, err
}

func listen(cfg *Config, logger SLogger, local netip.AddrPort,
	notifier Notifier, onAccept AcceptFunc) (*Listener, error) {
	fd, err := cfg.Sys.Listen(local, listenBacklog)
	if err != nil {
		return nil, err
	}
	addr, err := cfg.Sys.LocalAddr(fd)
	if err != nil {
		cfg.Sys.Close(fd)
		return nil, err
	}
	l := &Listener{
		addr:     addr,
		cfg:      cfg,
		fd:       fd,
		logger:   logger,
		notifier: notifier,
		onAccept: onAccept,
	}
	if err := notifier.AddFD(fd, l); err != nil {
		cfg.Sys.Close(fd)
		return nil, err
	}
	return l, nil
}

// Addr returns the bound address, including the port the kernel chose.
func (l *Listener) Addr() netip.AddrPort {
	return l.addr
}

// Poll implements [Pollable].
//
// A hard accept error (e.g., EMFILE) stops the loop and is returned.
// Pending connections remain in the backlog, so the listener polls
// itself again after [Config.AcceptRetryInterval].
func (l *Listener) Poll(sig Signal) error {
	if l.closed {
		if sig&^SignalQueued == 0 {
			return nil
		}
		l.cfg.Metrics.stale()
		return &Error{Kind: KindNotifierContractViolation, Op: "accept"}
	}
	if sig&SignalTimer != 0 {
		l.retrying = false
	}
	for {
		fd, peer, err := l.cfg.Sys.Accept(l.fd)
		if errors.Is(err, ErrWouldBlock) {
			return nil
		}
		l.logger.Info(
			"acceptDone",
			slog.Any("err", err),
			slog.String("errClass", l.cfg.ErrClassifier.Classify(err)),
			slog.Int("fd", fd),
			slog.String("localAddr", l.addr.String()),
			slog.String("protocol", "tcp"),
			slog.String("remoteAddr", addrString(peer)),
			slog.Time("t", l.cfg.TimeNow()),
		)
		if err != nil {
			l.scheduleRetry()
			return fmt.Errorf("safetcp: accept: %w", err)
		}
		l.onAccept(fd, peer)
		if l.closed {
			return nil
		}
	}
}

func (l *Listener) scheduleRetry() {
	if l.retrying {
		return
	}
	l.retry = l.notifier.AddInstant(l.cfg.TimeNow().Add(l.cfg.AcceptRetryInterval), l)
	l.retrying = true
}

// Close deregisters and closes the listening socket. Calling it again
// is a no-op returning nil.
func (l *Listener) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	if l.retrying {
		l.notifier.RemoveInstant(l.retry)
		l.retrying = false
	}
	err := errors.Join(l.notifier.RemoveFD(l.fd), l.cfg.Sys.Close(l.fd))
	l.logger.Info(
		"listenerClose",
		slog.Any("err", err),
		slog.String("errClass", l.cfg.ErrClassifier.Classify(err)),
		slog.String("localAddr", l.addr.String()),
		slog.String("protocol", "tcp"),
		slog.Time("t", l.cfg.TimeNow()),
	)
	return err
}
