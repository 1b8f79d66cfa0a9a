// SPDX-License-Identifier: GPL-3.0-or-later

package safetcp

import (
	"log/slog"
	"time"

	"github.com/bassosimone/runtimex"
)

// requestClose starts the orderly close. Calling it again is a no-op.
func (c *Conn) requestClose() {
	if c.closeRequested || c.phase.Terminal() {
		return
	}
	runtimex.Assert(c.phase == PhaseConnected || c.phase == PhaseRemoteClosed)
	c.closeRequested = true
	c.closeStarted = c.cfg.TimeNow()
	c.setPhase(PhaseClosing)
	c.drive()
}

// reportAcks queries the oracle and emits [EventBytesAcknowledged] for
// newly acknowledged bytes. It returns the oracle count and false when
// the connection terminated.
func (c *Conn) reportAcks() (int, bool) {
	unacked, err := c.cfg.Sys.Unacknowledged(c.fd)
	c.logger.Debug(
		"ackPoll",
		slog.Any("err", err),
		slog.String("errClass", c.cfg.ErrClassifier.Classify(err)),
		slog.Int("fd", c.fd),
		slog.Uint64("submitted", c.submitted),
		slog.String("spanID", c.spanID),
		slog.Time("t", c.cfg.TimeNow()),
		slog.Int("unacked", unacked),
	)
	if err != nil {
		c.fail(newIOError("ack", err))
		return 0, false
	}

	// After shutdown the count includes the FIN. It may also include
	// bytes written before we adopted the handle, so clamp it.
	pending := uint64(max(unacked, 0))
	if c.shutdownDone && pending > 0 {
		pending--
	}
	acked := c.submitted - min(pending, c.submitted)
	if acked > c.acked {
		delta := acked - c.acked
		c.acked = acked
		c.cfg.Metrics.acknowledged(int(delta))
		c.emit(Event{Kind: EventBytesAcknowledged, Acknowledged: int(delta)})
		if c.phase.Terminal() {
			return unacked, false
		}
	}
	return unacked, true
}

// progressClose advances a connection in [PhaseClosing]: shut down the
// write side once the queue is empty, then wait for the peer to close
// its side and acknowledge everything including our FIN.
func (c *Conn) progressClose() {
	if c.queued == 0 && !c.shutdownDone && !c.shutdown() {
		return
	}
	unacked, ok := c.reportAcks()
	if !ok {
		return
	}
	if c.phase != PhaseClosing {
		return
	}
	if c.shutdownDone && c.peerEOF && unacked == 0 {
		c.setPhase(PhaseClosed)
		c.release()
		c.emit(Event{Kind: EventClosed})
		return
	}
	now := c.cfg.TimeNow()
	deadline := c.closeStarted.Add(c.cfg.CloseTimeout)
	if !now.Before(deadline) {
		c.fail(&Error{Kind: KindExhausted, Op: "close"})
		return
	}
	c.scheduleAckPoll(now, deadline)
}

func (c *Conn) shutdown() bool {
	t0 := c.cfg.TimeNow()
	c.logger.Info(
		"shutdownStart",
		slog.Int("fd", c.fd),
		slog.String("localAddr", addrString(c.local)),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", addrString(c.peer)),
		slog.String("spanID", c.spanID),
		slog.Time("t", t0),
	)
	err := c.cfg.Sys.Shutdown(c.fd)
	c.logger.Info(
		"shutdownDone",
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
	if err != nil {
		c.fail(newIOError("shutdown", err))
		return false
	}
	c.shutdownDone = true
	return true
}

// scheduleAckPoll arms an instant firing after the current backoff delay
// but never after deadline. A pending instant is kept as is: the delay
// only grows when an instant fires.
func (c *Conn) scheduleAckPoll(now, deadline time.Time) {
	if c.slotActive {
		return
	}
	delay := c.pollDelay
	if delay <= 0 {
		delay = c.cfg.AckPollInterval
	}
	at := now.Add(delay)
	if at.After(deadline) {
		at = deadline
	}
	c.slot = c.notifier.AddInstant(at, c)
	c.slotActive = true
	c.pollDelay = min(2*delay, c.cfg.AckPollMaxInterval)
}
