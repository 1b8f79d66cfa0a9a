// SPDX-License-Identifier: GPL-3.0-or-later

package safetcp

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"time"
)

// drainRead reads until the kernel would block, delivering each chunk as
// an [EventDataReceived]. It returns false when the connection terminated.
func (c *Conn) drainRead() bool {
	for {
		t0 := c.cfg.TimeNow()
		n, err := c.cfg.Sys.Read(c.fd, c.readBuf)
		switch {
		case errors.Is(err, ErrWouldBlock):
			return true

		case errors.Is(err, io.EOF):
			c.peerEOF = true
			c.logReadDone(t0, 0, err)
			if c.phase == PhaseConnected {
				c.setPhase(PhaseRemoteClosed)
			}
			c.emit(Event{Kind: EventRemoteClosed})
			return !c.phase.Terminal()

		case err != nil:
			c.logReadDone(t0, 0, err)
			c.fail(newIOError("read", err))
			return false

		case n <= 0:
			return true
		}

		c.logReadDone(t0, n, nil)
		c.cfg.Metrics.received(n)
		c.emit(Event{Kind: EventDataReceived, Data: bytes.Clone(c.readBuf[:n])})
		if c.phase.Terminal() {
			return false
		}
	}
}

func (c *Conn) logReadDone(t0 time.Time, n int, err error) {
	c.logger.Debug(
		"readDone",
		slog.Any("err", err),
		slog.String("errClass", c.cfg.ErrClassifier.Classify(err)),
		slog.Int("fd", c.fd),
		slog.Int("ioBytesCount", n),
		slog.String("spanID", c.spanID),
		slog.Time("t0", t0),
		slog.Time("t", c.cfg.TimeNow()),
	)
}
