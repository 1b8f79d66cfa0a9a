// SPDX-License-Identifier: GPL-3.0-or-later

package safetcp

import (
	"bytes"
	"errors"
	"log/slog"
	"time"

	"github.com/bassosimone/runtimex"
)

// send appends a copy of data to the outbound queue and tries to flush it.
func (c *Conn) send(data []byte) {
	runtimex.Assert(c.phase == PhaseConnected || c.phase == PhaseRemoteClosed)
	if len(data) == 0 {
		return
	}
	c.outbound.Add(bytes.Clone(data))
	c.queued += len(data)
	c.flush()
}

// flush makes a best-effort write attempt. Inside a running pass it
// only asks the pass to run again.
func (c *Conn) flush() {
	if c.driving {
		c.dirty = true
		return
	}
	c.driving = true
	defer func() { c.driving = false }()
	c.drainWrite()
}

// drainWrite writes queued chunks until the queue is empty or the kernel
// would block. It returns false when the connection terminated.
func (c *Conn) drainWrite() bool {
	for c.outbound.Length() > 0 {
		chunk := c.outbound.Peek().([]byte)
		t0 := c.cfg.TimeNow()
		n, err := c.cfg.Sys.Write(c.fd, chunk[c.frontOff:])
		switch {
		case errors.Is(err, ErrWouldBlock):
			return true
		case err != nil:
			c.logWriteDone(t0, 0, err)
			c.fail(newIOError("write", err))
			return false
		case n <= 0:
			return true
		}
		c.consume(n)
		c.logWriteDone(t0, n, nil)
	}
	return true
}

// consume drops exactly n accepted bytes from the front of the queue.
func (c *Conn) consume(n int) {
	chunk := c.outbound.Peek().([]byte)
	runtimex.Assert(c.frontOff+n <= len(chunk))
	c.frontOff += n
	c.queued -= n
	c.submitted += uint64(n)
	c.cfg.Metrics.submitted(n)
	if c.frontOff == len(chunk) {
		c.outbound.Remove()
		c.frontOff = 0
	}
}

func (c *Conn) logWriteDone(t0 time.Time, n int, err error) {
	c.logger.Debug(
		"writeDone",
		slog.Any("err", err),
		slog.String("errClass", c.cfg.ErrClassifier.Classify(err)),
		slog.Int("fd", c.fd),
		slog.Int("ioBytesCount", n),
		slog.Int("queued", c.queued),
		slog.String("spanID", c.spanID),
		slog.Time("t0", t0),
		slog.Time("t", c.cfg.TimeNow()),
	)
}
