// SPDX-License-Identifier: GPL-3.0-or-later

//go:build unix

package safetcp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"

	"github.com/bassosimone/safeconn"
	"golang.org/x/sys/unix"
)

// AcceptConn adopts a connected [net.Conn], such as one returned by
// [*net.TCPListener.Accept], and returns a [*Conn] like [Accept] does.
//
// The conn must implement [syscall.Conn]. AcceptConn duplicates its
// descriptor and closes conn in all cases, without affecting the socket.
func AcceptConn(cfg *Config, logger SLogger, conn net.Conn,
	notifier Notifier, handler Handler) (*Conn, error) {
	logger.Info(
		"adoptConn",
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t", cfg.TimeNow()),
	)
	fd, err := dupConn(conn)
	conn.Close()
	if err != nil {
		return nil, err
	}
	return Accept(cfg, logger, fd, notifier, handler)
}

func dupConn(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("safetcp: %T does not expose a descriptor", conn)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd, dupErr := -1, error(nil)
	ctrlErr := rc.Control(func(s uintptr) {
		fd, dupErr = unix.Dup(int(s))
	})
	if err := errors.Join(ctrlErr, dupErr); err != nil {
		if fd >= 0 {
			unix.Close(fd)
		}
		return -1, err
	}
	return fd, nil
}
