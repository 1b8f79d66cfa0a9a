// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux

package safetcp

import (
	"errors"
	"fmt"
	"io"
	"net/netip"

	"golang.org/x/sys/unix"
)

// NewSys returns the [Sys] backed by the Linux socket API.
func NewSys() Sys {
	return linuxSys{}
}

// linuxSys implements [Sys] using [golang.org/x/sys/unix].
type linuxSys struct{}

var _ Sys = linuxSys{}

// Socket implements [Sys].
func (linuxSys) Socket(remote netip.AddrPort) (int, error) {
	fd, err := unix.Socket(familyOf(remote), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := setNoDelay(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Bind implements [Sys].
func (linuxSys) Bind(fd int, local netip.AddrPort) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	sa, err := sockaddrFor(fd, local)
	if err != nil {
		return err
	}
	return unix.Bind(fd, sa)
}

// Connect implements [Sys].
func (linuxSys) Connect(fd int, remote netip.AddrPort) error {
	sa, err := sockaddrFor(fd, remote)
	if err != nil {
		return err
	}
	switch err := unix.Connect(fd, sa); {
	case err == nil:
		return nil
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR):
		// the connect continues asynchronously
		return nil
	default:
		return err
	}
}

// Prepare implements [Sys].
func (linuxSys) Prepare(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("set nonblock: %w", err)
	}
	unix.CloseOnExec(fd)
	return setNoDelay(fd)
}

// Read implements [Sys].
func (linuxSys) Read(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		case err != nil:
			return 0, err
		case n == 0 && len(p) > 0:
			return 0, io.EOF
		default:
			return n, nil
		}
	}
}

// Write implements [Sys].
//
// We use MSG_NOSIGNAL so that writing to a connection the peer reset
// returns EPIPE rather than raising SIGPIPE.
func (linuxSys) Write(fd int, p []byte) (int, error) {
	for {
		n, err := unix.SendmsgN(fd, p, nil, nil, unix.MSG_NOSIGNAL|unix.MSG_DONTWAIT)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		case err != nil:
			return 0, err
		default:
			return n, nil
		}
	}
}

// SocketError implements [Sys].
func (linuxSys) SocketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

// LocalAddr implements [Sys].
func (linuxSys) LocalAddr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return addrPortOf(sa)
}

// PeerAddr implements [Sys].
func (linuxSys) PeerAddr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getpeername(fd)
	if errors.Is(err, unix.ENOTCONN) {
		return netip.AddrPort{}, ErrNotConnected
	}
	if err != nil {
		return netip.AddrPort{}, err
	}
	return addrPortOf(sa)
}

// Shutdown implements [Sys].
func (linuxSys) Shutdown(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}

// Close implements [Sys].
func (linuxSys) Close(fd int) error {
	return unix.Close(fd)
}

// Listen implements [Sys].
func (s linuxSys) Listen(local netip.AddrPort, backlog int) (int, error) {
	fd, err := unix.Socket(familyOf(local), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := s.Bind(fd, local); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

// Accept implements [Sys].
func (linuxSys) Accept(fd int) (int, netip.AddrPort, error) {
	for {
		nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			// the peer gave up before we accepted; try the next one
			continue
		case errors.Is(err, unix.EAGAIN):
			return -1, netip.AddrPort{}, ErrWouldBlock
		case err != nil:
			return -1, netip.AddrPort{}, err
		}
		peer, err := addrPortOf(sa)
		if err == nil {
			err = setNoDelay(nfd)
		}
		if err != nil {
			unix.Close(nfd)
			return -1, netip.AddrPort{}, err
		}
		return nfd, peer, nil
	}
}

// Unacknowledged implements [AckOracle] using SIOCOUTQ, which reports the
// bytes in the send queue that the peer has not acknowledged yet.
func (linuxSys) Unacknowledged(fd int) (int, error) {
	return unix.IoctlGetInt(fd, unix.SIOCOUTQ)
}

func setNoDelay(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return fmt.Errorf("setsockopt TCP_NODELAY: %w", err)
	}
	return nil
}

func familyOf(ap netip.AddrPort) int {
	if ap.Addr().Unmap().Is4() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// sockaddrFor converts ap to a sockaddr matching the family of fd.
func sockaddrFor(fd int, ap netip.AddrPort) (unix.Sockaddr, error) {
	domain, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_DOMAIN)
	if err != nil {
		return nil, fmt.Errorf("getsockopt SO_DOMAIN: %w", err)
	}
	addr := ap.Addr().Unmap()
	switch {
	case domain == unix.AF_INET && addr.Is4():
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}, nil
	case domain == unix.AF_INET6:
		return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}, nil
	default:
		return nil, fmt.Errorf("address %s does not match socket family", ap)
	}
}

func addrPortOf(sa unix.Sockaddr) (netip.AddrPort, error) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)), nil
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port)), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("unsupported sockaddr %T", sa)
	}
}
