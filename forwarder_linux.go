// SPDX-License-Identifier: GPL-3.0-or-later

package safetcp

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// SocketForwarder is the sending end of a channel passing descriptors
// between event loops, e.g. from an accepting loop to worker loops.
type SocketForwarder struct {
	fd int
}

// SocketForwardee is the receiving end of a [*SocketForwarder]. Register
// [*SocketForwardee.FD] with the receiving loop's [Notifier] and call
// Recv until it returns [ErrWouldBlock].
type SocketForwardee struct {
	fd int
}

// NewSocketForwarder creates a connected pair of non-blocking unix
// datagram sockets. Each datagram carries exactly one descriptor.
func NewSocketForwarder() (*SocketForwarder, *SocketForwardee, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX,
		unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, err
	}
	return &SocketForwarder{fd: fds[0]}, &SocketForwardee{fd: fds[1]}, nil
}

// Send passes fd to the forwardee. Unless keep is true, the local copy
// of fd is closed once sent. It returns [ErrWouldBlock] when the
// forwardee's queue is full, in which case fd is left open.
func (f *SocketForwarder) Send(fd int, keep bool) error {
	rights := unix.UnixRights(fd)
	for {
		err := unix.Sendmsg(f.fd, []byte{0}, rights, nil, unix.MSG_DONTWAIT)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return ErrWouldBlock
		case err != nil:
			return err
		}
		if !keep {
			unix.Close(fd)
		}
		return nil
	}
}

// FD returns the sending descriptor.
func (f *SocketForwarder) FD() int {
	return f.fd
}

// Close closes the sending end.
func (f *SocketForwarder) Close() error {
	return unix.Close(f.fd)
}

// Recv returns the next forwarded descriptor, or [ErrWouldBlock].
func (f *SocketForwardee) Recv() (int, error) {
	var (
		data [1]byte
		oob  = make([]byte, unix.CmsgSpace(4))
	)
	for {
		_, oobn, flags, _, err := unix.Recvmsg(f.fd, data[:], oob, unix.MSG_DONTWAIT|unix.MSG_CMSG_CLOEXEC)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return -1, ErrWouldBlock
		case err != nil:
			return -1, err
		}
		fds, err := parseRights(oob[:oobn])
		if err != nil {
			return -1, err
		}
		if flags&unix.MSG_CTRUNC != 0 || len(fds) != 1 {
			for _, fd := range fds {
				unix.Close(fd)
			}
			return -1, fmt.Errorf("safetcp: expected one descriptor, got %d (flags %#x)", len(fds), flags)
		}
		return fds[0], nil
	}
}

func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for i := range msgs {
		got, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

// FD returns the receiving descriptor.
func (f *SocketForwardee) FD() int {
	return f.fd
}

// Close closes the receiving end. Descriptors still in flight are
// closed by the kernel.
func (f *SocketForwardee) Close() error {
	return unix.Close(f.fd)
}
