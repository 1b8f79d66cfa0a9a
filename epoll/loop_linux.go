// SPDX-License-Identifier: GPL-3.0-or-later

package epoll

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bassosimone/safetcp"
	"golang.org/x/sys/unix"
)

// ErrClosed is returned by [*Loop.Do] after [*Loop.Close].
var ErrClosed = errors.New("epoll: loop closed")

// maxEvents is the number of events collected by a single epoll_wait.
const maxEvents = 128

// Loop is an edge-triggered epoll event loop implementing [safetcp.Notifier].
//
// Except for [*Loop.Do], methods must be called from the goroutine
// running [*Loop.Run] (or before it starts).
type Loop struct {
	epfd   int
	events []unix.EpollEvent
	fds    map[int]safetcp.Pollable
	logger safetcp.SLogger
	queued []safetcp.Pollable
	timers *timers
	wakefd int

	// TimeNow returns the current time. Set by [New] to [time.Now].
	TimeNow func() time.Time

	mu     sync.Mutex
	closed bool
	tasks  []func()
}

var _ safetcp.Notifier = &Loop{}

// New creates a [*Loop] logging with the given logger.
func New(logger safetcp.SLogger) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll: create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll: eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll: add eventfd: %w", err)
	}
	return &Loop{
		epfd:    epfd,
		events:  make([]unix.EpollEvent, maxEvents),
		fds:     make(map[int]safetcp.Pollable),
		logger:  logger,
		timers:  newTimers(),
		wakefd:  wakefd,
		TimeNow: time.Now,
	}, nil
}

// Queue implements [safetcp.Notifier].
func (l *Loop) Queue(p safetcp.Pollable) {
	l.queued = append(l.queued, p)
}

// AddFD implements [safetcp.Notifier].
func (l *Loop) AddFD(fd int, p safetcp.Pollable) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll: add fd %d: %w", fd, err)
	}
	l.fds[fd] = p
	return nil
}

// RemoveFD implements [safetcp.Notifier].
func (l *Loop) RemoveFD(fd int) error {
	delete(l.fds, fd)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll: remove fd %d: %w", fd, err)
	}
	return nil
}

// AddInstant implements [safetcp.Notifier].
func (l *Loop) AddInstant(t time.Time, p safetcp.Pollable) safetcp.InstantSlot {
	return l.timers.add(t, p)
}

// RemoveInstant implements [safetcp.Notifier].
func (l *Loop) RemoveInstant(slot safetcp.InstantSlot) {
	l.timers.remove(slot)
}

// Len returns the number of registered descriptors, pending instants,
// and queued pollables. Tests use it to check for leaks.
func (l *Loop) Len() (fds, instants, queued int) {
	return len(l.fds), l.timers.len(), len(l.queued)
}

// Do schedules fn to run on the loop goroutine. It is safe to call
// from any goroutine.
func (l *Loop) Do(fn func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.wake()
	return nil
}

func (l *Loop) wake() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	// EAGAIN means the counter is saturated, so a wakeup is pending anyway.
	_, _ = unix.Write(l.wakefd, buf[:])
}

// Run runs the loop until ctx is done, then returns nil. It returns an
// error only if epoll_wait fails.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, l.wake)
	defer stop()
	for ctx.Err() == nil {
		if err := l.RunOnce(-1); err != nil {
			return err
		}
	}
	return nil
}

// RunOnce runs due tasks, expired instants, and queued pollables, then
// waits at most timeout for descriptor events and dispatches them. A
// negative timeout waits until the next instant, event, or [*Loop.Do].
func (l *Loop) RunOnce(timeout time.Duration) error {
	l.runTasks()
	l.runInstants()
	l.runQueued()

	wait := l.waitTimeout(timeout)
	n, err := unix.EpollWait(l.epfd, l.events, wait)
	if errors.Is(err, unix.EINTR) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("epoll: wait: %w", err)
	}
	for _, ev := range l.events[:n] {
		fd := int(ev.Fd)
		if fd == l.wakefd {
			l.drainWake()
			continue
		}
		// The pollable may have been removed by an earlier event in this batch.
		p, ok := l.fds[fd]
		if !ok {
			continue
		}
		l.poll(p, signalOf(ev.Events))
	}
	return nil
}

func (l *Loop) waitTimeout(timeout time.Duration) int {
	l.mu.Lock()
	pending := len(l.tasks)
	l.mu.Unlock()
	if pending > 0 || len(l.queued) > 0 {
		return 0
	}
	d, ok := l.timers.wait(l.TimeNow())
	switch {
	case ok && (timeout < 0 || d < timeout):
		timeout = d
	case !ok && timeout < 0:
		return -1
	}
	// Round up so that we do not spin on sub-millisecond deadlines.
	return int((timeout + time.Millisecond - 1) / time.Millisecond)
}

func (l *Loop) runTasks() {
	l.mu.Lock()
	tasks := l.tasks
	l.tasks = nil
	l.mu.Unlock()
	for _, fn := range tasks {
		fn()
	}
}

func (l *Loop) runInstants() {
	now := l.TimeNow()
	for {
		p, ok := l.timers.expired(now)
		if !ok {
			return
		}
		l.poll(p, safetcp.SignalTimer)
	}
}

func (l *Loop) runQueued() {
	// Pollables queued while running go to the next round.
	queued := l.queued
	l.queued = nil
	for _, p := range queued {
		l.poll(p, safetcp.SignalQueued)
	}
}

func (l *Loop) poll(p safetcp.Pollable, sig safetcp.Signal) {
	if err := p.Poll(sig); err != nil {
		l.logger.Debug(
			"pollError",
			slog.Any("err", err),
			slog.String("signal", sig.String()),
			slog.Time("t", l.TimeNow()),
		)
	}
}

func (l *Loop) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(l.wakefd, buf[:]); !errors.Is(err, unix.EINTR) {
			return
		}
	}
}

// Close releases the epoll and eventfd descriptors. It does not close
// registered descriptors, which belong to their pollables. Call Close
// after Run returned.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return errors.Join(unix.Close(l.wakefd), unix.Close(l.epfd))
}

func signalOf(events uint32) safetcp.Signal {
	var sig safetcp.Signal
	if events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
		sig |= safetcp.SignalReadable
	}
	if events&unix.EPOLLOUT != 0 {
		sig |= safetcp.SignalWritable
	}
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		sig |= safetcp.SignalError
	}
	return sig
}
