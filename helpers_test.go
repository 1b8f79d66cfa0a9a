// SPDX-License-Identifier: GPL-3.0-or-later

package safetcp

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"syscall"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/slogstub"
)

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. The caller can inspect the slice after exercising the code
// under test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var records []slog.Record
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			records = append(records, record)
			return nil
		},
	}
	return slog.New(handler), &records
}

// recordMessages returns the messages of the given records, in order.
func recordMessages(records []slog.Record) []string {
	var out []string
	for _, r := range records {
		out = append(out, r.Message)
	}
	return out
}

// recordAttr returns the string value of the given attribute of r, or
// the empty string when r does not carry it.
func recordAttr(r slog.Record, key string) string {
	var out string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == key {
			out = a.Value.String()
			return false
		}
		return true
	})
	return out
}

// newMinimalConn returns a [*netstub.FuncConn] with only the address and
// Close functions set.
func newMinimalConn(closed *bool) *netstub.FuncConn {
	return &netstub.FuncConn{
		CloseFunc: func() error {
			*closed = true
			return nil
		},
		LocalAddrFunc:  func() net.Addr { return &net.TCPAddr{} },
		RemoteAddrFunc: func() net.Addr { return &net.TCPAddr{} },
	}
}

var (
	testLocal  = netip.MustParseAddrPort("10.0.0.1:54321")
	testRemote = netip.MustParseAddrPort("10.0.0.2:443")
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// fakeSocket models the kernel state of a socket.
type fakeSocket struct {
	// connect
	connected bool
	soErr     error
	local     netip.AddrPort
	peer      netip.AddrPort

	// read side
	inbound [][]byte
	eof     bool
	readErr error

	// write side; sendCap < 0 means unlimited
	sendCap  int
	written  bytes.Buffer
	writeErr error

	// acknowledgment oracle
	unacked int
	ackErr  error

	shutdownErr   error
	shutdownCount int
	prepared      bool
	closeCount    int
}

// fakeSys is a scripted [Sys] backed by [fakeSocket] values.
type fakeSys struct {
	next       int
	socketErr  error
	bindErr    error
	connectErr error
	socks      map[int]*fakeSocket

	// pending connections for listening sockets
	backlog   []netip.AddrPort
	acceptErr error
}

var _ Sys = &fakeSys{}

func newFakeSys() *fakeSys {
	return &fakeSys{next: 3, socks: make(map[int]*fakeSocket)}
}

func (s *fakeSys) newSocket() int {
	fd := s.next
	s.next++
	s.socks[fd] = &fakeSocket{sendCap: -1, local: testLocal}
	return fd
}

// adopt creates a connected socket as if it came from accept.
func (s *fakeSys) adopt(peer netip.AddrPort) int {
	fd := s.newSocket()
	s.socks[fd].connected = true
	s.socks[fd].peer = peer
	return fd
}

func (s *fakeSys) Socket(remote netip.AddrPort) (int, error) {
	if s.socketErr != nil {
		return -1, s.socketErr
	}
	return s.newSocket(), nil
}

func (s *fakeSys) Bind(fd int, local netip.AddrPort) error {
	if s.bindErr != nil {
		return s.bindErr
	}
	s.socks[fd].local = local
	return nil
}

func (s *fakeSys) Connect(fd int, remote netip.AddrPort) error {
	sock := s.socks[fd]
	sock.peer = remote
	return s.connectErr
}

func (s *fakeSys) Prepare(fd int) error {
	sock, ok := s.socks[fd]
	if !ok {
		return syscall.EBADF
	}
	sock.prepared = true
	return nil
}

func (s *fakeSys) Read(fd int, p []byte) (int, error) {
	sock := s.socks[fd]
	switch {
	case len(sock.inbound) > 0:
		n := copy(p, sock.inbound[0])
		sock.inbound[0] = sock.inbound[0][n:]
		if len(sock.inbound[0]) <= 0 {
			sock.inbound = sock.inbound[1:]
		}
		return n, nil
	case sock.readErr != nil:
		return 0, sock.readErr
	case sock.eof:
		return 0, io.EOF
	default:
		return 0, ErrWouldBlock
	}
}

func (s *fakeSys) Write(fd int, p []byte) (int, error) {
	sock := s.socks[fd]
	if sock.writeErr != nil {
		return 0, sock.writeErr
	}
	if sock.sendCap == 0 {
		return 0, ErrWouldBlock
	}
	n := len(p)
	if sock.sendCap > 0 {
		n = min(n, sock.sendCap)
		sock.sendCap -= n
	}
	sock.written.Write(p[:n])
	sock.unacked += n
	return n, nil
}

func (s *fakeSys) SocketError(fd int) error {
	sock := s.socks[fd]
	err := sock.soErr
	sock.soErr = nil
	return err
}

func (s *fakeSys) LocalAddr(fd int) (netip.AddrPort, error) {
	return s.socks[fd].local, nil
}

func (s *fakeSys) PeerAddr(fd int) (netip.AddrPort, error) {
	sock := s.socks[fd]
	if !sock.connected {
		return netip.AddrPort{}, ErrNotConnected
	}
	return sock.peer, nil
}

func (s *fakeSys) Shutdown(fd int) error {
	sock := s.socks[fd]
	sock.shutdownCount++
	if sock.shutdownErr != nil {
		return sock.shutdownErr
	}
	sock.unacked++ // the FIN
	return nil
}

func (s *fakeSys) Close(fd int) error {
	sock, ok := s.socks[fd]
	if !ok {
		return syscall.EBADF
	}
	sock.closeCount++
	return nil
}

func (s *fakeSys) Listen(local netip.AddrPort, backlog int) (int, error) {
	if s.socketErr != nil {
		return -1, s.socketErr
	}
	fd := s.newSocket()
	if local.Port() == 0 {
		local = netip.AddrPortFrom(local.Addr(), 40000)
	}
	s.socks[fd].local = local
	return fd, nil
}

func (s *fakeSys) Accept(fd int) (int, netip.AddrPort, error) {
	if s.acceptErr != nil {
		return -1, netip.AddrPort{}, s.acceptErr
	}
	if len(s.backlog) <= 0 {
		return -1, netip.AddrPort{}, ErrWouldBlock
	}
	peer := s.backlog[0]
	s.backlog = s.backlog[1:]
	return s.adopt(peer), peer, nil
}

func (s *fakeSys) Unacknowledged(fd int) (int, error) {
	sock := s.socks[fd]
	if sock.ackErr != nil {
		return 0, sock.ackErr
	}
	return sock.unacked, nil
}

// fakeInstant is an instant registered with [fakeNotifier].
type fakeInstant struct {
	p    Pollable
	slot InstantSlot
	when time.Time
}

// fakeNotifier records registrations and lets tests deliver signals.
type fakeNotifier struct {
	addErr   error
	fds      map[int]Pollable
	instants []fakeInstant
	next     InstantSlot
	queued   []Pollable
	removed  []int
}

var _ Notifier = &fakeNotifier{}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{fds: make(map[int]Pollable)}
}

func (n *fakeNotifier) Queue(p Pollable) {
	n.queued = append(n.queued, p)
}

func (n *fakeNotifier) AddFD(fd int, p Pollable) error {
	if n.addErr != nil {
		return n.addErr
	}
	n.fds[fd] = p
	return nil
}

func (n *fakeNotifier) RemoveFD(fd int) error {
	delete(n.fds, fd)
	n.removed = append(n.removed, fd)
	return nil
}

func (n *fakeNotifier) AddInstant(t time.Time, p Pollable) InstantSlot {
	n.next++
	n.instants = append(n.instants, fakeInstant{p: p, slot: n.next, when: t})
	return n.next
}

func (n *fakeNotifier) RemoveInstant(slot InstantSlot) {
	n.instants = slices.DeleteFunc(n.instants, func(it fakeInstant) bool {
		return it.slot == slot
	})
}

// runQueued polls every queued pollable once with [SignalQueued].
func (n *fakeNotifier) runQueued() {
	queued := n.queued
	n.queued = nil
	for _, p := range queued {
		p.Poll(SignalQueued)
	}
}

// fireNext removes the earliest instant and polls it with [SignalTimer].
// It returns false when no instant is pending.
func (n *fakeNotifier) fireNext() (time.Time, bool) {
	if len(n.instants) <= 0 {
		return time.Time{}, false
	}
	idx := 0
	for i, it := range n.instants {
		if it.when.Before(n.instants[idx].when) {
			idx = i
		}
	}
	it := n.instants[idx]
	n.instants = slices.Delete(n.instants, idx, idx+1)
	it.p.Poll(SignalTimer)
	return it.when, true
}

// eventRecorder is a [Handler] recording copies of the events it receives.
type eventRecorder struct {
	events  []Event
	onEvent func(c *Conn, ev Event)
}

var _ Handler = &eventRecorder{}

func (r *eventRecorder) HandleEvent(c *Conn, ev Event) {
	r.events = append(r.events, ev)
	if r.onEvent != nil {
		r.onEvent(c, ev)
	}
}

func (r *eventRecorder) kinds() []EventKind {
	var out []EventKind
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *eventRecorder) received() []byte {
	var out []byte
	for _, ev := range r.events {
		if ev.Kind == EventDataReceived {
			out = append(out, ev.Data...)
		}
	}
	return out
}

func (r *eventRecorder) acknowledged() int {
	var total int
	for _, ev := range r.events {
		if ev.Kind == EventBytesAcknowledged {
			total += ev.Acknowledged
		}
	}
	return total
}

// testEnv bundles the fakes used by most tests.
type testEnv struct {
	cfg      *Config
	clock    *fakeClock
	handler  *eventRecorder
	notifier *fakeNotifier
	sys      *fakeSys
}

func newTestEnv() *testEnv {
	clock := newFakeClock()
	sys := newFakeSys()
	cfg := NewConfig()
	cfg.Sys = sys
	cfg.TimeNow = clock.Now
	cfg.ReadBufferSize = 4
	cfg.AckPollInterval = 10 * time.Millisecond
	cfg.AckPollMaxInterval = 80 * time.Millisecond
	cfg.CloseTimeout = time.Second
	return &testEnv{
		cfg:      cfg,
		clock:    clock,
		handler:  &eventRecorder{},
		notifier: newFakeNotifier(),
		sys:      sys,
	}
}

// dial dials testRemote without completing the connect.
func (env *testEnv) dial(logger SLogger) (*Conn, *fakeSocket) {
	conn, err := Dial(env.cfg, logger, netip.AddrPort{}, testRemote, env.notifier, env.handler)
	if err != nil {
		panic(err)
	}
	return conn, env.sys.socks[conn.fd]
}

// connected dials testRemote and completes the connect.
func (env *testEnv) connected() (*Conn, *fakeSocket) {
	conn, sock := env.dial(DefaultSLogger())
	sock.connected = true
	conn.Poll(SignalWritable)
	if conn.Phase() != PhaseConnected {
		panic("connection not established")
	}
	return conn, sock
}
