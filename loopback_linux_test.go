// SPDX-License-Identifier: GPL-3.0-or-later

package safetcp_test

import (
	"bytes"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/bassosimone/safetcp"
	"github.com/bassosimone/safetcp/epoll"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoHandler echoes every byte back and closes once the peer closed.
func echoHandler(conn *safetcp.Conn, ev safetcp.Event) {
	switch ev.Kind {
	case safetcp.EventDataReceived:
		switch s := conn.State().(type) {
		case *safetcp.Connected:
			s.Send(ev.Data)
		case *safetcp.RemoteClosed:
			s.Send(ev.Data)
		}
	case safetcp.EventRemoteClosed:
		if s, ok := conn.State().(*safetcp.RemoteClosed); ok {
			s.Close()
		}
	}
}

// runUntil runs loop until cond holds or the deadline expires.
func runUntil(t *testing.T, loop *epoll.Loop, cond func() bool) {
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "deadline expired")
		require.NoError(t, loop.RunOnce(10*time.Millisecond))
	}
}

// TestLoopbackEchoAndOrderlyClose exchanges a payload larger than the
// socket buffers over loopback, closes right after sending, and checks
// that both sides reach Closed with every byte delivered.
func TestLoopbackEchoAndOrderlyClose(t *testing.T) {
	loop, err := epoll.New(safetcp.DefaultSLogger())
	require.NoError(t, err)
	defer loop.Close()
	cfg := safetcp.NewConfig()
	logger := safetcp.DefaultSLogger()

	var server *safetcp.Conn
	listener, err := safetcp.Listen(cfg, logger, netip.MustParseAddrPort("127.0.0.1:0"), loop,
		func(fd int, peer netip.AddrPort) {
			conn, err := safetcp.Accept(cfg, logger, fd, loop, safetcp.HandlerFunc(echoHandler))
			require.NoError(t, err)
			server = conn
		})
	require.NoError(t, err)
	defer listener.Close()

	payload := bytes.Repeat([]byte("0123456789abcdef"), 1<<16)
	var (
		received []byte
		acked    int
		events   []safetcp.EventKind
	)
	client, err := safetcp.Dial(cfg, logger, netip.AddrPort{}, listener.Addr(), loop,
		safetcp.HandlerFunc(func(conn *safetcp.Conn, ev safetcp.Event) {
			events = append(events, ev.Kind)
			switch ev.Kind {
			case safetcp.EventConnected:
				s := conn.State().(*safetcp.Connected)
				s.Send(payload)
				s.Close()
			case safetcp.EventDataReceived:
				received = append(received, ev.Data...)
			case safetcp.EventBytesAcknowledged:
				acked += ev.Acknowledged
			}
		}))
	require.NoError(t, err)

	runUntil(t, loop, func() bool {
		return client.Phase().Terminal() && server != nil && server.Phase().Terminal()
	})

	require.NoError(t, client.Err())
	require.NoError(t, server.Err())
	assert.Equal(t, safetcp.PhaseClosed, client.Phase())
	assert.Equal(t, safetcp.PhaseClosed, server.Phase())
	assert.Equal(t, payload, received)
	assert.Equal(t, len(payload), acked)
	assert.Equal(t, safetcp.EventConnected, events[0])
	assert.Equal(t, safetcp.EventClosed, events[len(events)-1])

	fds, instants, _ := loop.Len()
	assert.Equal(t, 1, fds) // the listener
	assert.Equal(t, 0, instants)
}

// TestLoopbackConnectRefused verifies that connecting to a closed port
// yields a single ConnectFailed error.
func TestLoopbackConnectRefused(t *testing.T) {
	// Find a port nobody listens on
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := netip.MustParseAddrPort(ln.Addr().String())
	require.NoError(t, ln.Close())

	loop, err := epoll.New(safetcp.DefaultSLogger())
	require.NoError(t, err)
	defer loop.Close()

	var errs []*safetcp.Error
	conn, err := safetcp.Dial(safetcp.NewConfig(), safetcp.DefaultSLogger(), netip.AddrPort{}, addr, loop,
		safetcp.HandlerFunc(func(conn *safetcp.Conn, ev safetcp.Event) {
			if ev.Kind == safetcp.EventError {
				errs = append(errs, ev.Err)
			}
		}))
	require.NoError(t, err)

	runUntil(t, loop, func() bool { return conn.Phase().Terminal() })

	require.Len(t, errs, 1)
	assert.Equal(t, safetcp.KindConnectFailed, errs[0].Kind)
	fds, _, _ := loop.Len()
	assert.Equal(t, 0, fds)
}

// TestLoopbackAcceptConn verifies adopting a conn accepted by the net package.
func TestLoopbackAcceptConn(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	peer, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer peer.Close()
	accepted, err := ln.Accept()
	require.NoError(t, err)

	loop, err := epoll.New(safetcp.DefaultSLogger())
	require.NoError(t, err)
	defer loop.Close()

	conn, err := safetcp.AcceptConn(safetcp.NewConfig(), safetcp.DefaultSLogger(), accepted, loop,
		safetcp.HandlerFunc(echoHandler))
	require.NoError(t, err)

	_, err = peer.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, peer.(*net.TCPConn).CloseWrite())

	runUntil(t, loop, func() bool { return conn.Phase().Terminal() })
	assert.Equal(t, safetcp.PhaseClosed, conn.Phase())

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(5*time.Second)))
	var buf bytes.Buffer
	_, err = buf.ReadFrom(peer)
	require.NoError(t, err)
	assert.Equal(t, "hello", buf.String())
}
