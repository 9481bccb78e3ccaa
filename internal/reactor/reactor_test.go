//go:build linux

package reactor

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sys/unix"

	"github.com/VoolFI71/arena-kv/internal/arena"
	"github.com/VoolFI71/arena-kv/internal/client"
	"github.com/VoolFI71/arena-kv/internal/command"
	"github.com/VoolFI71/arena-kv/internal/metrics"
	"github.com/VoolFI71/arena-kv/internal/resp"
	"github.com/VoolFI71/arena-kv/internal/storage"
)

type harness struct {
	r       *Reactor
	metrics *metrics.Metrics
	addr    string
}

func start(t *testing.T, arenaSize, bufSize int) *harness {
	t.Helper()
	m := metrics.NewUnregistered()
	d := command.NewDispatcher(storage.New(arena.New(arenaSize)), m)
	r, err := New(Config{Host: "127.0.0.1", BufferSize: bufSize}, d, zaptest.NewLogger(t), m)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- r.Serve() }()
	t.Cleanup(func() {
		require.NoError(t, r.Close())
		require.NoError(t, <-errc)
	})
	return &harness{r: r, metrics: m, addr: r.Addr().String()}
}

func (h *harness) dial(t *testing.T) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return conn, bufio.NewReader(conn)
}

func readReplies(t *testing.T, r *bufio.Reader, n int) []resp.Reply {
	t.Helper()
	out := make([]resp.Reply, 0, n)
	for i := 0; i < n; i++ {
		reply, err := resp.ReadReply(r)
		require.NoError(t, err)
		out = append(out, reply)
	}
	return out
}

func assertClosed(t *testing.T, r *bufio.Reader) {
	t.Helper()
	_, err := r.ReadByte()
	assert.Error(t, err)
}

func TestAddrHasEphemeralPort(t *testing.T) {
	h := start(t, 1<<10, 0)
	tcp, ok := h.r.Addr().(*net.TCPAddr)
	require.True(t, ok)
	assert.NotZero(t, tcp.Port)
	assert.Equal(t, "127.0.0.1", tcp.IP.String())

	conn, r := h.dial(t)
	_, err := conn.Write([]byte("PING\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "PONG", readReplies(t, r, 1)[0].Str)
}

func TestScenario(t *testing.T) {
	h := start(t, 1<<20, 0)
	c, err := client.Dial(h.addr)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Ping())
	require.NoError(t, c.Set("foo", "bar"))
	v, ok, err := c.Get("foo")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "bar", v)

	_, ok, err = c.Get("nope")
	require.NoError(t, err)
	assert.False(t, ok)

	r, err := c.Do("HELLO", "3")
	require.NoError(t, err)
	assert.Equal(t, "ERR unknown command 'HELLO'", r.Str)
}

func TestFrameSplitAcrossWrites(t *testing.T) {
	h := start(t, 1<<20, 0)
	conn, r := h.dial(t)

	frame := "*3\r\n$3\r\nSET\r\n$3\r\nkey\r\n$5\r\nvalue\r\n*2\r\n$3\r\nGET\r\n$3\r\nkey\r\n"
	for i := 0; i < len(frame); i += 5 {
		_, err := conn.Write([]byte(frame[i:min(i+5, len(frame))]))
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	replies := readReplies(t, r, 2)
	assert.Equal(t, "OK", replies[0].Str)
	assert.Equal(t, "value", replies[1].Str)
}

func TestPipelineLargerThanBuffer(t *testing.T) {
	h := start(t, 1<<20, 0)
	conn, r := h.dial(t)

	const n = 2000
	var sb strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "*3\r\n$3\r\nSET\r\n$4\r\nk%03d\r\n$3\r\nv%02d\r\n", i%1000, i%100)
	}
	require.Greater(t, sb.Len(), 8<<10)

	go func() {
		_, _ = conn.Write([]byte(sb.String()))
	}()
	for i, reply := range readReplies(t, r, n) {
		require.Equal(t, "OK", reply.Str, "reply %d", i)
	}

	_, err := conn.Write([]byte("GET k999\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "v99", readReplies(t, r, 1)[0].Str)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	h := start(t, 1<<20, 0)
	conn, r := h.dial(t)

	_, err := conn.Write([]byte("*2\r\n$x\r\nPING\r\n"))
	require.NoError(t, err)
	replies := readReplies(t, r, 1)
	assert.Equal(t, byte(resp.RESPError), replies[0].Type)
	assert.True(t, strings.HasPrefix(replies[0].Str, "ERR Protocol error"), replies[0].Str)

	_, err = conn.Write([]byte("PING\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "PONG", readReplies(t, r, 1)[0].Str)
}

func TestOverflowClosesConnection(t *testing.T) {
	h := start(t, 1<<20, 128)
	conn, r := h.dial(t)

	_, err := conn.Write([]byte("*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$500\r\n" + strings.Repeat("v", 200)))
	require.NoError(t, err)
	reply := readReplies(t, r, 1)[0]
	assert.Equal(t, "ERR Protocol error: command exceeds 128 byte buffer", reply.Str)
	assertClosed(t, r)
}

func TestQuitFlushesAndCloses(t *testing.T) {
	h := start(t, 1<<20, 0)
	conn, r := h.dial(t)

	_, err := conn.Write([]byte("PING\r\nQUIT\r\nPING\r\n"))
	require.NoError(t, err)
	replies := readReplies(t, r, 2)
	assert.Equal(t, "PONG", replies[0].Str)
	assert.Equal(t, "OK", replies[1].Str)
	assertClosed(t, r)
}

func TestDisconnectReleasesConnection(t *testing.T) {
	h := start(t, 1<<20, 0)

	for i := 0; i < 5; i++ {
		conn, r := h.dial(t)
		_, err := conn.Write([]byte("PING\r\n"))
		require.NoError(t, err)
		readReplies(t, r, 1)
		require.NoError(t, conn.Close())
	}

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.ConnectionsActive) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 5.0, testutil.ToFloat64(h.metrics.ConnectionsTotal))

	conn, r := h.dial(t)
	_, err := conn.Write([]byte("PING\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "PONG", readReplies(t, r, 1)[0].Str)
}

func TestOutOfMemoryReply(t *testing.T) {
	h := start(t, 16, 0)
	c, err := client.Dial(h.addr)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set("a", "0123456789"))
	err = c.Set("b", "0123456789")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERR OOM arena exhausted")

	v, ok, err := c.Get("a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "0123456789", v)
}

func TestCloseBeforeServe(t *testing.T) {
	d := command.NewDispatcher(storage.New(arena.New(64)), nil)
	r, err := New(Config{Host: "127.0.0.1"}, d, nil, nil)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.Serve(), ErrClosed)
}

func TestNewRejectsBadPort(t *testing.T) {
	d := command.NewDispatcher(storage.New(arena.New(64)), nil)
	var err error
	require.NotPanics(t, func() {
		_, err = New(Config{Host: "127.0.0.1", Port: 70000}, d, nil, nil)
	})
	assert.Error(t, err)
}

func TestNewPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	d := command.NewDispatcher(storage.New(arena.New(64)), nil)
	var r *Reactor
	require.NotPanics(t, func() {
		r, err = New(Config{Host: "127.0.0.1", Port: port}, d, nil, nil)
	})
	require.Error(t, err)
	assert.Nil(t, r)
	assert.ErrorIs(t, err, unix.EADDRINUSE)
	assert.Contains(t, err.Error(), "bind")
}

func TestCloseConnLogsDeregisterFailure(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	d := command.NewDispatcher(storage.New(arena.New(64)), nil)
	r, err := New(Config{Host: "127.0.0.1"}, d, zap.New(core), nil)
	require.NoError(t, err)
	defer r.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	// never added to epoll, so EPOLL_CTL_DEL fails with ENOENT
	c := newConn(fds[0], nil, 64)
	r.conns[fds[0]] = c
	r.closeConn(c, "test")

	assert.NotContains(t, r.conns, fds[0])
	entries := logs.FilterMessage("deregister client").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, unix.ENOENT.Error(), entries[0].ContextMap()["error"])
}
