package handler

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/VoolFI71/arena-kv/internal/arena"
	"github.com/VoolFI71/arena-kv/internal/command"
	"github.com/VoolFI71/arena-kv/internal/metrics"
	"github.com/VoolFI71/arena-kv/internal/storage"
)

func startServer(t *testing.T, bufSize int) (string, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewUnregistered()
	d := command.NewDispatcher(storage.New(arena.New(1<<20)), m)
	srv := New(d, zaptest.NewLogger(t), m, bufSize)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	t.Cleanup(func() {
		require.NoError(t, srv.Close())
		require.NoError(t, <-errc)
	})
	return ln.Addr().String(), m
}

func dial(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return conn, bufio.NewReader(conn)
}

func readLines(t *testing.T, r *bufio.Reader, n int) string {
	t.Helper()
	var sb strings.Builder
	for i := 0; i < n; i++ {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		sb.WriteString(line)
	}
	return sb.String()
}

func TestHandlerScenario(t *testing.T) {
	addr, _ := startServer(t, 0)
	conn, r := dial(t, addr)

	_, err := conn.Write([]byte("*1\r\n$4\r\nPING\r\n*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "+PONG\r\n+OK\r\n$3\r\nbar\r\n", readLines(t, r, 4))
}

func TestHandlerSplitFrame(t *testing.T) {
	addr, _ := startServer(t, 0)
	conn, r := dial(t, addr)

	_, err := conn.Write([]byte("*1\r\n$4\r\nPI"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = conn.Write([]byte("NG\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "+PONG\r\n", readLines(t, r, 1))
}

func TestHandlerOverflowCloses(t *testing.T) {
	addr, m := startServer(t, 64)
	conn, r := dial(t, addr)

	_, err := conn.Write([]byte("*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$100\r\n" + strings.Repeat("v", 80)))
	require.NoError(t, err)
	assert.Equal(t, "-ERR Protocol error: command exceeds 64 byte buffer\r\n", readLines(t, r, 1))
	_, err = r.ReadByte()
	assert.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProtocolErrors))
}

func TestHandlerQuit(t *testing.T) {
	addr, m := startServer(t, 0)
	conn, r := dial(t, addr)

	_, err := conn.Write([]byte("QUIT\r\nPING\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "+OK\r\n", readLines(t, r, 1))
	_, err = r.ReadByte()
	assert.Error(t, err)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.ConnectionsActive) == 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsTotal))
}

func TestHandlerCloseDisconnectsClients(t *testing.T) {
	m := metrics.NewUnregistered()
	d := command.NewDispatcher(storage.New(arena.New(1<<10)), m)
	srv := New(d, nil, m, 0)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	conn, r := dial(t, ln.Addr().String())
	_, err = conn.Write([]byte("PING\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "+PONG\r\n", readLines(t, r, 1))

	require.NoError(t, srv.Close())
	require.NoError(t, <-errc)
	_, err = r.ReadByte()
	assert.Error(t, err)
}
