//go:build linux

package reactor

import (
	"net"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sys/unix"

	"github.com/VoolFI71/arena-kv/internal/buffer"
)

// conn is one client socket and its unparsed input. It owns fd until close.
type conn struct {
	fd     int
	id     ulid.ULID
	remote string
	buf    *buffer.Buffer
}

func newConn(fd int, sa unix.Sockaddr, bufSize int) *conn {
	return &conn{
		fd:     fd,
		id:     ulid.Make(),
		remote: sockaddrString(sa),
		buf:    buffer.New(bufSize),
	}
}

func (c *conn) close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	c.buf = nil
	return err
}

func sockaddrToTCP(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port}
	}
	return nil
}

func sockaddrString(sa unix.Sockaddr) string {
	if addr := sockaddrToTCP(sa); addr != nil {
		return addr.String()
	}
	return "unknown"
}
