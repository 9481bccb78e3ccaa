//go:build linux

// Package reactor is a single-threaded, edge-triggered epoll server. One
// goroutine, locked to its OS thread, accepts clients, drains their sockets,
// feeds the bytes to a command.Dispatcher and writes the batched replies.
package reactor

import (
	"encoding/binary"
	"fmt"
	"net"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/VoolFI71/arena-kv/internal/buffer"
	"github.com/VoolFI71/arena-kv/internal/command"
	"github.com/VoolFI71/arena-kv/internal/metrics"
	"github.com/VoolFI71/arena-kv/internal/resp"
)

const (
	DefaultMaxEvents = 128

	connEvents = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLET
)

var (
	ErrClosed  = errors.New("reactor: closed")
	ErrServing = errors.New("reactor: already serving")
)

type Config struct {
	Host string
	// Port 0 picks an ephemeral port; see Addr.
	Port int
	// BufferSize is the per-connection input buffer capacity.
	BufferSize int
	// MaxEvents is the epoll_wait batch size.
	MaxEvents int
}

type Reactor struct {
	cfg     Config
	d       *command.Dispatcher
	log     *zap.Logger
	metrics *metrics.Metrics

	lfd    int
	epfd   int
	wakefd int
	addr   *net.TCPAddr

	// conns is touched only by the serving goroutine.
	conns map[int]*conn

	mu       sync.Mutex
	serving  bool
	closed   bool
	done     chan struct{}
	closeErr error
}

// New binds the listening socket and prepares the epoll instance. Nothing is
// accepted until Serve runs.
func New(cfg Config, d *command.Dispatcher, log *zap.Logger, m *metrics.Metrics) (*Reactor, error) {
	if d == nil {
		return nil, errors.New("reactor: nil dispatcher")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = buffer.DefaultCapacity
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}

	srv := &Reactor{
		cfg:     cfg,
		d:       d,
		log:     log,
		metrics: m,
		lfd:     -1,
		epfd:    -1,
		wakefd:  -1,
		conns:   make(map[int]*conn),
		done:    make(chan struct{}),
	}
	ok := false
	defer func() {
		if !ok {
			_ = srv.release()
		}
	}()

	family, sa, err := listenSockaddr(cfg.Host, cfg.Port)
	if err != nil {
		return nil, err
	}
	srv.lfd, err = unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "socket")
	}
	if err = unix.SetsockoptInt(srv.lfd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return nil, errors.Wrap(err, "setsockopt SO_REUSEADDR")
	}
	if err = unix.Bind(srv.lfd, sa); err != nil {
		return nil, errors.Wrapf(err, "bind %s", net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)))
	}
	if err = unix.Listen(srv.lfd, unix.SOMAXCONN); err != nil {
		return nil, errors.Wrap(err, "listen")
	}
	bound, err := unix.Getsockname(srv.lfd)
	if err != nil {
		return nil, errors.Wrap(err, "getsockname")
	}
	srv.addr = sockaddrToTCP(bound)

	srv.epfd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	srv.wakefd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "eventfd")
	}
	if err = srv.register(srv.lfd, unix.EPOLLIN); err != nil {
		return nil, errors.Wrap(err, "register listener")
	}
	if err = srv.register(srv.wakefd, unix.EPOLLIN); err != nil {
		return nil, errors.Wrap(err, "register eventfd")
	}
	ok = true
	return srv, nil
}

func listenSockaddr(host string, port int) (int, unix.Sockaddr, error) {
	if port < 0 || port > 65535 {
		return 0, nil, errors.Errorf("reactor: port %d out of range", port)
	}
	if host == "" {
		return unix.AF_INET, &unix.SockaddrInet4{Port: port}, nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return 0, nil, errors.Errorf("reactor: cannot resolve host %q", host)
		}
		ip = ips[0]
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa, nil
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return unix.AF_INET6, sa, nil
}

func (r *Reactor) register(fd int, events uint32) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

// Addr returns the bound listening address.
func (r *Reactor) Addr() net.Addr {
	return r.addr
}

// Serve runs the event loop on the calling goroutine until Close is called or
// epoll fails. It returns nil after a Close.
func (r *Reactor) Serve() error {
	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return ErrClosed
	case r.serving:
		r.mu.Unlock()
		return ErrServing
	}
	r.serving = true
	r.mu.Unlock()
	defer close(r.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	r.log.Info("reactor listening", zap.Stringer("addr", r.addr), zap.Int("buffer", r.cfg.BufferSize))

	events := make([]unix.EpollEvent, r.cfg.MaxEvents)
	for {
		n, err := unix.EpollWait(r.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			err = errors.Wrap(err, "epoll_wait")
			r.closeErr = multierr.Append(err, r.release())
			return r.closeErr
		}
		for i := 0; i < n; i++ {
			ev := &events[i]
			switch fd := int(ev.Fd); fd {
			case r.lfd:
				r.accept()
			case r.wakefd:
				r.log.Info("reactor shutting down", zap.Int("connections", len(r.conns)))
				r.closeErr = r.release()
				return nil
			default:
				r.serve(fd, ev.Events)
			}
		}
	}
}

// Close stops Serve and releases every descriptor. It waits for a running
// Serve to return.
func (r *Reactor) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	serving := r.serving
	r.mu.Unlock()

	if !serving {
		return r.release()
	}
	select {
	case <-r.done:
		return r.closeErr
	default:
	}
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(r.wakefd, one[:]); err != nil {
		return errors.Wrap(err, "wake reactor")
	}
	<-r.done
	return r.closeErr
}

func (r *Reactor) accept() {
	for {
		fd, sa, err := unix.Accept4(r.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EINTR, unix.ECONNABORTED:
				continue
			case unix.EAGAIN:
			default:
				r.log.Debug("accept failed", zap.Error(err))
			}
			return
		}

		c := newConn(fd, sa, r.cfg.BufferSize)
		if err := r.register(fd, connEvents); err != nil {
			r.log.Warn("register client", zap.String("remote", c.remote), zap.Error(err))
			_ = c.close()
			continue
		}
		r.conns[fd] = c
		r.metrics.ConnOpened()
		r.log.Debug("client connected", zap.Stringer("conn", c.id), zap.Int("fd", fd), zap.String("remote", c.remote))
	}
}

// serve handles one readiness notification for a client. Replies for every
// command read in this pass go out in a single write.
func (r *Reactor) serve(fd int, events uint32) {
	c, ok := r.conns[fd]
	if !ok {
		return
	}

	out := bytebufferpool.Get()
	defer bytebufferpool.Put(out)

	reason := r.drain(c, out)
	if reason == "" && events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		reason = "socket error"
	}
	if out.Len() > 0 && !r.flush(c, out.B) && reason == "" {
		reason = "short write"
	}
	if reason != "" {
		r.closeConn(c, reason)
	}
}

// drain reads until the socket would block, processing input after every
// read. A non-empty result names why the connection must close.
func (r *Reactor) drain(c *conn, out *bytebufferpool.ByteBuffer) string {
	for {
		if c.buf.Full() {
			r.metrics.ProtocolErrors.Inc()
			out.B = resp.AppendError(out.B, fmt.Sprintf("ERR Protocol error: command exceeds %d byte buffer", c.buf.Cap()))
			r.log.Warn("command exceeds connection buffer", zap.Stringer("conn", c.id), zap.Int("buffer", c.buf.Cap()))
			return "buffer overflow"
		}

		n, err := unix.Read(c.fd, c.buf.Spare())
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return ""
		case err != nil:
			r.log.Debug("read failed", zap.Stringer("conn", c.id), zap.Error(err))
			return "read error"
		case n == 0:
			return "eof"
		}
		c.buf.Commit(n)

		res := r.d.Process(c.buf.Bytes(), out.B)
		out.B = res.Out
		c.buf.Compact(res.Consumed)
		if res.Close {
			return "quit"
		}
	}
}

// flush issues exactly one write. A partial write is not retried and the
// caller closes the connection instead.
func (r *Reactor) flush(c *conn, p []byte) bool {
	n, err := unix.Write(c.fd, p)
	for err == unix.EINTR {
		n, err = unix.Write(c.fd, p)
	}
	if err == nil && n == len(p) {
		return true
	}
	r.log.Warn("short write, closing connection",
		zap.Stringer("conn", c.id),
		zap.Int("written", max(n, 0)),
		zap.Int("pending", len(p)-max(n, 0)),
		zap.Error(err),
	)
	return false
}

func (r *Reactor) closeConn(c *conn, reason string) {
	fd := c.fd
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		r.log.Debug("deregister client", zap.Stringer("conn", c.id), zap.Int("fd", fd), zap.Error(err))
	}
	if err := c.close(); err != nil {
		r.log.Debug("close client", zap.Stringer("conn", c.id), zap.Error(err))
	}
	delete(r.conns, fd)
	r.metrics.ConnClosed()
	r.log.Debug("client disconnected", zap.Stringer("conn", c.id), zap.String("remote", c.remote), zap.String("reason", reason))
}

// release closes every client and the reactor's own descriptors.
func (r *Reactor) release() error {
	for _, c := range r.conns {
		r.closeConn(c, "shutdown")
	}
	var err error
	for _, fd := range []*int{&r.lfd, &r.wakefd, &r.epfd} {
		if *fd < 0 {
			continue
		}
		err = multierr.Append(err, unix.Close(*fd))
		*fd = -1
	}
	return errors.Wrap(err, "release reactor")
}
