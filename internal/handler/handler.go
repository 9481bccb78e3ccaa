// Package handler serves clients over the net package with one goroutine per
// connection. It is the portable engine for platforms without epoll. Dispatch
// is serialised behind a mutex so the store still sees a single caller.
package handler

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/VoolFI71/arena-kv/internal/buffer"
	"github.com/VoolFI71/arena-kv/internal/command"
	"github.com/VoolFI71/arena-kv/internal/metrics"
	"github.com/VoolFI71/arena-kv/internal/resp"
)

type Server struct {
	d       *command.Dispatcher
	log     *zap.Logger
	metrics *metrics.Metrics
	bufSize int

	// dispatch guards d.
	dispatch sync.Mutex

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func New(d *command.Dispatcher, log *zap.Logger, m *metrics.Metrics, bufSize int) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	if bufSize <= 0 {
		bufSize = buffer.DefaultCapacity
	}
	return &Server{
		d:       d,
		log:     log,
		metrics: m,
		bufSize: bufSize,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on ln until Close. It returns nil after Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return net.ErrClosed
	}
	s.ln = ln
	s.mu.Unlock()

	s.log.Info("handler listening", zap.Stringer("addr", ln.Addr()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.metrics.ConnOpened()
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.metrics.ConnClosed()
}

// Close stops accepting, closes every client and waits for their goroutines.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	buf := buffer.New(s.bufSize)
	out := make([]byte, 0, 4096)

	for {
		if buf.Full() {
			s.metrics.ProtocolErrors.Inc()
			out = resp.AppendError(out[:0], fmt.Sprintf("ERR Protocol error: command exceeds %d byte buffer", buf.Cap()))
			_, _ = conn.Write(out)
			return
		}

		n, err := conn.Read(buf.Spare())
		if n > 0 {
			buf.Commit(n)

			s.dispatch.Lock()
			res := s.d.Process(buf.Bytes(), out[:0])
			s.dispatch.Unlock()

			out = res.Out
			buf.Compact(res.Consumed)
			if len(out) > 0 {
				if _, werr := conn.Write(out); werr != nil {
					s.log.Debug("write failed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(werr))
					return
				}
			}
			if res.Close {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("read failed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			}
			return
		}
	}
}
