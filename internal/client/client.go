// Package client is a small RESP client for the server, used by the benchmark
// and by tests. A Client is not safe for concurrent use.
package client

import (
	"bufio"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/VoolFI71/arena-kv/internal/resp"
)

const ioBufferSize = 64 * 1024

type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	scratch []byte
}

func Dial(addr string) (*Client, error) {
	return DialTimeout(addr, 0)
}

func DialTimeout(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return New(conn), nil
}

// New wraps an established connection.
func New(conn net.Conn) *Client {
	return &Client{
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, ioBufferSize),
		writer:  bufio.NewWriterSize(conn, ioBufferSize),
		scratch: make([]byte, 0, 256),
	}
}

// Queue buffers a command without sending it.
func (c *Client) Queue(args ...string) error {
	c.scratch = resp.AppendCommand(c.scratch[:0], args...)
	_, err := c.writer.Write(c.scratch)
	return err
}

// Flush sends every queued command.
func (c *Client) Flush() error {
	return c.writer.Flush()
}

// ReadReply reads the next reply.
func (c *Client) ReadReply() (resp.Reply, error) {
	return resp.ReadReply(c.reader)
}

// Do sends one command and waits for its reply. Error replies are returned as
// a reply, not as an error.
func (c *Client) Do(args ...string) (resp.Reply, error) {
	if err := c.Queue(args...); err != nil {
		return resp.Reply{}, err
	}
	if err := c.Flush(); err != nil {
		return resp.Reply{}, err
	}
	return c.ReadReply()
}

func (c *Client) Ping() error {
	r, err := c.Do("PING")
	if err != nil {
		return err
	}
	if err := r.Err(); err != nil {
		return err
	}
	if r.Str != "PONG" {
		return errors.Errorf("unexpected PING reply %q", r.Str)
	}
	return nil
}

func (c *Client) Set(key, value string) error {
	r, err := c.Do("SET", key, value)
	if err != nil {
		return err
	}
	return r.Err()
}

// Get returns the value of key and whether it exists.
func (c *Client) Get(key string) (string, bool, error) {
	r, err := c.Do("GET", key)
	if err != nil {
		return "", false, err
	}
	if err := r.Err(); err != nil {
		return "", false, err
	}
	if r.Null {
		return "", false, nil
	}
	return r.Str, true, nil
}

func (c *Client) SetPipeline(key, value string) error {
	return c.Queue("SET", key, value)
}

func (c *Client) GetPipeline(key string) error {
	return c.Queue("GET", key)
}

// ReadPipelineResponses reads and discards count replies. The first error
// reply is returned after all count replies are read.
func (c *Client) ReadPipelineResponses(count int) error {
	var first error
	for i := 0; i < count; i++ {
		r, err := c.ReadReply()
		if err != nil {
			return err
		}
		if first == nil {
			first = r.Err()
		}
	}
	return first
}

// WriteRaw sends p as is, bypassing the command encoder.
func (c *Client) WriteRaw(p []byte) error {
	if _, err := c.writer.Write(p); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *Client) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// Close sends QUIT and closes the connection.
func (c *Client) Close() error {
	_, _ = c.Do("QUIT")
	return c.conn.Close()
}
