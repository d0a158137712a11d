// Package pipe is the worker end of the dispatch/result pipes the master
// hands every child.
package pipe

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/nemanja-m/athenamp/internal/shared/work"
)

type Conn struct {
	in  *os.File
	out *os.File
	r   *bufio.Reader

	mu     sync.Mutex
	closed bool
}

func NewConn(in, out *os.File) *Conn {
	return &Conn{in: in, out: out, r: bufio.NewReader(in)}
}

// Inherited wraps the descriptors a worker is started with.
func Inherited() (*Conn, error) {
	in := os.NewFile(work.DispatchFd, "dispatch")
	out := os.NewFile(work.ResultFd, "result")
	if in == nil || out == nil {
		return nil, errors.New("worker was not started with dispatch and result pipes")
	}
	if _, err := in.Stat(); err != nil {
		return nil, fmt.Errorf("dispatch pipe: %w", err)
	}
	if _, err := out.Stat(); err != nil {
		return nil, fmt.Errorf("result pipe: %w", err)
	}
	return NewConn(in, out), nil
}

// Receive blocks for the next dispatch. It returns io.EOF once the master
// closes its end.
func (c *Conn) Receive() (work.Envelope, error) {
	return work.ReadFrame(c.r)
}

func (c *Conn) Send(env work.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return os.ErrClosed
	}
	return work.WriteFrame(c.out, env)
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return errors.Join(c.in.Close(), c.out.Close())
}
