package netpool

import (
	"errors"
	"net"
	"os"
	"sync/atomic"
	"time"
)

// Conn is a connection checked out of a pool. Close returns it to the pool;
// it must not be used afterwards.
type Conn[K comparable, C net.Conn] struct {
	p      *Connector[K, C]
	key    K
	conn   C
	id     string
	reused bool

	released atomic.Bool
	broken   atomic.Bool
	active   atomic.Int32 // Read / Write calls in progress
}

func (c *Conn[K, C]) Read(b []byte) (int, error) {
	if c.released.Load() {
		return 0, net.ErrClosed
	}
	c.active.Add(1)
	n, err := c.conn.Read(b)
	c.active.Add(-1)
	if err != nil {
		c.failed("read", err)
	}
	return n, err
}

func (c *Conn[K, C]) Write(b []byte) (int, error) {
	if c.released.Load() {
		return 0, net.ErrClosed
	}
	c.active.Add(1)
	n, err := c.conn.Write(b)
	c.active.Add(-1)
	if err != nil {
		c.failed("write", err)
	}
	return n, err
}

type poller interface {
	PollRead(p []byte) (n int, ready bool, err error)
	PollWrite(p []byte) (n int, ready bool, err error)
	ReadReady() <-chan struct{}
	WriteReady() <-chan struct{}
}

var (
	errNoPoll      = errors.New("netpool: connection does not support polling")
	errNoHalfClose = errors.New("netpool: connection does not support half close")

	closedChan = func() chan struct{} {
		c := make(chan struct{})
		close(c)
		return c
	}()
)

// PollRead forwards to the pooled connection when it is readiness-style.
// Errors mark the connection broken like they do for Read.
func (c *Conn[K, C]) PollRead(b []byte) (int, bool, error) {
	if c.released.Load() {
		return 0, true, net.ErrClosed
	}
	pl, ok := any(c.conn).(poller)
	if !ok {
		return 0, true, errNoPoll
	}
	n, ready, err := pl.PollRead(b)
	if err != nil {
		c.failed("read", err)
	}
	return n, ready, err
}

func (c *Conn[K, C]) PollWrite(b []byte) (int, bool, error) {
	if c.released.Load() {
		return 0, true, net.ErrClosed
	}
	pl, ok := any(c.conn).(poller)
	if !ok {
		return 0, true, errNoPoll
	}
	n, ready, err := pl.PollWrite(b)
	if err != nil {
		c.failed("write", err)
	}
	return n, ready, err
}

// ReadReady is closed once the pending read completes. It is always closed
// for connections that can't be polled, so the next poll reports why.
func (c *Conn[K, C]) ReadReady() <-chan struct{} {
	if pl, ok := any(c.conn).(poller); ok && !c.released.Load() {
		return pl.ReadReady()
	}
	return closedChan
}

func (c *Conn[K, C]) WriteReady() <-chan struct{} {
	if pl, ok := any(c.conn).(poller); ok && !c.released.Load() {
		return pl.WriteReady()
	}
	return closedChan
}

// CloseWrite half-closes the connection. A half-closed connection never goes
// back to the idle set.
func (c *Conn[K, C]) CloseWrite() error {
	if c.released.Load() {
		return net.ErrClosed
	}
	cw, ok := any(c.conn).(interface{ CloseWrite() error })
	if !ok {
		return errNoHalfClose
	}
	c.broken.Store(true)
	return cw.CloseWrite()
}

// failed marks the connection broken unless err is just a read deadline
// passing. A write that timed out may have been partially sent.
func (c *Conn[K, C]) failed(op string, err error) {
	if op == "read" && errors.Is(err, os.ErrDeadlineExceeded) {
		return
	}
	if !c.broken.Swap(true) {
		c.p.log.Debug().Str("id", c.id).Str("op", op).Err(err).Msg("netpool: connection broken")
	}
}

// busy reports whether something is still reading or writing, either through
// this wrapper or on the bridge under it.
func (c *Conn[K, C]) busy() bool {
	if c.active.Load() > 0 {
		return true
	}
	if f, ok := any(c.conn).(interface{ InFlight() bool }); ok && f.InFlight() {
		return true
	}
	return false
}

// Release puts the connection back into the idle set, or closes it if it
// is broken, busy or the pool is full. Releasing twice is a no-op.
func (c *Conn[K, C]) Release() {
	if !c.released.CompareAndSwap(false, true) {
		return
	}
	reason := ""
	switch {
	case c.broken.Load():
		reason = "broken"
	case c.busy():
		reason = "busy"
	}
	c.p.put(c, reason)
}

// Discard closes the connection instead of returning it.
func (c *Conn[K, C]) Discard() error {
	if !c.released.CompareAndSwap(false, true) {
		return nil
	}
	c.p.put(c, "discarded")
	return nil
}

// MarkBroken makes the next Release close the connection.
func (c *Conn[K, C]) MarkBroken() { c.broken.Store(true) }

// Close is Release, so a pooled connection can be handed to code that only
// knows about net.Conn.
func (c *Conn[K, C]) Close() error {
	c.Release()
	return nil
}

// Raw is the connection made by the inner connector. Calls on it bypass the
// bookkeeping of the pool.
func (c *Conn[K, C]) Raw() C { return c.conn }

func (c *Conn[K, C]) NetConn() net.Conn { return c.conn }

// Reused reports whether the connection came from the idle set.
func (c *Conn[K, C]) Reused() bool { return c.reused }

func (c *Conn[K, C]) Key() K { return c.key }

// ID identifies the connection in logs.
func (c *Conn[K, C]) ID() string { return c.id }

func (c *Conn[K, C]) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *Conn[K, C]) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Conn[K, C]) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *Conn[K, C]) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *Conn[K, C]) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
