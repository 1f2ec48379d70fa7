package bridge

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

var errNoHalfClose = errors.New("bridge: stream does not support half-close")

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// half is the state of one direction:
//
//	idle:      op == nil, pending empty
//	in flight: op != nil, the engine owns op.buf
//	completed: pending holds delivered-but-unread bytes backed by staging
//
// a staging buffer is owned either by the engine (op.buf) or by the half
// (staging), never both.
type half struct {
	mu      sync.Mutex
	op      *Op
	staging []byte
	pending []byte
	eof     bool  // read only
	poison  error // write only, set by a timed out Write
}

func (h *half) ready() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.op == nil {
		return closedChan
	}
	return h.op.done
}

// detach gives up on the in-flight op without waiting for it. The op keeps
// its buffer until the engine is done with it.
func (h *half) detach() {
	h.mu.Lock()
	op := h.op
	h.op = nil
	if h.staging != nil {
		putBuf(h.staging)
		h.staging, h.pending = nil, nil
	}
	h.mu.Unlock()
	if op != nil {
		go reap(op)
	}
}

func reap(op *Op) {
	<-op.done
	putBuf(op.buf)
}

// Conn presents a completion-style [Stream] as a readiness-style stream
// ([Conn.PollRead], [Conn.PollWrite]) and, on top of that, as a plain
// blocking net.Conn.
type Conn struct {
	s Stream

	rd, wr   half
	rmu, wmu sync.Mutex // serialize the blocking Read / Write calls

	failMu sync.Mutex
	fail   error

	rdl, wdl deadline
	closed   chan struct{}
	once     sync.Once
}

func New(s Stream) *Conn {
	return &Conn{
		s:      s,
		rdl:    makeDeadline(),
		wdl:    makeDeadline(),
		closed: make(chan struct{}),
	}
}

// FromConn returns conn itself when it already is a *Conn, otherwise it
// attaches the linked engine to it.
func FromConn(conn net.Conn) *Conn {
	if c, ok := conn.(*Conn); ok {
		return c
	}
	return New(Attach(conn))
}

func (c *Conn) failure() error {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	return c.fail
}

// setFail records the first fatal error and returns the one that sticks.
func (c *Conn) setFail(err error) error {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	if c.fail == nil {
		c.fail = err
	}
	return c.fail
}

// PollRead reads into p if a previously submitted read has completed.
// Otherwise it submits one (sized len(p)) unless one is already in flight and
// reports ready == false; wait on [Conn.ReadReady] before polling again.
//
// Bytes that did not fit into p are kept for the next poll. End of stream is
// io.EOF, any other engine error is an *OpError and is final for the whole
// connection.
func (c *Conn) PollRead(p []byte) (n int, ready bool, err error) {
	h := &c.rd
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.pending) > 0 {
		n = copy(p, h.pending)
		h.pending = h.pending[n:]
		if len(h.pending) == 0 {
			putBuf(h.staging)
			h.staging, h.pending = nil, nil
		}
		return n, true, nil
	}
	if err := c.failure(); err != nil {
		return 0, true, err
	}
	if h.eof {
		return 0, true, io.EOF
	}

	if h.op == nil {
		if len(p) == 0 {
			return 0, true, nil
		}
		h.op = c.s.SubmitRead(getBuf(len(p)))
		return 0, false, nil
	}
	if !h.op.completed() {
		return 0, false, nil
	}

	op := h.op
	h.op = nil
	buf, got, rerr := op.Result()
	if got > 0 {
		n = copy(p, buf[:got])
		if n < got {
			h.staging, h.pending = buf, buf[n:got]
		} else {
			putBuf(buf)
		}
	} else {
		putBuf(buf)
	}

	switch {
	case rerr == nil:
	case rerr == io.EOF:
		h.eof = true
	default:
		rerr = c.setFail(&OpError{Op: "read", Err: rerr})
	}
	if got > 0 {
		// data first, the error shows up on the next poll
		return n, true, nil
	}
	return 0, true, rerr
}

// PollWrite copies p into a staging buffer and submits it. Until the write
// completes it reports ready == false; the caller is expected to poll again
// with the same bytes, and gets the number written once done.
func (c *Conn) PollWrite(p []byte) (n int, ready bool, err error) {
	h := &c.wr
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.op == nil {
		if h.poison != nil {
			return 0, true, h.poison
		}
		if err := c.failure(); err != nil {
			return 0, true, err
		}
		if len(p) == 0 {
			return 0, true, nil
		}
		buf := getBuf(len(p))
		copy(buf, p)
		h.op = c.s.SubmitWrite(buf)
		return 0, false, nil
	}
	if !h.op.completed() {
		return 0, false, nil
	}

	op := h.op
	h.op = nil
	buf, n, werr := op.Result()
	putBuf(buf)
	if werr != nil {
		return n, true, c.setFail(&OpError{Op: "write", Err: werr})
	}
	return n, true, nil
}

// ReadReady is closed once polling the read side would make progress.
func (c *Conn) ReadReady() <-chan struct{} { return c.rd.ready() }

// WriteReady is closed once polling the write side would make progress.
func (c *Conn) WriteReady() <-chan struct{} { return c.wr.ready() }

// InFlight reports whether an operation is outstanding or read bytes are
// waiting to be delivered.
func (c *Conn) InFlight() bool {
	c.rd.mu.Lock()
	busy := c.rd.op != nil || len(c.rd.pending) > 0
	c.rd.mu.Unlock()
	if busy {
		return true
	}
	c.wr.mu.Lock()
	defer c.wr.mu.Unlock()
	return c.wr.op != nil
}

func (c *Conn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	for {
		if isClosedChan(c.rdl.wait()) {
			return 0, errTimeout
		}
		n, ready, err := c.PollRead(p)
		if ready {
			return n, err
		}
		select {
		case <-c.ReadReady():
		case <-c.closed:
		case <-c.rdl.wait():
			// the read stays in flight, its bytes go to the next Read
			return 0, errTimeout
		}
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	var total int
	for len(p) > 0 {
		if isClosedChan(c.wdl.wait()) {
			return total, c.poisonWrite()
		}
		n, ready, err := c.PollWrite(p)
		if !ready {
			select {
			case <-c.WriteReady():
			case <-c.closed:
			case <-c.wdl.wait():
				return total, c.poisonWrite()
			}
			continue
		}
		total += n
		p = p[n:]
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}

// poisonWrite fails the write side for good after a timeout: part of the
// bytes may have been written, so the stream can't be trusted anymore.
func (c *Conn) poisonWrite() error {
	h := &c.wr
	h.mu.Lock()
	if h.poison == nil {
		h.poison = &OpError{Op: "write", Err: errTimeout}
	}
	err := h.poison
	h.mu.Unlock()
	h.detach()
	return err
}

// CloseWrite waits for the in-flight write, then half-closes the stream.
func (c *Conn) CloseWrite() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	for {
		_, ready, err := c.PollWrite(nil)
		if ready {
			if err != nil {
				return err
			}
			break
		}
		select {
		case <-c.WriteReady():
		case <-c.closed:
		}
	}
	if cw, ok := c.s.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errNoHalfClose
}

// Close closes the stream. Operations still in flight are left to finish in
// the background; their staging buffers are recycled only after that.
func (c *Conn) Close() error {
	err := error(net.ErrClosed)
	c.once.Do(func() {
		c.setFail(net.ErrClosed)
		close(c.closed)
		err = c.s.Close()
		c.rd.detach()
		c.wr.detach()
	})
	return err
}

// NetConn returns the conn driven by the engine, nil for streams that do not
// wrap one.
func (c *Conn) NetConn() net.Conn {
	if nc, ok := c.s.(interface{ NetConn() net.Conn }); ok {
		return nc.NetConn()
	}
	return nil
}

func (c *Conn) LocalAddr() net.Addr {
	if nc := c.NetConn(); nc != nil {
		return nc.LocalAddr()
	}
	return addr{}
}

func (c *Conn) RemoteAddr() net.Addr {
	if nc := c.NetConn(); nc != nil {
		return nc.RemoteAddr()
	}
	return addr{}
}

func (c *Conn) SetDeadline(t time.Time) error {
	c.rdl.set(t)
	c.wdl.set(t)
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.rdl.set(t)
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.wdl.set(t)
	return nil
}

type addr struct{}

func (addr) Network() string { return "bridge" }
func (addr) String() string  { return "bridge" }
