// package bridge turns completion-style streams into readiness-style ones.
//
// A completion-style stream takes ownership of a buffer when an operation is
// submitted and gives it back once the operation is done. Framing code on the
// other hand polls with a borrowed buffer and wants to hear "ready" or "not
// yet". [Conn] sits in between: it owns a staging buffer for every in-flight
// operation, so whatever the poller does with its own buffer (including
// walking away) never touches memory the engine is still writing into.
package bridge

import (
	"net"
)

// Op is a single submitted operation. The buffer belongs to the engine from
// submission until Done is closed.
type Op struct {
	buf  []byte
	n    int
	err  error
	done chan struct{}
}

func NewOp(buf []byte) *Op {
	return &Op{buf: buf, done: make(chan struct{})}
}

// Buf is the buffer the engine should read into or write from.
func (o *Op) Buf() []byte { return o.buf }

// Complete hands the buffer back. Must be called exactly once.
func (o *Op) Complete(n int, err error) {
	o.n, o.err = n, err
	close(o.done)
}

func (o *Op) Done() <-chan struct{} { return o.done }

// Result must only be called after Done is closed.
func (o *Op) Result() (buf []byte, n int, err error) {
	return o.buf, o.n, o.err
}

func (o *Op) completed() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// Stream is a completion-style byte stream. Operations of the same direction
// complete in submission order.
type Stream interface {
	SubmitRead(buf []byte) *Op
	SubmitWrite(buf []byte) *Op
	// Close completes every queued or running operation, with an error if
	// it did not get to run.
	Close() error
}

// Attach drives conn with the engine linked into this binary.
func Attach(conn net.Conn) Stream {
	return attach(conn)
}

// OpError is a failure reported by the engine for a read or write.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string { return "bridge: " + e.Op + ": " + e.Err.Error() }

func (e *OpError) Unwrap() error { return e.Err }

func (e *OpError) Timeout() bool {
	t, ok := e.Err.(interface{ Timeout() bool })
	return ok && t.Timeout()
}

func (e *OpError) Temporary() bool { return false }
