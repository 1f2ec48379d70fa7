//go:build !connect_legacy_engine
// +build !connect_legacy_engine

package bridge

import (
	"net"
	"sync"
)

const EngineName = "ring"

func attach(conn net.Conn) Stream {
	s := &ringStream{conn: conn}
	s.rq.wake = make(chan struct{}, 1)
	s.wq.wake = make(chan struct{}, 1)
	go s.rq.serve(conn.Read)
	go s.wq.serve(conn.Write)
	return s
}

// ringStream has one submission queue per direction, each drained in order
// by a single worker.
type ringStream struct {
	conn   net.Conn
	rq, wq queue
	once   sync.Once
}

type queue struct {
	mu     sync.Mutex
	ops    []*Op
	closed bool
	wake   chan struct{} // cap 1, never closed
}

func (q *queue) push(op *Op) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		op.Complete(0, net.ErrClosed)
		return
	}
	q.ops = append(q.ops, op)
	q.mu.Unlock()
	q.notify()
}

func (q *queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop blocks until an op is queued, returns false once closed.
func (q *queue) pop() (*Op, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.ops) > 0 {
			op := q.ops[0]
			q.ops[0] = nil
			q.ops = q.ops[1:]
			q.mu.Unlock()
			return op, true
		}
		q.mu.Unlock()
		<-q.wake
	}
}

func (q *queue) serve(do func([]byte) (int, error)) {
	for {
		op, ok := q.pop()
		if !ok {
			return
		}
		n, err := do(op.buf)
		op.Complete(n, err)
	}
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	rest := q.ops
	q.ops = nil
	q.mu.Unlock()
	q.notify()
	for _, op := range rest {
		op.Complete(0, net.ErrClosed)
	}
}

func (s *ringStream) SubmitRead(buf []byte) *Op {
	op := NewOp(buf)
	s.rq.push(op)
	return op
}

func (s *ringStream) SubmitWrite(buf []byte) *Op {
	op := NewOp(buf)
	s.wq.push(op)
	return op
}

func (s *ringStream) CloseWrite() error {
	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (s *ringStream) NetConn() net.Conn { return s.conn }

// Close fails whatever is still queued; ops already handed to conn finish
// with whatever error the closed conn gives them.
func (s *ringStream) Close() (err error) {
	err = net.ErrClosed
	s.once.Do(func() {
		s.rq.close()
		s.wq.close()
		err = s.conn.Close()
	})
	return err
}
