//go:build connect_legacy_engine
// +build connect_legacy_engine

package bridge

import (
	"net"
	"sync"
	"sync/atomic"
)

const EngineName = "spawn"

func attach(conn net.Conn) Stream {
	return &spawnStream{conn: conn}
}

// spawnStream runs every op on its own goroutine. Each op waits for the
// previous op of the same direction, which keeps the ordering.
type spawnStream struct {
	conn   net.Conn
	mu     sync.Mutex
	last   [2]*Op // read, write
	closed atomic.Bool
	once   sync.Once
}

func (s *spawnStream) submit(dir int, op *Op, do func([]byte) (int, error)) *Op {
	s.mu.Lock()
	prev := s.last[dir]
	s.last[dir] = op
	s.mu.Unlock()
	go func() {
		if prev != nil {
			<-prev.done
		}
		if s.closed.Load() {
			op.Complete(0, net.ErrClosed)
			return
		}
		n, err := do(op.buf)
		op.Complete(n, err)
	}()
	return op
}

func (s *spawnStream) SubmitRead(buf []byte) *Op {
	return s.submit(0, NewOp(buf), s.conn.Read)
}

func (s *spawnStream) SubmitWrite(buf []byte) *Op {
	return s.submit(1, NewOp(buf), s.conn.Write)
}

func (s *spawnStream) CloseWrite() error {
	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (s *spawnStream) NetConn() net.Conn { return s.conn }

func (s *spawnStream) Close() (err error) {
	err = net.ErrClosed
	s.once.Do(func() {
		s.closed.Store(true)
		err = s.conn.Close()
	})
	return err
}
