package bridge_test

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/frankli0324/go-connect/internal/bridge"
)

// manualStream hands every op to the test, which decides when and how it
// completes.
type manualStream struct {
	mu     sync.Mutex
	reads  []*bridge.Op
	writes []*bridge.Op
	done   map[*bridge.Op]bool
	closed bool
}

func newManual() *manualStream {
	return &manualStream{done: map[*bridge.Op]bool{}}
}

func (m *manualStream) SubmitRead(buf []byte) *bridge.Op {
	op := bridge.NewOp(buf)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads = append(m.reads, op)
	if m.closed {
		m.complete(op, 0, net.ErrClosed)
	}
	return op
}

func (m *manualStream) SubmitWrite(buf []byte) *bridge.Op {
	op := bridge.NewOp(buf)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, op)
	if m.closed {
		m.complete(op, 0, net.ErrClosed)
	}
	return op
}

func (m *manualStream) complete(op *bridge.Op, n int, err error) {
	if !m.done[op] {
		m.done[op] = true
		op.Complete(n, err)
	}
}

func (m *manualStream) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, op := range append(m.reads, m.writes...) {
		m.complete(op, 0, net.ErrClosed)
	}
	return nil
}

func (m *manualStream) counts() (reads, writes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reads), len(m.writes)
}

func (m *manualStream) fillRead(i int, data []byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op := m.reads[i]
	n := copy(op.Buf(), data)
	m.complete(op, n, err)
}

func (m *manualStream) finishWrite(i int, err error) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	op := m.writes[i]
	data := append([]byte(nil), op.Buf()...)
	if err != nil {
		m.complete(op, 0, err)
	} else {
		m.complete(op, len(data), nil)
	}
	return data
}

func TestPollReadPendingThenReady(t *testing.T) {
	base := bridge.Outstanding()
	m := newManual()
	c := bridge.New(m)

	p := make([]byte, 4)
	n, ready, err := c.PollRead(p)
	require.False(t, ready)
	require.NoError(t, err)
	require.Zero(t, n)

	// polling again must not resubmit
	_, ready, _ = c.PollRead(p)
	require.False(t, ready)
	reads, _ := m.counts()
	require.Equal(t, 1, reads)
	require.True(t, c.InFlight())

	m.fillRead(0, []byte("abcd"), nil)
	<-c.ReadReady()
	n, ready, err = c.PollRead(p)
	require.True(t, ready)
	require.NoError(t, err)
	require.Equal(t, "abcd", string(p[:n]))
	require.False(t, c.InFlight())
	require.Equal(t, base, bridge.Outstanding())
}

func TestPollReadKeepsExcess(t *testing.T) {
	base := bridge.Outstanding()
	m := newManual()
	c := bridge.New(m)

	_, ready, _ := c.PollRead(make([]byte, 8))
	require.False(t, ready)
	m.fillRead(0, []byte("01234567"), nil)

	var got []byte
	p := make([]byte, 3)
	for len(got) < 8 {
		n, ready, err := c.PollRead(p)
		require.True(t, ready)
		require.NoError(t, err)
		got = append(got, p[:n]...)
	}
	require.Equal(t, "01234567", string(got))
	reads, _ := m.counts()
	require.Equal(t, 1, reads)
	require.Equal(t, base, bridge.Outstanding())
}

func TestPollReadEOFOnce(t *testing.T) {
	m := newManual()
	c := bridge.New(m)

	c.PollRead(make([]byte, 16))
	m.fillRead(0, nil, io.EOF)

	for i := 0; i < 3; i++ {
		n, ready, err := c.PollRead(make([]byte, 16))
		require.True(t, ready)
		require.Zero(t, n)
		require.ErrorIs(t, err, io.EOF)
	}
	reads, _ := m.counts()
	require.Equal(t, 1, reads, "nothing is submitted after end of stream")
}

func TestPollReadDataThenError(t *testing.T) {
	m := newManual()
	c := bridge.New(m)
	boom := errors.New("connection reset")

	c.PollRead(make([]byte, 16))
	m.fillRead(0, []byte("abc"), boom)

	p := make([]byte, 16)
	n, ready, err := c.PollRead(p)
	require.True(t, ready)
	require.NoError(t, err)
	require.Equal(t, "abc", string(p[:n]))

	_, ready, err = c.PollRead(p)
	require.True(t, ready)
	var opErr *bridge.OpError
	require.ErrorAs(t, err, &opErr)
	require.Equal(t, "read", opErr.Op)
	require.ErrorIs(t, err, boom)

	// the connection is done for, writes included
	_, ready, err = c.PollWrite([]byte("x"))
	require.True(t, ready)
	require.ErrorIs(t, err, boom)
	_, writes := m.counts()
	require.Zero(t, writes)
}

func TestPollWriteOwnsBytes(t *testing.T) {
	base := bridge.Outstanding()
	m := newManual()
	c := bridge.New(m)

	p := []byte("hello")
	n, ready, err := c.PollWrite(p)
	require.False(t, ready)
	require.NoError(t, err)
	require.Zero(t, n)

	copy(p, "XXXXX") // the caller's buffer is only borrowed
	require.Equal(t, "hello", string(m.finishWrite(0, nil)))

	<-c.WriteReady()
	n, ready, err = c.PollWrite(p)
	require.True(t, ready)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, base, bridge.Outstanding())
}

func TestZeroLengthPolls(t *testing.T) {
	m := newManual()
	c := bridge.New(m)

	n, ready, err := c.PollRead(nil)
	require.True(t, ready)
	require.NoError(t, err)
	require.Zero(t, n)

	n, ready, err = c.PollWrite(nil)
	require.True(t, ready)
	require.NoError(t, err)
	require.Zero(t, n)

	reads, writes := m.counts()
	require.Zero(t, reads)
	require.Zero(t, writes)
}

func echoServer(t *testing.T) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr()
}

func TestRoundTrip(t *testing.T) {
	addr := echoServer(t)
	for _, size := range []int{0, 1, 4096, 1 << 20} {
		raw, err := net.Dial("tcp", addr.String())
		require.NoError(t, err)
		c := bridge.FromConn(raw)

		want := make([]byte, size)
		for i := range want {
			want[i] = byte(i * 31)
		}
		got := make([]byte, size)

		var g errgroup.Group
		g.Go(func() error {
			_, err := c.Write(want)
			return err
		})
		g.Go(func() error {
			_, err := io.ReadFull(c, got)
			return err
		})
		require.NoError(t, g.Wait(), "size %d", size)
		require.True(t, bytes.Equal(want, got), "size %d", size)
		require.NoError(t, c.Close())
	}
}

func TestWritesKeepOrder(t *testing.T) {
	addr := echoServer(t)
	raw, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	c := bridge.FromConn(raw)
	defer c.Close()

	var want bytes.Buffer
	for i := 0; i < 100; i++ {
		chunk := bytes.Repeat([]byte{byte(i)}, 1+i*7)
		want.Write(chunk)
		_, err := c.Write(chunk)
		require.NoError(t, err)
	}
	got := make([]byte, want.Len())
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	require.Equal(t, want.Bytes(), got)
}

func TestCancelledReadThenClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	base := bridge.Outstanding()

	a, peerA := net.Pipe()
	defer peerA.Close()
	b, peerB := net.Pipe()
	defer peerB.Close()

	ca := bridge.FromConn(a)
	cb := bridge.FromConn(b)

	// submit a read nobody will ever wait for, then drop the connection
	_, ready, err := ca.PollRead(make([]byte, 4096))
	require.False(t, ready)
	require.NoError(t, err)
	require.NoError(t, ca.Close())

	_, err = ca.Read(make([]byte, 1))
	require.ErrorIs(t, err, net.ErrClosed)

	// an unrelated connection keeps working
	go peerB.Write([]byte("still fine"))
	got := make([]byte, len("still fine"))
	_, err = io.ReadFull(cb, got)
	require.NoError(t, err)
	require.Equal(t, "still fine", string(got))
	require.NoError(t, cb.Close())

	require.Eventually(t, func() bool {
		return bridge.Outstanding() == base
	}, time.Second, 5*time.Millisecond, "staging buffers leaked")
}

func TestReadDeadlineKeepsOperation(t *testing.T) {
	a, peer := net.Pipe()
	defer peer.Close()
	c := bridge.FromConn(a)
	defer c.Close()

	require.NoError(t, c.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
	_, err := c.Read(make([]byte, 8))
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	require.True(t, ne.Timeout())

	go peer.Write([]byte("late"))

	require.NoError(t, c.SetReadDeadline(time.Time{}))
	p := make([]byte, 8)
	n, err := c.Read(p)
	require.NoError(t, err)
	require.Equal(t, "late", string(p[:n]))
}

func TestWriteTimeoutIsFinal(t *testing.T) {
	a, peer := net.Pipe()
	defer peer.Close()
	c := bridge.FromConn(a)
	defer c.Close()

	require.NoError(t, c.SetWriteDeadline(time.Now().Add(20*time.Millisecond)))
	_, err := c.Write([]byte("nobody reads this"))
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	require.True(t, ne.Timeout())

	require.NoError(t, c.SetWriteDeadline(time.Time{}))
	_, err = c.Write([]byte("again"))
	require.ErrorAs(t, err, &ne)
	require.True(t, ne.Timeout())
}

func TestCloseWrite(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		s, err := ln.Accept()
		if err != nil {
			return
		}
		defer s.Close()
		b, _ := io.ReadAll(s) // until the client half-closes
		s.Write(b)
	}()

	raw, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	c := bridge.FromConn(raw)
	defer c.Close()

	_, err = c.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, c.CloseWrite())

	b, err := io.ReadAll(c)
	require.NoError(t, err)
	require.Equal(t, "ping", string(b))
}

func TestFromConnKeepsBridge(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	c := bridge.FromConn(a)
	defer c.Close()
	require.Same(t, c, bridge.FromConn(c))
	require.Equal(t, a, c.NetConn())
}
