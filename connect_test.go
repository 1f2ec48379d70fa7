package connect_test

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	connect "github.com/frankli0324/go-connect"
	"github.com/frankli0324/go-connect/config"
	"github.com/frankli0324/go-connect/internal/dialer"
	"github.com/frankli0324/go-connect/internal/target"
	"github.com/frankli0324/go-connect/internal/testutil"
	"github.com/frankli0324/go-connect/internal/tlsconn"
	"github.com/frankli0324/go-connect/netpool"
)

func localhost(t *testing.T, addr string) target.Target {
	t.Helper()
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	key, err := target.New("127.0.0.1", port)
	require.NoError(t, err)
	return key.WithServerName(tlsconn.MustServerName("localhost"))
}

func echo(t *testing.T, c net.Conn, msg string) {
	t.Helper()
	_, err := c.Write([]byte(msg))
	require.NoError(t, err)
	got := make([]byte, len(msg))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	require.Equal(t, msg, string(got))
}

func TestPoolOverTLSReusesSession(t *testing.T) {
	srv := testutil.NewTLSServer(t, "http/1.1")
	cfg, err := tlsconn.NewConfig(tlsconn.WithRoots(srv.Cert.Pool))
	require.NoError(t, err)

	secure := tlsconn.New[target.Target, net.Conn](dialer.For[target.Target](&dialer.Dialer{}), cfg)
	pool := netpool.New[target.Target, *tlsconn.Conn](secure)
	defer pool.Close()
	key := localhost(t, srv.Addr)

	c, err := pool.Connect(context.Background(), key)
	require.NoError(t, err)
	require.False(t, c.Reused())
	echo(t, c, "first")
	require.NoError(t, c.Close())
	require.Equal(t, 1, pool.IdleCount(key))

	c, err = pool.Connect(context.Background(), key)
	require.NoError(t, err)
	defer c.Close()
	require.True(t, c.Reused())
	require.Equal(t, "http/1.1", connect.NegotiatedProtocol(c))
	echo(t, c, "second")
	require.EqualValues(t, 1, srv.Accepted())
}

func TestTLSOverPoolDiscardsSessionStreams(t *testing.T) {
	srv := testutil.NewTLSServer(t)
	cfg, err := tlsconn.NewConfig(tlsconn.WithRoots(srv.Cert.Pool))
	require.NoError(t, err)

	pool := netpool.New[target.Target, net.Conn](dialer.For[target.Target](&dialer.Dialer{}))
	defer pool.Close()
	secure := tlsconn.New[target.Target, *netpool.Conn[target.Target, net.Conn]](pool, cfg)
	key := localhost(t, srv.Addr)

	c, err := secure.Connect(context.Background(), key)
	require.NoError(t, err)
	echo(t, c, "ping")
	require.NoError(t, c.Close())

	// a tcp stream that carried a tls session can't carry another one
	require.Zero(t, pool.IdleCount(key))

	c, err = secure.Connect(context.Background(), key)
	require.NoError(t, err)
	echo(t, c, "pong")
	require.NoError(t, c.Close())

	st := pool.Stats()
	require.EqualValues(t, 2, st.Misses)
	require.Zero(t, st.Hits)
	require.EqualValues(t, 2, st.Dropped)
}

func TestReusedConnectionHasNoDeadline(t *testing.T) {
	srv := testutil.NewTLSServer(t, "http/1.1")
	cfg, err := tlsconn.NewConfig(tlsconn.WithRoots(srv.Cert.Pool))
	require.NoError(t, err)

	secure := tlsconn.New[target.Target, net.Conn](dialer.For[target.Target](&dialer.Dialer{}), cfg)
	pool := netpool.New[target.Target, *tlsconn.Conn](secure)
	defer pool.Close()
	key := localhost(t, srv.Addr)

	c, err := pool.Connect(context.Background(), key)
	require.NoError(t, err)
	echo(t, c, "first")
	require.NoError(t, c.SetWriteDeadline(time.Now().Add(10*time.Millisecond)))
	require.NoError(t, c.Close())
	time.Sleep(30 * time.Millisecond)

	c, err = pool.Connect(context.Background(), key)
	require.NoError(t, err)
	defer c.Close()
	require.True(t, c.Reused())
	echo(t, c, "second")
}

func TestPooledConnPolls(t *testing.T) {
	srv := testutil.NewTCPServer(t, testutil.Echo)
	s, err := connect.New(config.Default())
	require.NoError(t, err)
	defer s.Close()

	c, err := s.Dial(context.Background(), "http://"+srv.Addr)
	require.NoError(t, err)
	pl, ok := c.(connect.Poller)
	require.True(t, ok)

	msg := []byte("poll")
	for {
		n, ready, err := pl.PollWrite(msg)
		if ready {
			require.NoError(t, err)
			require.Equal(t, len(msg), n)
			break
		}
		<-pl.WriteReady()
	}
	got := make([]byte, len(msg))
	read := 0
	for read < len(got) {
		n, ready, err := pl.PollRead(got[read:])
		if ready {
			require.NoError(t, err)
			read += n
			continue
		}
		<-pl.ReadReady()
	}
	require.Equal(t, "poll", string(got))

	require.NoError(t, pl.CloseWrite())
	for {
		_, ready, err := pl.PollRead(got)
		if ready {
			require.ErrorIs(t, err, io.EOF)
			break
		}
		<-pl.ReadReady()
	}
	require.NoError(t, c.Close())

	// half closed and at eof, so not kept
	require.Zero(t, s.Stats().Plain.Idle)
}

func writeRoots(t *testing.T, pem []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roots.pem")
	require.NoError(t, os.WriteFile(path, pem, 0o600))
	return path
}

func TestStackDial(t *testing.T) {
	srv := testutil.NewTLSServer(t, "h2", "http/1.1")
	cfg := config.Default()
	cfg.TLS.RootFiles = []string{writeRoots(t, srv.Cert.PEM)}

	s, err := connect.New(cfg)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		c, err := s.Dial(ctx, "https://"+srv.Addr)
		require.NoError(t, err)
		require.Equal(t, "h2", connect.NegotiatedProtocol(c))
		echo(t, c, "hello")
		require.NoError(t, c.Close())
	}

	st := s.Stats()
	require.Equal(t, 1, st.TLS.Idle)
	require.EqualValues(t, 1, st.TLS.Misses)
	require.EqualValues(t, 2, st.TLS.Hits)
	require.EqualValues(t, 1, srv.Accepted())
	require.Zero(t, st.Plain.Idle)
}

func TestStackSystemRootsWithFiles(t *testing.T) {
	srv := testutil.NewTLSServer(t)
	cfg := config.Default()
	cfg.TLS.SystemRoots = true
	cfg.TLS.RootFiles = []string{writeRoots(t, srv.Cert.PEM)}

	s, err := connect.New(cfg)
	require.NoError(t, err)
	defer s.Close()

	c, err := s.Dial(context.Background(), "https://"+srv.Addr)
	require.NoError(t, err)
	echo(t, c, "sys")
	require.NoError(t, c.Close())
}

func TestStackDialPlain(t *testing.T) {
	srv := testutil.NewTCPServer(t, testutil.Echo)
	s, err := connect.New(config.Default())
	require.NoError(t, err)
	defer s.Close()

	c, err := s.Dial(context.Background(), "http://"+srv.Addr)
	require.NoError(t, err)
	require.Empty(t, connect.NegotiatedProtocol(c))
	echo(t, c, "plain")
	require.NoError(t, c.Close())
	require.Equal(t, 1, s.Stats().Plain.Idle)
}

func TestStackWithoutPool(t *testing.T) {
	srv := testutil.NewTCPServer(t, testutil.Echo)
	cfg := config.Default()
	cfg.Pool.Disabled = true
	s, err := connect.New(cfg)
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 2; i++ {
		c, err := s.Dial(context.Background(), "http://"+srv.Addr)
		require.NoError(t, err)
		echo(t, c, "x")
		require.NoError(t, c.Close())
	}
	require.Eventually(t, func() bool { return srv.Accepted() == 2 }, time.Second, 10*time.Millisecond)
	require.Zero(t, s.Stats())
}

func TestStackErrors(t *testing.T) {
	s, err := connect.New(config.Default())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Dial(context.Background(), "ftp://example.com")
	require.Error(t, err)

	srv := testutil.NewTLSServer(t)
	_, err = s.Dial(context.Background(), "https://"+srv.Addr)
	require.ErrorIs(t, err, connect.ErrHandshake)
	require.Equal(t, "tls", connect.Origin(err).Layer)
}

func TestStackRejectsBadConfig(t *testing.T) {
	cfg := config.Default()
	cfg.TLS.MinVersion = "1.0"
	_, err := connect.New(cfg)
	require.Error(t, err)
}
