package dialer_test

import (
	"context"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/frankli0324/go-connect/internal/connector"
	"github.com/frankli0324/go-connect/internal/dialer"
	"github.com/frankli0324/go-connect/internal/target"
	"github.com/frankli0324/go-connect/internal/testutil"
)

// connectProxy is a minimal CONNECT proxy. A non empty auth is the
// expected Proxy-Authorization value; greeting is sent down the tunnel right
// after the response headers.
func connectProxy(t *testing.T, auth, greeting string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodConnect {
			http.Error(w, "connect only", http.StatusMethodNotAllowed)
			return
		}
		if auth != "" && r.Header.Get("Proxy-Authorization") != auth {
			w.WriteHeader(http.StatusProxyAuthRequired)
			io.WriteString(w, "who are you")
			return
		}
		up, err := net.Dial("tcp", r.RequestURI)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer up.Close()
		c, brw, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer c.Close()
		io.WriteString(c, "HTTP/1.1 200 Connection established\r\n\r\n"+greeting)
		go io.Copy(up, brw)
		io.Copy(c, up)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProxyTunnel(t *testing.T) {
	echo := testutil.NewTCPServer(t, testutil.Echo)
	proxy := connectProxy(t, "", "")

	p, err := dialer.NewProxy[target.Target](&dialer.Dialer{}, proxy.URL, nil)
	require.NoError(t, err)
	key, _ := target.Parse(echo.Addr)
	c, err := p.Connect(context.Background(), key)
	require.NoError(t, err)
	defer c.Close()
	roundTrip(t, c, "through the tunnel")
}

func TestProxyKeepsEarlyBytes(t *testing.T) {
	echo := testutil.NewTCPServer(t, testutil.Echo)
	proxy := connectProxy(t, "", "hi!")

	p, err := dialer.NewProxy[target.Target](nil, proxy.URL, nil)
	require.NoError(t, err)
	key, _ := target.Parse(echo.Addr)
	c, err := p.Connect(context.Background(), key)
	require.NoError(t, err)
	defer c.Close()

	got := make([]byte, 3)
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	require.Equal(t, "hi!", string(got))
	roundTrip(t, c, "after greeting")
}

func TestProxyAuth(t *testing.T) {
	echo := testutil.NewTCPServer(t, testutil.Echo)
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("user:p@ss"))
	proxy := connectProxy(t, want, "")
	key, _ := target.Parse(echo.Addr)

	withAuth := strings.Replace(proxy.URL, "http://", "http://user:p%40ss@", 1)
	p, err := dialer.NewProxy[target.Target](nil, withAuth, nil)
	require.NoError(t, err)
	c, err := p.Connect(context.Background(), key)
	require.NoError(t, err)
	c.Close()

	p, err = dialer.NewProxy[target.Target](nil, proxy.URL, nil)
	require.NoError(t, err)
	_, err = p.Connect(context.Background(), key)
	require.ErrorIs(t, err, connector.ErrTransport)
	require.Equal(t, "proxy", connector.Origin(err).Layer)
	require.Contains(t, err.Error(), "status:407")
	require.Contains(t, err.Error(), "who are you")
}

func TestProxyUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	p, err := dialer.NewProxy[target.Target](nil, "http://"+addr, nil)
	require.NoError(t, err)
	key, _ := target.Parse("example.com:443")
	_, err = p.Connect(context.Background(), key)
	require.ErrorIs(t, err, connector.ErrTransport)

	// the proxy layer wraps the tcp layer
	outer := err.(*connector.Error)
	require.Equal(t, "proxy", outer.Layer)
	require.Equal(t, "tcp", connector.Origin(err).Layer)
}

func TestProxyScheme(t *testing.T) {
	_, err := dialer.NewProxy[target.Target](nil, "socks5://127.0.0.1:1080", nil)
	require.Error(t, err)
}
