package dialer

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/frankli0324/go-connect/internal/connector"
	"github.com/frankli0324/go-connect/internal/target"
)

const proxyLayer = "proxy"

type ProxyConfig struct {
	TLSConfig      *tls.Config    // used with https proxies, nil means a default config
	ResolveLocally bool           // resolve the destination here and send the proxy an IP
	ResolveConfig  *ResolveConfig // overrides the resolver config of the dialer for the destination
}

func (c *ProxyConfig) Clone() *ProxyConfig {
	if c == nil {
		return nil
	}
	return &ProxyConfig{
		TLSConfig:      c.TLSConfig.Clone(),
		ResolveLocally: c.ResolveLocally,
		ResolveConfig:  c.ResolveConfig.Clone(),
	}
}

// Proxy reaches the address of each key through an HTTP CONNECT tunnel.
// What it returns is a raw stream to the destination, so any layer stacked
// on a Dialer can be stacked on a Proxy as well.
type Proxy[K Key] struct {
	d     *Dialer
	proxy *url.URL
	cfg   *ProxyConfig
}

func NewProxy[K Key](d *Dialer, proxyURL string, cfg *ProxyConfig) (*Proxy[K], error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("dialer: proxy url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" { // TODO: socks
		return nil, errors.New("dialer: unsupported proxy scheme: " + u.Scheme)
	}
	if d == nil {
		d = &Dialer{}
	}
	if cfg == nil {
		cfg = &ProxyConfig{}
	}
	return &Proxy[K]{d: d, proxy: u, cfg: cfg}, nil
}

func (p *Proxy[K]) Connect(ctx context.Context, key K) (net.Conn, error) {
	conn, err := p.DialContext(ctx, key.Address())
	if err != nil {
		return nil, connector.Wrap(connector.KindTransport, proxyLayer, err)
	}
	return conn, nil
}

// DialContext opens a tunnel to address (host:port) through the proxy.
func (p *Proxy[K]) DialContext(ctx context.Context, address string) (net.Conn, error) {
	hp := p.proxy.Host
	if p.proxy.Port() == "" {
		hp = net.JoinHostPort(p.proxy.Hostname(), target.DefaultPort(p.proxy.Scheme))
	}
	conn, err := p.d.DialContext(ctx, hp)
	if err != nil {
		return nil, err
	}

	if p.proxy.Scheme == "https" {
		cfg := p.cfg.TLSConfig.Clone()
		if cfg == nil {
			cfg = &tls.Config{}
		}
		if cfg.ServerName == "" {
			cfg.ServerName = p.proxy.Hostname()
		}
		c := tls.Client(conn, cfg)
		if err := c.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = c
	}

	tunnel, err := p.connect(ctx, conn, address)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return tunnel, nil
}

func (p *Proxy[K]) connect(ctx context.Context, conn net.Conn, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	if p.cfg.ResolveLocally {
		dnsCfg := p.cfg.ResolveConfig.Merge(p.d.ResolveConfig)
		ips, err := p.d.lookup(ctx, dnsCfg, host)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("no addresses for %s", host)
		}
		host = ips[rand.Intn(len(ips))].String()
	}

	// the request and the response must not outlive ctx
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: net.JoinHostPort(host, port)},
		Host:   address,
		Header: http.Header{},
	}
	if u := p.proxy.User; u != nil {
		pass, _ := u.Password()
		auth := u.Username() + ":" + pass
		req.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(auth)))
	}
	if err := req.Write(conn); err != nil {
		return nil, ctxErr(ctx, err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, ctxErr(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		s, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, fmt.Errorf("proxy server returned error. status:%d, body:%s", resp.StatusCode, string(s))
	}
	if !stop() {
		return nil, ctx.Err()
	}
	conn.SetDeadline(time.Time{})

	if br.Buffered() > 0 {
		// the proxy already sent bytes of the tunnel
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	if c.r.Buffered() > 0 {
		return c.r.Read(p)
	}
	return c.Conn.Read(p)
}

func (c *bufferedConn) NetConn() net.Conn { return c.Conn }
