package tlsconn

import (
	"context"
	"crypto/x509"
	"errors"
	"io"
	"net"

	"github.com/rs/zerolog"

	"github.com/frankli0324/go-connect/internal/bridge"
	"github.com/frankli0324/go-connect/internal/connector"
	"github.com/frankli0324/go-connect/internal/telemetry"
)

const layer = "tls"

// Key is what the TLS layer needs from a connection key.
type Key interface {
	ServerName() ServerName
}

// Conn is an established TLS session, readiness-style.
type Conn struct {
	*bridge.Conn
	proto string
	name  ServerName
}

// NegotiatedProtocol is the ALPN result, "" when the server picked none.
func (c *Conn) NegotiatedProtocol() string { return c.proto }

func (c *Conn) ServerName() ServerName { return c.name }

type Option func(*options)

type options struct {
	log       zerolog.Logger
	collector telemetry.Collector
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

func WithCollector(c telemetry.Collector) Option {
	return func(o *options) {
		if c != nil {
			o.collector = c
		}
	}
}

// Connector runs a TLS client handshake over every connection produced by
// the inner connector.
type Connector[K Key, C net.Conn] struct {
	inner connector.Connector[K, C]
	cfg   *Config
	options
}

func New[K Key, C net.Conn](inner connector.Connector[K, C], cfg *Config, opts ...Option) *Connector[K, C] {
	if cfg == nil {
		cfg, _ = NewConfig() // defaults never fail
	}
	c := &Connector[K, C]{
		inner: inner,
		cfg:   cfg,
		options: options{
			log:       zerolog.Nop(),
			collector: telemetry.Noop(),
		},
	}
	for _, o := range opts {
		o(&c.options)
	}
	return c
}

func (c *Connector[K, C]) Config() *Config { return c.cfg }

func (c *Connector[K, C]) Connect(ctx context.Context, key K) (*Conn, error) {
	name := key.ServerName()
	if name.IsZero() {
		c.collector.IncHandshake("handshake", "")
		return nil, connector.Wrap(connector.KindHandshake, layer, errEmptyServerName)
	}

	raw, err := c.inner.Connect(ctx, key)
	if err != nil {
		c.collector.IncHandshake("transport", "")
		return nil, connector.Wrap(connector.KindTransport, layer, err)
	}

	tc, proto, err := handshake(ctx, session{Conn: raw}, name, c.cfg.backend)
	if err != nil {
		discard(raw)
		kind := classify(ctx, err)
		c.collector.IncHandshake(kind.String(), "")
		c.log.Debug().Err(err).Str("server_name", name.String()).Str("kind", kind.String()).Msg("tlsconn: handshake failed")
		return nil, connector.Wrap(kind, layer, err)
	}

	c.collector.IncHandshake("ok", proto)
	c.log.Debug().Str("server_name", name.String()).Str("alpn", proto).Str("backend", BackendName).Msg("tlsconn: handshake done")
	return &Conn{Conn: bridge.FromConn(tc), proto: proto, name: name}, nil
}

// discard gets rid of a connection a TLS session ran or failed on. Pooled
// connections must not go back to their pool: the peer has seen a session
// on them, and crypto/tls leaves a past write deadline behind on close.
func discard(c net.Conn) error {
	if d, ok := c.(interface{ Discard() error }); ok {
		return d.Discard()
	}
	return c.Close()
}

// session is the stream under one TLS session. Closing the session discards
// the stream.
type session struct {
	net.Conn
}

func (s session) Close() error { return discard(s.Conn) }

func (s session) NetConn() net.Conn { return s.Conn }

// classify tells certificate and protocol failures from the connection
// breaking underneath the handshake.
func classify(ctx context.Context, err error) connector.Kind {
	var (
		unknownAuthority x509.UnknownAuthorityError
		invalid          x509.CertificateInvalidError
		hostname         x509.HostnameError
		opErr            *net.OpError
	)
	switch {
	case errors.As(err, &unknownAuthority), errors.As(err, &invalid), errors.As(err, &hostname):
		return connector.KindHandshake
	case ctx.Err() != nil,
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed):
		return connector.KindIO
	case errors.As(err, &opErr):
		// alerts come back as "remote error" / "local error"
		if opErr.Op == "remote error" || opErr.Op == "local error" {
			return connector.KindHandshake
		}
		return connector.KindIO
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return connector.KindIO
	}
	return connector.KindHandshake
}
