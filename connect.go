package connect

import (
	"net"

	"github.com/frankli0324/go-connect/internal/bridge"
	"github.com/frankli0324/go-connect/internal/connector"
	"github.com/frankli0324/go-connect/internal/target"
	"github.com/frankli0324/go-connect/internal/telemetry"
	"github.com/frankli0324/go-connect/internal/tlsconn"
)

// Connector resolves a key into a connection. Every layer (tcp, proxy, tls,
// pool) is one, and wraps another.
type Connector[K, C any] = connector.Connector[K, C]

// Func adapts a function to a [Connector].
type Func[K, C any] = connector.Func[K, C]

type Target = target.Target
type ServerName = tlsconn.ServerName

// Conn is the readiness-style connection the bridge produces.
type Conn = bridge.Conn

// TLSConn is an established TLS session.
type TLSConn = tlsconn.Conn

type TLSConfig = tlsconn.Config

type Error = connector.Error
type Kind = connector.Kind

var (
	ErrTransport = connector.ErrTransport
	ErrHandshake = connector.ErrHandshake
	ErrIO        = connector.ErrIO
	ErrBridge    = connector.ErrBridge
	ErrPool      = connector.ErrPool
)

type Collector = telemetry.Collector

// Poller is the readiness-style contract of every connection a [Stack] hands
// out, pooled or not.
type Poller interface {
	PollRead(p []byte) (n int, ready bool, err error)
	PollWrite(p []byte) (n int, ready bool, err error)
	ReadReady() <-chan struct{}
	WriteReady() <-chan struct{}
	CloseWrite() error
}

var (
	ParseTarget   = target.Parse
	NewTarget     = target.New
	NewServerName = tlsconn.NewServerName
	NewTLSConfig  = tlsconn.NewConfig
	KindOf        = connector.KindOf
	Origin        = connector.Origin

	NewPrometheusCollector = telemetry.NewPrometheusCollector
)

// EngineName and TLSBackend name what the build tags linked in.
const (
	EngineName = bridge.EngineName
	TLSBackend = tlsconn.BackendName
)

// NegotiatedProtocol digs through pooled and bridged wrappers for the ALPN
// result of a TLS connection. "" for plain connections.
func NegotiatedProtocol(c net.Conn) string {
	for c != nil {
		if p, ok := c.(interface{ NegotiatedProtocol() string }); ok {
			return p.NegotiatedProtocol()
		}
		u, ok := c.(interface{ NetConn() net.Conn })
		if !ok {
			return ""
		}
		next := u.NetConn()
		if next == c {
			return ""
		}
		c = next
	}
	return ""
}
