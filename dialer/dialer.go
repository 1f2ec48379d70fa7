package dialer

import (
	"net"

	"github.com/frankli0324/go-connect/internal/connector"
	"github.com/frankli0324/go-connect/internal/dialer"
)

// Dialer opens the raw TCP connections every other layer is stacked on. It
// holds configuration only, no connection state, so one Dialer can be
// shared by any number of connectors.
type Dialer = dialer.Dialer

// Key is any connection key that knows its host:port.
type Key = dialer.Key

type ProxyConfig = dialer.ProxyConfig

type Proxy[K Key] = dialer.Proxy[K]

// we need a dedicated resolver for two scenarios:
//
//  1. Resolve remote address locally in proxied requests
//  2. to customize the DNS server used for resolving hostname
//
// the standard library didn't provide a intuitive way of
// setting DNS server addresses since it only follows the
// system configuration (e.g. /etc/resolv.conf), leaving us only
// one option of using [net.Resolver.Dial] hook with a Go Resolver.
//
// this part of code tries to take advantage of that
// only option as far as possible to provide a relativly
// intuitive configuration API.
type ResolveConfig = dialer.ResolveConfig

// For turns d into a connector for keys of type K.
func For[K Key](d *Dialer) connector.Func[K, net.Conn] {
	return dialer.For[K](d)
}

// NewProxy returns a connector tunneling through the HTTP(S) proxy at
// proxyURL.
func NewProxy[K Key](d *Dialer, proxyURL string, cfg *ProxyConfig) (*Proxy[K], error) {
	return dialer.NewProxy[K](d, proxyURL, cfg)
}
