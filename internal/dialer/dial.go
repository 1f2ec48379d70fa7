package dialer

import (
	"context"
	"net"

	"github.com/rs/zerolog"

	"github.com/frankli0324/go-connect/internal/connector"
)

var zeroDialer net.Dialer

// DialContext connects to address (host:port), applying the resolve
// configuration: static hosts first, then the custom DNS server if any.
func (d *Dialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	conn, err := d.dial(ctx, address)
	if err != nil {
		return nil, connector.Wrap(connector.KindTransport, layer, err)
	}
	return conn, nil
}

func (d *Dialer) dial(ctx context.Context, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	// as of now net.Dialer could handle current DNS configurations
	nd := net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	network, dialctx, dst := "tcp", ctx, address
	if cfg := d.ResolveConfig; cfg != nil {
		switch cfg.Network {
		case "ip4":
			network = "tcp4"
		case "ip6":
			network = "tcp6"
		}
		if static, ok := cfg.StaticHosts[host]; ok {
			dst = net.JoinHostPort(static, port)
		}
		if dns := cfg.CustomDNSServer; dns != "" {
			dialctx = dnsServerCtx{dialctx, dns}
			nd.Resolver = &customServerResolver
		}
	}

	zerolog.Ctx(ctx).Debug().Str("address", address).Str("dst", dst).Str("network", network).Msg("dialer: dialing")
	return nd.DialContext(dialctx, network, dst)
}
