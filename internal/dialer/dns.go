package dialer

import (
	"context"
	"fmt"
	"maps"
	"net"
)

type ResolveConfig struct {
	CustomDNSServer string            // host:port of a DNS server used instead of the system one
	Network         string            // one of "ip4", "ip6", default is "ip"
	StaticHosts     map[string]string // resembles /etc/hosts
}

func (c *ResolveConfig) Clone() *ResolveConfig {
	if c == nil {
		return nil
	}
	return &ResolveConfig{
		CustomDNSServer: c.CustomDNSServer,
		Network:         c.Network,
		StaticHosts:     maps.Clone(c.StaticHosts),
	}
}

// Merge fills whatever c leaves unset from fallback. Static hosts of c win
// over those of fallback.
func (c *ResolveConfig) Merge(fallback *ResolveConfig) *ResolveConfig {
	if c == nil {
		return fallback.Clone()
	}
	out := c.Clone()
	if fallback == nil {
		return out
	}
	if out.CustomDNSServer == "" {
		out.CustomDNSServer = fallback.CustomDNSServer
	}
	if out.Network == "" {
		out.Network = fallback.Network
	}
	if len(fallback.StaticHosts) > 0 {
		hosts := maps.Clone(fallback.StaticHosts)
		maps.Copy(hosts, out.StaticHosts)
		out.StaticHosts = hosts
	}
	return out
}

func (c *ResolveConfig) Validate() error {
	if c == nil {
		return nil
	}
	switch c.Network {
	case "", "ip", "ip4", "ip6":
	default:
		return fmt.Errorf("dialer: unknown network %q", c.Network)
	}
	if c.CustomDNSServer != "" {
		if _, _, err := net.SplitHostPort(c.CustomDNSServer); err != nil {
			return fmt.Errorf("dialer: dns server: %w", err)
		}
	}
	return nil
}

// this type should not be used outside this file.
// prevents non-custom DNS server contexts to iterate through all keys
type dnsServerCtx struct {
	context.Context
	server string
}

var dnsServerCtxKey = &dnsServerCtx{nil, "dns-server"} // non-nil pointer to any object, definitely unique

func (c dnsServerCtx) Value(key interface{}) interface{} {
	if key == dnsServerCtxKey {
		return c.server
	}
	return c.Context.Value(key)
}

var customServerResolver = net.Resolver{
	PreferGo: true,
	Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
		if v, ok := ctx.Value(dnsServerCtxKey).(string); ok && v != "" {
			return zeroDialer.DialContext(ctx, network, v)
		}
		return zeroDialer.DialContext(ctx, network, address)
	},
}

func (d *Dialer) lookup(ctx context.Context, cfg *ResolveConfig, host string) (result []net.IP, err error) {
	if cfg == nil {
		return d.LookupIPServer(ctx, "ip", host, "")
	}
	if static, ok := cfg.StaticHosts[host]; ok {
		if ip := net.ParseIP(static); ip != nil {
			return []net.IP{ip}, nil
		}
		host = static
	}
	network := cfg.Network
	if network == "" {
		network = "ip"
	}
	return d.LookupIPServer(ctx, network, host, cfg.CustomDNSServer)
}

// LookupIPServer performs DNS lookup for a host on a custom dns server,
// it calls [net.Resolver.LookupIP] with a Go Resolver behind the scenes.
// An empty dns uses the servers of the system configuration.
func (d *Dialer) LookupIPServer(ctx context.Context, network, host, dns string) ([]net.IP, error) {
	return customServerResolver.LookupIP(dnsServerCtx{ctx, dns}, network, host)
}
