package connect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/frankli0324/go-connect/config"
	"github.com/frankli0324/go-connect/internal/bridge"
	"github.com/frankli0324/go-connect/internal/connector"
	"github.com/frankli0324/go-connect/internal/dialer"
	"github.com/frankli0324/go-connect/internal/target"
	"github.com/frankli0324/go-connect/internal/telemetry"
	"github.com/frankli0324/go-connect/internal/tlsconn"
	"github.com/frankli0324/go-connect/netpool"
)

// Stack is the all-in-one connector built from a [config.Config]:
// Pool(TLS(TCP)) for https targets and Pool(Bridge(TCP)) for http ones. TCP
// goes through the configured proxy, if any.
type Stack struct {
	log       zerolog.Logger
	collector telemetry.Collector

	tls    connector.Connector[target.Target, net.Conn]
	plain  connector.Connector[target.Target, net.Conn]
	closer []func() error
	stats  func() Stats
}

// Stats reports both pools. It is zero when pooling is disabled.
type Stats struct {
	TLS   netpool.Stats
	Plain netpool.Stats
}

type Option func(*Stack)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Stack) { s.log = l }
}

func WithCollector(c Collector) Option {
	return func(s *Stack) {
		if c != nil {
			s.collector = c
		}
	}
}

func New(cfg config.Config, opts ...Option) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Stack{log: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	if s.collector == nil {
		s.collector = telemetry.Noop()
		if cfg.Metrics.Enabled {
			pc, err := telemetry.NewPrometheusCollector(nil)
			if err != nil {
				return nil, fmt.Errorf("connect: metrics: %w", err)
			}
			s.collector = pc
		}
	}

	base, err := baseConnector(cfg)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := tlsConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	secure := tlsconn.New(base, tlsCfg,
		tlsconn.WithLogger(s.log), tlsconn.WithCollector(s.collector))
	plain := connector.Map(base, func(c net.Conn) (*bridge.Conn, error) {
		return bridge.FromConn(c), nil
	})

	if cfg.Pool.Disabled {
		s.tls = asNetConn[target.Target, *tlsconn.Conn](secure)
		s.plain = asNetConn[target.Target, *bridge.Conn](plain)
		return s, nil
	}

	popts := []netpool.Option{
		netpool.WithMaxIdlePerKey(cfg.Pool.MaxIdlePerKey),
		netpool.WithMaxIdle(cfg.Pool.MaxIdle),
		netpool.WithMaxActivePerKey(cfg.Pool.MaxActivePerKey),
		netpool.WithIdleTimeout(cfg.Pool.IdleTimeout.Duration),
		netpool.WithSweepInterval(cfg.Pool.SweepInterval.Duration),
		netpool.WithLogger(s.log),
		netpool.WithCollector(s.collector),
	}
	securePool := netpool.New[target.Target, *tlsconn.Conn](secure, append(popts, netpool.WithName("tls"))...)
	plainPool := netpool.New[target.Target, *bridge.Conn](plain, append(popts, netpool.WithName("plain"))...)
	s.tls = asNetConn[target.Target, *netpool.Conn[target.Target, *tlsconn.Conn]](securePool)
	s.plain = asNetConn[target.Target, *netpool.Conn[target.Target, *bridge.Conn]](plainPool)
	s.closer = append(s.closer, securePool.Close, plainPool.Close)
	s.stats = func() Stats {
		return Stats{TLS: securePool.Stats(), Plain: plainPool.Stats()}
	}
	return s, nil
}

func baseConnector(cfg config.Config) (connector.Connector[target.Target, net.Conn], error) {
	d := &dialer.Dialer{
		Timeout:   cfg.Dial.Timeout.Duration,
		KeepAlive: cfg.Dial.KeepAlive.Duration,
	}
	if cfg.Dial.DNSServer != "" || cfg.Dial.Network != "" || len(cfg.Dial.StaticHosts) > 0 {
		d.ResolveConfig = &dialer.ResolveConfig{
			CustomDNSServer: cfg.Dial.DNSServer,
			Network:         cfg.Dial.Network,
			StaticHosts:     cfg.Dial.StaticHosts,
		}
		if err := d.ResolveConfig.Validate(); err != nil {
			return nil, err
		}
	}
	if cfg.Proxy.URL == "" {
		return dialer.For[target.Target](d), nil
	}
	p, err := dialer.NewProxy[target.Target](d, cfg.Proxy.URL, &dialer.ProxyConfig{
		ResolveLocally: cfg.Proxy.ResolveLocally,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func tlsConfig(cfg config.TLSConfig) (*tlsconn.Config, error) {
	var opts []tlsconn.ConfigOption
	if cfg.SystemRoots {
		opts = append(opts, tlsconn.WithSystemRoots())
	}
	if len(cfg.RootFiles) > 0 {
		opts = append(opts, tlsconn.WithRootFiles(cfg.RootFiles...))
	}
	if cfg.ALPN != nil {
		opts = append(opts, tlsconn.WithALPN(cfg.ALPN...))
	}
	if cfg.MinVersion == "1.3" {
		opts = append(opts, tlsconn.WithMinVersion(tlsconn.VersionTLS13))
	}
	if cfg.InsecureSkipVerify {
		opts = append(opts, tlsconn.WithInsecureSkipVerify())
	}
	return tlsconn.NewConfig(opts...)
}

var (
	_ Poller = (*bridge.Conn)(nil)
	_ Poller = (*tlsconn.Conn)(nil)
	_ Poller = (*netpool.Conn[target.Target, *bridge.Conn])(nil)
	_ Poller = (*netpool.Conn[target.Target, *tlsconn.Conn])(nil)
)

func asNetConn[K any, C net.Conn](inner connector.Connector[K, C]) connector.Func[K, net.Conn] {
	return func(ctx context.Context, key K) (net.Conn, error) {
		c, err := inner.Connect(ctx, key)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// ConnectTLS returns a TLS connection to key. Closing it hands it back to
// the pool. The connection also implements [Poller].
func (s *Stack) ConnectTLS(ctx context.Context, key Target) (net.Conn, error) {
	return s.tls.Connect(ctx, key)
}

// ConnectPlain returns an unencrypted connection to key.
func (s *Stack) ConnectPlain(ctx context.Context, key Target) (net.Conn, error) {
	return s.plain.Connect(ctx, key)
}

// Dial connects to the origin of rawurl, over TLS for https.
func (s *Stack) Dial(ctx context.Context, rawurl string) (net.Conn, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, err
	}
	key, err := target.FromURL(u)
	if err != nil {
		return nil, err
	}
	s.log.Debug().Str("target", key.String()).Str("scheme", u.Scheme).Msg("connect: dialing")
	switch u.Scheme {
	case "https":
		return s.ConnectTLS(ctx, key)
	case "http":
		return s.ConnectPlain(ctx, key)
	}
	return nil, fmt.Errorf("connect: unsupported scheme %q", u.Scheme)
}

// Close drops every idle connection. Connections still out are closed when
// they come back.
func (s *Stack) Close() error {
	var errs []error
	for _, c := range s.closer {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

func (s *Stack) Stats() Stats {
	if s.stats == nil {
		return Stats{}
	}
	return s.stats()
}
