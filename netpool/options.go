package netpool

import (
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/frankli0324/go-connect/internal/netutil"
	"github.com/frankli0324/go-connect/internal/telemetry"
)

// DefaultMaxIdlePerKey matches what net/http keeps per host.
const DefaultMaxIdlePerKey = 2

type Option func(*options)

type options struct {
	name            string
	maxIdlePerKey   int
	maxIdle         int // 0 means no global limit
	maxActivePerKey int // 0 means no limit
	idleTimeout     time.Duration
	sweepInterval   time.Duration
	probe           func(net.Conn) bool

	log       zerolog.Logger
	collector telemetry.Collector
}

func defaultOptions() options {
	return options{
		name:          "default",
		maxIdlePerKey: DefaultMaxIdlePerKey,
		probe:         netutil.Alive,
		log:           zerolog.Nop(),
		collector:     telemetry.Noop(),
	}
}

// WithMaxIdlePerKey caps the idle connections kept for a single key. With
// n <= 0 nothing is ever kept.
func WithMaxIdlePerKey(n int) Option {
	return func(o *options) { o.maxIdlePerKey = n }
}

// WithMaxIdle caps the idle connections kept over all keys.
func WithMaxIdle(n int) Option {
	return func(o *options) { o.maxIdle = n }
}

// WithMaxActivePerKey caps the connections checked out at once for a single
// key. Further checkouts wait for a release or for their context.
func WithMaxActivePerKey(n int) Option {
	return func(o *options) { o.maxActivePerKey = n }
}

// WithIdleTimeout evicts connections idle for longer than d. 0 keeps them
// forever.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.idleTimeout = d }
}

// WithSweepInterval runs an eviction sweep every d besides the lazy one at
// checkout.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweepInterval = d }
}

// WithProbe replaces the liveness check run on idle connections before they
// are handed out.
func WithProbe(probe func(net.Conn) bool) Option {
	return func(o *options) {
		if probe != nil {
			o.probe = probe
		}
	}
}

// WithName labels the metrics of the pool, so that pools sharing a collector
// can be told apart.
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
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
