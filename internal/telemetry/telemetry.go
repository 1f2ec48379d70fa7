package telemetry

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector receives the events of the pool and the TLS layer. Calls happen
// inline on checkout, release and handshake paths, so implementations must
// not block.
type Collector interface {
	// IncCheckout counts a pool checkout by how it was served:
	// "hit", "miss" or "stale".
	IncCheckout(result string)
	// IncDropped counts a pooled connection that was closed instead of
	// kept, by reason: "expired", "stale", "broken", "busy", "full",
	// "closed" or "discarded".
	IncDropped(reason string)
	// SetIdle reports the idle connections held by the named pool.
	SetIdle(pool string, n int)
	// IncHandshake counts a TLS handshake by outcome ("ok", "handshake",
	// "io", "transport") and negotiated protocol.
	IncHandshake(outcome, proto string)
}

type noopCollector struct{}

// Noop returns a collector that discards everything.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncCheckout(string)          {}
func (noopCollector) IncDropped(string)           {}
func (noopCollector) SetIdle(string, int)         {}
func (noopCollector) IncHandshake(string, string) {}

// PrometheusCollector exposes the events as Prometheus metrics.
type PrometheusCollector struct {
	checkouts  *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	idle       *prometheus.GaugeVec
	handshakes *prometheus.CounterVec
}

// NewPrometheusCollector registers the metrics with reg, or with the default
// registerer when reg is nil. Registering twice with the same registerer
// reuses the metrics already there.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	checkouts, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "connect_pool_checkouts_total",
		Help: "Pool checkouts by result: hit, miss or stale.",
	}, []string{"result"}))
	if err != nil {
		return nil, err
	}
	dropped, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "connect_pool_dropped_total",
		Help: "Connections closed by the pool instead of being kept idle.",
	}, []string{"reason"}))
	if err != nil {
		return nil, err
	}
	idle, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connect_pool_idle_connections",
		Help: "Idle connections currently held, by pool.",
	}, []string{"pool"}))
	if err != nil {
		return nil, err
	}
	handshakes, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "connect_tls_handshakes_total",
		Help: "TLS handshakes by outcome and negotiated protocol.",
	}, []string{"outcome", "proto"}))
	if err != nil {
		return nil, err
	}
	return &PrometheusCollector{
		checkouts:  checkouts,
		dropped:    dropped,
		idle:       idle,
		handshakes: handshakes,
	}, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	var zero T
	return zero, err
}

func (p *PrometheusCollector) IncCheckout(result string) {
	if p == nil {
		return
	}
	p.checkouts.WithLabelValues(result).Inc()
}

func (p *PrometheusCollector) IncDropped(reason string) {
	if p == nil {
		return
	}
	p.dropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) SetIdle(pool string, n int) {
	if p == nil {
		return
	}
	p.idle.WithLabelValues(pool).Set(float64(n))
}

func (p *PrometheusCollector) IncHandshake(outcome, proto string) {
	if p == nil {
		return
	}
	if proto == "" {
		proto = "none"
	}
	p.handshakes.WithLabelValues(outcome, proto).Inc()
}
