package netpool

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dchest/uniuri"
	"golang.org/x/sync/semaphore"

	"github.com/frankli0324/go-connect/internal/connector"
)

const layer = "pool"

var (
	ErrClosed = errors.New("netpool: pool closed")
	errStale  = errors.New("netpool: idle connection is dead")
)

type entry[C net.Conn] struct {
	conn  C
	since time.Time
	id    string
}

type bucket[C net.Conn] struct {
	idle  []*entry[C] // oldest first, checkouts pop from the end
	inUse int
	refs  int // checkouts in progress
	sem   *semaphore.Weighted
}

func (b *bucket[C]) empty() bool {
	return len(b.idle) == 0 && b.inUse == 0 && b.refs == 0
}

// Connector keeps connections made by its inner connector for reuse,
// per key. Connections it hands out go back into the pool with
// [Conn.Release] (or Close).
type Connector[K comparable, C net.Conn] struct {
	inner connector.Connector[K, C]
	options

	mu      sync.Mutex
	buckets map[K]*bucket[C]
	idle    int
	closed  bool

	hits, misses, stale, dropped atomic.Uint64

	stop    chan struct{}
	sweeper sync.WaitGroup
}

func New[K comparable, C net.Conn](inner connector.Connector[K, C], opts ...Option) *Connector[K, C] {
	p := &Connector[K, C]{
		inner:   inner,
		options: defaultOptions(),
		buckets: map[K]*bucket[C]{},
		stop:    make(chan struct{}),
	}
	for _, o := range opts {
		o(&p.options)
	}
	if p.sweepInterval > 0 {
		p.sweeper.Add(1)
		go p.sweep()
	}
	return p
}

func (p *Connector[K, C]) bucketLocked(key K) *bucket[C] {
	b, ok := p.buckets[key]
	if !ok {
		b = &bucket[C]{}
		if p.maxActivePerKey > 0 {
			b.sem = semaphore.NewWeighted(int64(p.maxActivePerKey))
		}
		p.buckets[key] = b
	}
	return b
}

// Connect hands out an idle connection for key if there is a live one,
// otherwise a new one from the inner connector.
func (p *Connector[K, C]) Connect(ctx context.Context, key K) (*Conn[K, C], error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, connector.Wrap(connector.KindPool, layer, ErrClosed)
	}
	b := p.bucketLocked(key)
	b.refs++
	p.mu.Unlock()

	if b.sem != nil {
		if err := b.sem.Acquire(ctx, 1); err != nil {
			p.mu.Lock()
			b.refs--
			p.mu.Unlock()
			return nil, connector.Wrap(connector.KindPool, layer, err)
		}
	}

	c, err := p.checkout(ctx, key, b)

	p.mu.Lock()
	b.refs--
	if err == nil {
		b.inUse++
	}
	p.mu.Unlock()
	if err != nil {
		if b.sem != nil {
			b.sem.Release(1)
		}
		return nil, err
	}
	return c, nil
}

func (p *Connector[K, C]) checkout(ctx context.Context, key K, b *bucket[C]) (*Conn[K, C], error) {
	e, expired := p.popIdle(b)
	p.drop(expired, "expired")

	var staleErr error
	if e != nil {
		if p.probe(e.conn) {
			p.hits.Add(1)
			p.collector.IncCheckout("hit")
			p.log.Debug().Str("id", e.id).Msg("netpool: reusing idle connection")
			return &Conn[K, C]{p: p, key: key, conn: e.conn, id: e.id, reused: true}, nil
		}
		p.stale.Add(1)
		p.collector.IncCheckout("stale")
		p.log.Debug().Str("id", e.id).Msg("netpool: idle connection is dead, dialing a new one")
		p.drop([]*entry[C]{e}, "stale")
		staleErr = connector.Wrap(connector.KindPool, layer, errStale)
	} else {
		p.misses.Add(1)
		p.collector.IncCheckout("miss")
	}

	conn, err := p.inner.Connect(ctx, key)
	if err != nil {
		err = connector.Wrap(connector.KindTransport, layer, err)
		if staleErr != nil {
			return nil, errors.Join(err, staleErr)
		}
		return nil, err
	}
	id := uniuri.NewLen(8)
	p.log.Debug().Str("id", id).Msg("netpool: new connection")
	return &Conn[K, C]{p: p, key: key, conn: conn, id: id}, nil
}

// popIdle evicts expired entries and takes the most recently idled one.
func (p *Connector[K, C]) popIdle(b *bucket[C]) (e *entry[C], expired []*entry[C]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	expired = p.evictLocked(b, time.Now())
	if n := len(b.idle); n > 0 {
		e = b.idle[n-1]
		b.idle[n-1] = nil
		b.idle = b.idle[:n-1]
		p.idle--
		p.collector.SetIdle(p.name, p.idle)
	}
	return e, expired
}

func (p *Connector[K, C]) evictLocked(b *bucket[C], now time.Time) []*entry[C] {
	if p.idleTimeout <= 0 {
		return nil
	}
	i := 0
	for i < len(b.idle) && now.Sub(b.idle[i].since) >= p.idleTimeout {
		i++
	}
	if i == 0 {
		return nil
	}
	expired := append([]*entry[C](nil), b.idle[:i]...)
	b.idle = append(b.idle[:0], b.idle[i:]...)
	p.idle -= i
	p.collector.SetIdle(p.name, p.idle)
	return expired
}

// drop closes entries that left the pool. Never called with mu held.
func (p *Connector[K, C]) drop(entries []*entry[C], reason string) {
	for _, e := range entries {
		p.dropped.Add(1)
		p.collector.IncDropped(reason)
		p.log.Debug().Str("id", e.id).Str("reason", reason).Msg("netpool: dropping connection")
		e.conn.Close()
	}
}

// put is the return path of a checked out connection. A non empty reason
// means the caller already knows it must not be reused.
func (p *Connector[K, C]) put(c *Conn[K, C], reason string) {
	// deadlines belong to the previous user
	if reason == "" && c.conn.SetDeadline(time.Time{}) != nil {
		reason = "broken"
	}
	p.mu.Lock()
	b := p.buckets[c.key]
	b.inUse--
	if reason == "" {
		switch {
		case p.closed:
			reason = "closed"
		case len(b.idle) >= p.maxIdlePerKey:
			reason = "full"
		case p.maxIdle > 0 && p.idle >= p.maxIdle:
			reason = "full"
		}
	}
	if reason == "" {
		b.idle = append(b.idle, &entry[C]{conn: c.conn, since: time.Now(), id: c.id})
		p.idle++
		p.collector.SetIdle(p.name, p.idle)
	}
	p.mu.Unlock()

	if b.sem != nil {
		b.sem.Release(1)
	}
	if reason != "" {
		p.drop([]*entry[C]{{conn: c.conn, id: c.id}}, reason)
	} else {
		p.log.Debug().Str("id", c.id).Msg("netpool: connection idle")
	}
}

func (p *Connector[K, C]) sweep() {
	defer p.sweeper.Done()
	t := time.NewTicker(p.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-t.C:
			p.Sweep()
		}
	}
}

// Sweep evicts every expired idle connection and forgets keys with nothing
// left in them.
func (p *Connector[K, C]) Sweep() {
	var expired []*entry[C]
	p.mu.Lock()
	now := time.Now()
	for key, b := range p.buckets {
		expired = append(expired, p.evictLocked(b, now)...)
		if b.empty() {
			delete(p.buckets, key)
		}
	}
	p.mu.Unlock()
	p.drop(expired, "expired")
}

// Close closes every idle connection. Connections checked out are closed
// when released.
func (p *Connector[K, C]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var idle []*entry[C]
	for _, b := range p.buckets {
		idle = append(idle, b.idle...)
		b.idle = nil
	}
	p.idle = 0
	p.collector.SetIdle(p.name, 0)
	p.mu.Unlock()

	close(p.stop)
	p.sweeper.Wait()
	p.drop(idle, "closed")
	return nil
}

type Stats struct {
	Idle    int // idle connections
	InUse   int // connections checked out
	Keys    int
	Hits    uint64 // checkouts served from the idle set
	Misses  uint64 // checkouts that found nothing idle
	Stale   uint64 // idle connections found dead at checkout
	Dropped uint64 // connections closed by the pool
}

func (p *Connector[K, C]) Stats() Stats {
	p.mu.Lock()
	s := Stats{Idle: p.idle, Keys: len(p.buckets)}
	for _, b := range p.buckets {
		s.InUse += b.inUse
	}
	p.mu.Unlock()
	s.Hits = p.hits.Load()
	s.Misses = p.misses.Load()
	s.Stale = p.stale.Load()
	s.Dropped = p.dropped.Load()
	return s
}

func (p *Connector[K, C]) IdleCount(key K) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.buckets[key]; ok {
		return len(b.idle)
	}
	return 0
}
