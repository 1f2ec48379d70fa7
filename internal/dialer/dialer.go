package dialer

import (
	"context"
	"net"
	"time"

	"github.com/frankli0324/go-connect/internal/connector"
)

const layer = "tcp"

// Key is what the TCP layer needs from a connection key.
type Key interface {
	Address() string // host:port
}

// Dialer opens plain TCP connections. It is the bottom layer of every
// connector stack. The zero value is usable.
type Dialer struct {
	ResolveConfig *ResolveConfig

	Timeout   time.Duration // 0 means no timeout other than the context's
	KeepAlive time.Duration // 0 means the net package default, < 0 disables
}

func (d *Dialer) Clone() *Dialer {
	return &Dialer{
		ResolveConfig: d.ResolveConfig.Clone(),
		Timeout:       d.Timeout,
		KeepAlive:     d.KeepAlive,
	}
}

// For turns d into a connector for any key type knowing its address.
func For[K Key](d *Dialer) connector.Func[K, net.Conn] {
	return func(ctx context.Context, key K) (net.Conn, error) {
		return d.DialContext(ctx, key.Address())
	}
}
