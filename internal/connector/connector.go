package connector

import (
	"context"
)

// Connector resolves a key into a connection. Connectors compose by
// ownership: an outer connector holds its inner connector and calls it with
// the same key (or a view of it) before doing its own layer's work.
//
// Implementations must not return a half initialized connection: on error
// everything opened during the attempt is closed.
type Connector[K any, C any] interface {
	Connect(ctx context.Context, key K) (C, error)
}

// Func adapts an ordinary function to a [Connector].
type Func[K any, C any] func(ctx context.Context, key K) (C, error)

func (f Func[K, C]) Connect(ctx context.Context, key K) (C, error) {
	return f(ctx, key)
}

// Map converts the connections produced by inner. A failed conversion closes
// nothing; fn owns c once it is called.
func Map[K, C, D any](inner Connector[K, C], fn func(C) (D, error)) Func[K, D] {
	return func(ctx context.Context, key K) (d D, err error) {
		c, err := inner.Connect(ctx, key)
		if err != nil {
			return d, err
		}
		return fn(c)
	}
}
