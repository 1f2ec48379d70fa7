package connector

import (
	"errors"
	"strings"

	"github.com/frankli0324/go-connect/internal/bridge"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	// KindTransport is a failure of the inner connector or the raw socket.
	KindTransport
	// KindHandshake is a TLS negotiation or certificate failure.
	KindHandshake
	// KindIO is an I/O failure while a layer was doing its own work on an
	// already established stream, e.g. during the TLS handshake.
	KindIO
	// KindBridge is a completion engine failure surfaced through the bridge.
	KindBridge
	// KindPool marks an idle connection found dead at checkout. The pool
	// recovers from it and it is only ever reported alongside the final error.
	KindPool
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindHandshake:
		return "handshake"
	case KindIO:
		return "io"
	case KindBridge:
		return "bridge"
	case KindPool:
		return "pool"
	default:
		return "unknown"
	}
}

// sentinels, match any *Error of the same kind with errors.Is
var (
	ErrTransport = &Error{Kind: KindTransport}
	ErrHandshake = &Error{Kind: KindHandshake}
	ErrIO        = &Error{Kind: KindIO}
	ErrBridge    = &Error{Kind: KindBridge}
	ErrPool      = &Error{Kind: KindPool}
)

// Error is the error returned by every layer. Layers wrap the error of the
// layer below instead of replacing it, so the chain reads outermost first:
//
//	tls: transport: tcp: transport: dial tcp 127.0.0.1:1: connect: connection refused
type Error struct {
	Kind  Kind
	Layer string // "tcp", "proxy", "tls", "pool"...
	Err   error
}

func Wrap(kind Kind, layer string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Layer: layer, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Layer != "" {
		b.WriteString(e.Layer)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Layer == "" && t.Err == nil {
		return t.Kind == e.Kind
	}
	return t == e
}

// Timeout reports whether the underlying cause is a timeout, so *Error can
// stand in for a net.Error.
func (e *Error) Timeout() bool {
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}

// Origin returns the innermost *Error of the chain, which names the layer
// that actually failed. nil if err carries none.
func Origin(err error) *Error {
	var last *Error
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			break
		}
		last = e
		err = e.Err
	}
	return last
}

// KindOf returns the kind of the outermost *Error. A bare bridge failure
// counts as KindBridge.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var be *bridge.OpError
	if errors.As(err, &be) {
		return KindBridge
	}
	return KindUnknown
}
