package netutil

import (
	"net"
	"syscall"
)

// RawConn digs through NetConn() wrappers (tls connections, bridges, pooled
// connections) down to the socket. nil if there is none.
func RawConn(c net.Conn) syscall.RawConn {
	for c != nil {
		if sc, ok := c.(syscall.Conn); ok {
			if rc, err := sc.SyscallConn(); err == nil {
				return rc
			}
			return nil
		}
		u, ok := c.(interface{ NetConn() net.Conn })
		if !ok {
			return nil
		}
		next := u.NetConn()
		if next == c {
			return nil
		}
		c = next
	}
	return nil
}

// Alive reports whether an idle connection is still usable, i.e. the peer
// has not closed or reset it. It never blocks. Pending unread data does not
// make a connection dead (a TLS 1.3 server sends session tickets after the
// handshake). Connections that can't be inspected are assumed alive.
func Alive(c net.Conn) bool {
	rc := RawConn(c)
	if rc == nil {
		return true
	}
	return alive(rc)
}
