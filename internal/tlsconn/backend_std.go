//go:build !connect_utls
// +build !connect_utls

package tlsconn

import (
	"context"
	"crypto/tls"
	"net"
)

const BackendName = "crypto/tls"

type backendConfig = tls.Config

func compile(c *Config) *tls.Config {
	return &tls.Config{
		RootCAs:            c.roots,
		NextProtos:         c.alpn,
		MinVersion:         c.minVersion,
		InsecureSkipVerify: c.insecure,
	}
}

func handshake(ctx context.Context, raw net.Conn, name ServerName, base *tls.Config) (net.Conn, string, error) {
	cfg := base.Clone()
	cfg.ServerName = name.String()
	tc := tls.Client(raw, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, "", err
	}
	return tc, tc.ConnectionState().NegotiatedProtocol, nil
}
