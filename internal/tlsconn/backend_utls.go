//go:build connect_utls
// +build connect_utls

package tlsconn

import (
	"context"
	"net"

	utls "github.com/refraction-networking/utls"
)

const BackendName = "utls"

type backendConfig = utls.Config

func compile(c *Config) *utls.Config {
	return &utls.Config{
		RootCAs:            c.roots,
		NextProtos:         c.alpn,
		MinVersion:         c.minVersion,
		InsecureSkipVerify: c.insecure,
	}
}

func handshake(ctx context.Context, raw net.Conn, name ServerName, base *utls.Config) (net.Conn, string, error) {
	cfg := base.Clone()
	cfg.ServerName = name.String()
	// HelloGolang builds the ClientHello from cfg, ALPN included
	uc := utls.UClient(raw, cfg, utls.HelloGolang)
	if err := uc.HandshakeContext(ctx); err != nil {
		return nil, "", err
	}
	return uc, uc.ConnectionState().NegotiatedProtocol, nil
}
