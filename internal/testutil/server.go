// package testutil starts throwaway TCP and TLS servers on loopback.
package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Cert is a self-signed certificate kept in memory.
type Cert struct {
	TLS  tls.Certificate
	PEM  []byte
	Pool *x509.CertPool
}

// SelfSigned issues a certificate for hosts, each either a DNS name or an IP
// literal.
func SelfSigned(t testing.TB, hosts ...string) Cert {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{Organization: []string{"Localhost"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return Cert{
		TLS:  tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv, Leaf: leaf},
		PEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		Pool: pool,
	}
}

// Server accepts connections on 127.0.0.1 until the test ends.
type Server struct {
	Addr     string
	Cert     Cert // zero for plain TCP servers
	accepted atomic.Int64

	ln    net.Listener
	mu    sync.Mutex
	conns []net.Conn
}

// Accepted is the number of connections accepted so far (for TLS servers,
// those that completed the handshake).
func (s *Server) Accepted() int64 { return s.accepted.Load() }

// CloseClients closes every accepted connection, keeping the listener.
func (s *Server) CloseClients() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// NewTCPServer runs handle for every accepted connection and closes it
// afterwards.
func NewTCPServer(t testing.TB, handle func(net.Conn)) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &Server{Addr: ln.Addr().String(), ln: ln}
	go s.serve(handle, nil)
	t.Cleanup(func() {
		ln.Close()
		s.CloseClients()
	})
	return s
}

// NewTLSServer is an echo server for "localhost" and 127.0.0.1 offering
// the given ALPN protocols.
func NewTLSServer(t testing.TB, alpn ...string) *Server {
	t.Helper()
	cert := SelfSigned(t, "localhost", "127.0.0.1")
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert.TLS},
		NextProtos:   alpn,
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &Server{Addr: ln.Addr().String(), Cert: cert, ln: ln}
	go s.serve(Echo, cfg)
	t.Cleanup(func() {
		ln.Close()
		s.CloseClients()
	})
	return s
}

// Echo writes back whatever it reads.
func Echo(c net.Conn) { io.Copy(c, c) }

func (s *Server) serve(handle func(net.Conn), cfg *tls.Config) {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		go func() {
			defer c.Close()
			if cfg != nil {
				tc := tls.Server(c, cfg)
				if err := tc.Handshake(); err != nil {
					return
				}
				c = tc
			}
			s.accepted.Add(1)
			handle(c)
		}()
	}
}
