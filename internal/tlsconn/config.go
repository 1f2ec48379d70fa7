package tlsconn

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/x509roots/fallback/bundle"
	"golang.org/x/net/http2"
)

// version numbers are the same for every backend
const (
	VersionTLS12 uint16 = 0x0303
	VersionTLS13 uint16 = 0x0304
)

// DefaultALPN offers h2 first and lets the server fall back to http/1.1.
var DefaultALPN = []string{http2.NextProtoTLS, "http/1.1"}

// Config is the immutable client configuration shared by every handshake of
// a connector. Build it with NewConfig.
type Config struct {
	roots      *x509.CertPool // nil only with system roots and nothing added
	custom     *x509.CertPool // set by WithRoots
	system     bool
	extra      [][]byte // PEM added on top of the base roots
	alpn       []string
	minVersion uint16
	insecure   bool

	backend *backendConfig
}

type ConfigOption func(*Config) error

// bundledRoots is the public root set shipped with the binary, the NSS
// trust store as packaged by x/crypto. It is shared and never modified.
var bundledRoots = sync.OnceValue(func() *x509.CertPool {
	pool := x509.NewCertPool()
	for r := range bundle.Roots() {
		cert, err := x509.ParseCertificate(r.Certificate)
		if err != nil {
			continue
		}
		if r.Constraint == nil {
			pool.AddCert(cert)
		} else {
			pool.AddCertWithConstraint(cert, r.Constraint)
		}
	}
	return pool
})

func NewConfig(opts ...ConfigOption) (*Config, error) {
	c := &Config{
		alpn:       append([]string(nil), DefaultALPN...),
		minVersion: VersionTLS12,
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	if err := c.buildRoots(); err != nil {
		return nil, err
	}
	c.backend = compile(c)
	return c, nil
}

func (c *Config) buildRoots() error {
	switch {
	case c.custom != nil:
		c.roots = c.custom
	case c.system && len(c.extra) == 0:
		c.roots = nil // let the platform verifier decide
		return nil
	case c.system:
		sys, err := x509.SystemCertPool()
		if err != nil {
			return fmt.Errorf("tlsconn: system roots: %w", err)
		}
		c.roots = sys
	default:
		c.roots = bundledRoots()
	}
	if len(c.extra) == 0 {
		return nil
	}
	c.roots = c.roots.Clone()
	for _, pem := range c.extra {
		c.roots.AppendCertsFromPEM(pem)
	}
	return nil
}

// WithRoots replaces the trust roots. The pool is not modified, and must not
// be modified by the caller afterwards. nil restores the bundled roots.
func WithRoots(pool *x509.CertPool) ConfigOption {
	return func(c *Config) error {
		c.custom = pool
		return nil
	}
}

// WithSystemRoots trusts the roots of the operating system instead of the
// bundled set.
func WithSystemRoots() ConfigOption {
	return func(c *Config) error {
		c.system = true
		return nil
	}
}

// WithRootPEM adds PEM encoded certificates to the trust roots, whichever
// set they are based on.
func WithRootPEM(pem []byte) ConfigOption {
	return func(c *Config) error {
		if !x509.NewCertPool().AppendCertsFromPEM(pem) {
			return errors.New("tlsconn: no certificates found in PEM data")
		}
		c.extra = append(c.extra, pem)
		return nil
	}
}

func WithRootFiles(paths ...string) ConfigOption {
	return func(c *Config) error {
		for _, p := range paths {
			pem, err := os.ReadFile(p)
			if err != nil {
				return fmt.Errorf("tlsconn: read root file: %w", err)
			}
			if err := WithRootPEM(pem)(c); err != nil {
				return fmt.Errorf("%w (%s)", err, p)
			}
		}
		return nil
	}
}

// WithALPN sets the offered protocols in order of preference. An empty list
// disables ALPN.
func WithALPN(protos ...string) ConfigOption {
	return func(c *Config) error {
		c.alpn = append([]string(nil), protos...)
		return nil
	}
}

func WithMinVersion(v uint16) ConfigOption {
	return func(c *Config) error {
		if v != VersionTLS12 && v != VersionTLS13 {
			return fmt.Errorf("tlsconn: unsupported minimum version %#04x", v)
		}
		c.minVersion = v
		return nil
	}
}

// WithInsecureSkipVerify turns off certificate verification. Tests only.
func WithInsecureSkipVerify() ConfigOption {
	return func(c *Config) error {
		c.insecure = true
		return nil
	}
}

func (c *Config) ALPN() []string { return append([]string(nil), c.alpn...) }

func (c *Config) MinVersion() uint16 { return c.minVersion }

func (c *Config) InsecureSkipVerify() bool { return c.insecure }

// Roots returns a copy of the trust roots, nil when the platform verifier
// is used.
func (c *Config) Roots() *x509.CertPool {
	if c.roots == nil {
		return nil
	}
	return c.roots.Clone()
}
