package target

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/frankli0324/go-connect/internal/tlsconn"
)

// default ports by url scheme
var schemes = map[string]string{
	"http": "80", "https": "443", "socks": "1080",
}

// DefaultPort returns the port implied by scheme, "" if unknown.
func DefaultPort(scheme string) string {
	return schemes[strings.ToLower(scheme)]
}

// Target is the default connection key: where to connect and which
// identity the TLS layer verifies. Targets are comparable and safe to use as
// map keys.
type Target struct {
	Host string
	Port string
	Name tlsconn.ServerName
}

func New(host, port string) (Target, error) {
	host = strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(host, "["), "]"))
	if host == "" {
		return Target{}, errors.New("target: empty host")
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return Target{}, fmt.Errorf("target: invalid port %q", port)
	}
	name, err := tlsconn.NewServerName(host)
	if err != nil {
		return Target{}, err
	}
	// "0443" and "443" must make the same key
	return Target{Host: host, Port: strconv.Itoa(p), Name: name}, nil
}

// Parse reads "host:port".
func Parse(hostport string) (Target, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return Target{}, fmt.Errorf("target: %w", err)
	}
	return New(host, port)
}

// FromURL takes the host of u, and the port implied by its scheme when u
// carries none.
func FromURL(u *url.URL) (Target, error) {
	port := u.Port()
	if port == "" {
		if port = DefaultPort(u.Scheme); port == "" {
			return Target{}, fmt.Errorf("target: no default port for scheme %q", u.Scheme)
		}
	}
	return New(u.Hostname(), port)
}

// WithServerName keeps the address but verifies against another name, as
// done when connecting to an IP while expecting a host name certificate.
func (t Target) WithServerName(name tlsconn.ServerName) Target {
	t.Name = name
	return t
}

func (t Target) Address() string { return net.JoinHostPort(t.Host, t.Port) }

func (t Target) ServerName() tlsconn.ServerName { return t.Name }

func (t Target) String() string {
	if t.Name.String() != t.Host {
		return t.Address() + " (" + t.Name.String() + ")"
	}
	return t.Address()
}
