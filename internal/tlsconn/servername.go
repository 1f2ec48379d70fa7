package tlsconn

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"golang.org/x/net/idna"
)

var errEmptyServerName = errors.New("tlsconn: empty server name")

// ServerName is the identity a certificate is verified against: an ASCII
// (punycode) host name in lower case, or the canonical form of an IP
// literal. The zero value is invalid.
type ServerName struct {
	name string
	ip   bool
}

// NewServerName normalizes host. Brackets around IPv6 literals and a single
// trailing dot are stripped.
func NewServerName(host string) (ServerName, error) {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if addr, err := netip.ParseAddr(host); err == nil {
		return ServerName{name: addr.String(), ip: true}, nil
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return ServerName{}, errEmptyServerName
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return ServerName{}, fmt.Errorf("tlsconn: invalid server name %q: %w", host, err)
	}
	return ServerName{name: strings.ToLower(ascii)}, nil
}

// MustServerName is NewServerName for names known to be valid.
func MustServerName(host string) ServerName {
	n, err := NewServerName(host)
	if err != nil {
		panic(err)
	}
	return n
}

func (n ServerName) String() string { return n.name }

// IsIP reports whether the name is an IP literal; no SNI is sent for those.
func (n ServerName) IsIP() bool { return n.ip }

func (n ServerName) IsZero() bool { return n.name == "" }
