// Package address identifies a single cluster node: either a TCP host/port
// pair or a filesystem socket path. It is the stable identity used by the
// hash ring, the node map, and the connection pool.
package address

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind distinguishes the two address shapes a node can have.
type Kind uint8

const (
	TCP Kind = iota
	UnixSocket
)

// Address is a tagged value: either (host, port) or a unix socket path.
// Equality is structural and it is safe to use as a map key.
type Address struct {
	kind Kind
	host string
	port uint16
	path string
}

// NewTCP builds a TCP address.
func NewTCP(host string, port uint16) Address {
	return Address{kind: TCP, host: host, port: port}
}

// NewUnixSocket builds a unix domain socket address.
func NewUnixSocket(path string) Address {
	return Address{kind: UnixSocket, path: path}
}

// Parse accepts either "host:port" or an absolute/relative filesystem path
// (recognised by containing a "/") and returns the matching Address.
func Parse(s string) (Address, error) {
	if strings.Contains(s, "/") {
		return NewUnixSocket(s), nil
	}

	host, portStr, err := splitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("address: invalid server %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("address: invalid port in %q: %w", s, err)
	}
	return NewTCP(host, uint16(port)), nil
}

func splitHostPort(s string) (host, port string, err error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("missing port")
	}
	return s[:idx], s[idx+1:], nil
}

// Kind reports whether this is a TCP or unix-socket address.
func (a Address) Kind() Kind { return a.kind }

// Network returns the net.Dial network name ("tcp" or "unix").
func (a Address) Network() string {
	if a.kind == UnixSocket {
		return "unix"
	}
	return "tcp"
}

// String is the stable, canonical textual identity of the address; it is
// what gets hashed onto the ring ("<address-string>-<replica-index>").
func (a Address) String() string {
	if a.kind == UnixSocket {
		return a.path
	}
	return a.host + ":" + strconv.Itoa(int(a.port))
}

// Host returns the TCP host, or "" for a unix socket address.
func (a Address) Host() string { return a.host }

// Port returns the TCP port, or 0 for a unix socket address.
func (a Address) Port() uint16 { return a.port }

// Path returns the unix socket path, or "" for a TCP address.
func (a Address) Path() string { return a.path }
