package address

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTCP(t *testing.T) {
	addr, err := Parse("127.0.0.1:11211")
	assert.NoError(t, err)
	assert.Equal(t, TCP, addr.Kind())
	assert.Equal(t, "127.0.0.1", addr.Host())
	assert.Equal(t, uint16(11211), addr.Port())
	assert.Equal(t, "tcp", addr.Network())
	assert.Equal(t, "127.0.0.1:11211", addr.String())
}

func TestParseUnixSocket(t *testing.T) {
	addr, err := Parse("/var/run/memcached.sock")
	assert.NoError(t, err)
	assert.Equal(t, UnixSocket, addr.Kind())
	assert.Equal(t, "unix", addr.Network())
	assert.Equal(t, "/var/run/memcached.sock", addr.String())
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse("no-port-here")
	assert.Error(t, err)
}

func TestAddressEquality(t *testing.T) {
	a, _ := Parse("host:1")
	b, _ := Parse("host:1")
	assert.Equal(t, a, b)

	set := map[Address]int{a: 1}
	set[b] = 2
	assert.Len(t, set, 1)
}
