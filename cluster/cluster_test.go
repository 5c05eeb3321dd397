package cluster

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emcache-go/emcache/address"
	"github.com/emcache-go/emcache/connection"
	"github.com/emcache-go/emcache/node"
)

// fakeServer is a minimal line-oriented stand-in for memcached good enough
// to drive Cluster's fan-out and autodiscovery paths without a real binary.
type fakeServer struct {
	addr      address.Address
	ln        net.Listener
	configRsp string // raw CONFIG reply body, if any
}

func startFakeServer(t *testing.T, configRsp string) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	fs := &fakeServer{ln: ln, configRsp: configRsp}
	addr, err := address.Parse(ln.Addr().String())
	require.NoError(t, err)
	fs.addr = addr

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go fs.serve(conn)
		}
	}()
	return fs
}

func (fs *fakeServer) serve(c net.Conn) {
	defer c.Close()
	r := bufio.NewReader(c)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "config get cluster":
			body := fs.configRsp
			fmt.Fprintf(c, "CONFIG cluster 0 %d\r\n%s\r\nEND\r\n", len(body), body)
		case strings.HasPrefix(line, "get ") || strings.HasPrefix(line, "gets "):
			fields := strings.Fields(line)
			for _, k := range fields[1:] {
				fmt.Fprintf(c, "VALUE %s 0 %d\r\n%s\r\n", k, len(k), k)
			}
			c.Write([]byte("END\r\n")) //nolint:errcheck
		default:
			c.Write([]byte("ERROR\r\n")) //nolint:errcheck
		}
	}
}

func dialTo(addr address.Address) func(ctx context.Context, a address.Address) (*connection.Connection, error) {
	return func(ctx context.Context, a address.Address) (*connection.Connection, error) {
		return connection.Dial(ctx, a, connection.Options{ConnectTimeout: time.Second})
	}
}

func TestNewSeedsNodesOntoRing(t *testing.T) {
	fs := startFakeServer(t, "")
	c, err := New(context.Background(), Options{
		Seeds: []address.Address{fs.addr},
		Dial:  dialTo(fs.addr),
	})
	require.NoError(t, err)
	defer c.Close()

	n, err := c.PickNode([]byte("any-key"))
	require.NoError(t, err)
	assert.Equal(t, fs.addr, n.Address())
}

func TestPickNodesGroupsByDestination(t *testing.T) {
	fsA := startFakeServer(t, "")
	fsB := startFakeServer(t, "")
	c, err := New(context.Background(), Options{
		Seeds: []address.Address{fsA.addr, fsB.addr},
		Dial: func(ctx context.Context, a address.Address) (*connection.Connection, error) {
			return connection.Dial(ctx, a, connection.Options{ConnectTimeout: time.Second})
		},
	})
	require.NoError(t, err)
	defer c.Close()

	keys := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}
	groups, err := c.PickNodes(keys)
	require.NoError(t, err)

	total := 0
	for _, ks := range groups {
		total += len(ks)
	}
	assert.Equal(t, len(keys), total)
}

func TestFanOutCancelsSiblingsOnFirstError(t *testing.T) {
	fsA := startFakeServer(t, "")
	fsB := startFakeServer(t, "")
	c, err := New(context.Background(), Options{
		Seeds: []address.Address{fsA.addr, fsB.addr},
		Dial: func(ctx context.Context, a address.Address) (*connection.Connection, error) {
			return connection.Dial(ctx, a, connection.Options{ConnectTimeout: time.Second})
		},
	})
	require.NoError(t, err)
	defer c.Close()

	keys := [][]byte{[]byte("a1"), []byte("a2"), []byte("a3"), []byte("a4")}
	groups, err := c.PickNodes(keys)
	require.NoError(t, err)
	require.NotEmpty(t, groups)

	var mu sync.Mutex
	boom := fmt.Errorf("boom")

	first := true
	err = c.FanOut(context.Background(), keys, func(ctx context.Context, n *node.Node, nodeKeys [][]byte) error {
		mu.Lock()
		isFirst := first
		first = false
		mu.Unlock()
		if isFirst {
			return boom
		}
		<-ctx.Done() // sibling must observe cancellation, never returns a partial result
		return ctx.Err()
	})
	require.Error(t, err)
}

func TestManagementViewsReflectNodes(t *testing.T) {
	fs := startFakeServer(t, "")
	c, err := New(context.Background(), Options{
		Seeds: []address.Address{fs.addr},
		Dial:  dialTo(fs.addr),
	})
	require.NoError(t, err)
	defer c.Close()

	mgmt := c.Management()
	assert.Len(t, mgmt.Nodes(), 1)
	assert.Len(t, mgmt.HealthyNodes(), 1)
	assert.Empty(t, mgmt.UnhealthyNodes())
	assert.Contains(t, mgmt.ConnectionPoolMetrics(), fs.addr.String())
}

func TestRefreshAddsDiscoveredNode(t *testing.T) {
	fsB := startFakeServer(t, "")
	configBody := fmt.Sprintf("1\n\n%s|%s|%d\n", fsB.addr.Host(), fsB.addr.Host(), fsB.addr.Port())

	fsA := startFakeServer(t, configBody)
	c, err := New(context.Background(), Options{
		Seeds: []address.Address{fsA.addr},
		Dial: func(ctx context.Context, a address.Address) (*connection.Connection, error) {
			return connection.Dial(ctx, a, connection.Options{ConnectTimeout: time.Second})
		},
	})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Refresh(context.Background()))

	_, ok := c.Node(fsB.addr)
	assert.True(t, ok)
	// fsA is absent from the discovery result, so the refresh removes it.
	assert.Len(t, c.Management().Nodes(), 1)
}

func TestCloseIsIdempotent(t *testing.T) {
	fs := startFakeServer(t, "")
	c, err := New(context.Background(), Options{
		Seeds: []address.Address{fs.addr},
		Dial:  dialTo(fs.addr),
	})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, c.Closed())
}
