package autobatch

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emcache-go/emcache/address"
	"github.com/emcache-go/emcache/cluster"
	"github.com/emcache-go/emcache/connection"
)

// startCountingServer replies VALUE for every requested key except "miss"
// (with a cas token when the command is gets), and counts how many get/gets commands it has seen, so tests can assert
// on wire-request coalescing.
func startCountingServer(t *testing.T) (address.Address, *atomic.Int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var wireRequests atomic.Int32

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					line = strings.TrimRight(line, "\r\n")
					if !strings.HasPrefix(line, "get") {
						c.Write([]byte("ERROR\r\n")) //nolint:errcheck
						continue
					}
					wireRequests.Add(1)
					fields := strings.Fields(line)
					for _, k := range fields[1:] {
						if k == "miss" {
							continue
						}
						if fields[0] == "gets" {
							fmt.Fprintf(c, "VALUE %s 7 %d 1\r\n%s\r\n", k, len(k), k)
							continue
						}
						fmt.Fprintf(c, "VALUE %s 7 %d\r\n%s\r\n", k, len(k), k)
					}
					c.Write([]byte("END\r\n")) //nolint:errcheck
				}
			}(conn)
		}
	}()

	addr, err := address.Parse(ln.Addr().String())
	require.NoError(t, err)
	return addr, &wireRequests
}

func newTestCluster(t *testing.T, addr address.Address) *cluster.Cluster {
	t.Helper()
	c, err := cluster.New(context.Background(), cluster.Options{
		Seeds: []address.Address{addr},
		Dial: func(ctx context.Context, a address.Address) (*connection.Connection, error) {
			return connection.Dial(ctx, a, connection.Options{ConnectTimeout: time.Second})
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEnqueueSealsAtMaxKeys(t *testing.T) {
	addr, _ := startCountingServer(t)
	cl := newTestCluster(t, addr)
	ab := New(cl, true, false, 2)

	n, err := cl.PickNode([]byte("a"))
	require.NoError(t, err)

	flushNow1 := ab.enqueue(n, &waiter{key: []byte("a"), ch: make(chan Result, 1)})
	assert.False(t, flushNow1)
	flushNow2 := ab.enqueue(n, &waiter{key: []byte("b"), ch: make(chan Result, 1)})
	assert.True(t, flushNow2)
}

func TestFlushOnceResolvesHitsAndMisses(t *testing.T) {
	addr, wireRequests := startCountingServer(t)
	cl := newTestCluster(t, addr)
	ab := New(cl, true, false, 32)

	n, err := cl.PickNode([]byte("hit"))
	require.NoError(t, err)

	hitWaiter := &waiter{key: []byte("hit"), ch: make(chan Result, 1)}
	missWaiter := &waiter{key: []byte("miss"), ch: make(chan Result, 1)}
	ab.enqueue(n, hitWaiter)
	ab.enqueue(n, missWaiter)

	ab.flushOnce(n)

	hitRes := <-hitWaiter.ch
	assert.True(t, hitRes.Found)
	assert.Equal(t, "hit", string(hitRes.Item.Value))
	assert.EqualValues(t, 7, hitRes.Item.Flags)

	missRes := <-missWaiter.ch
	assert.False(t, missRes.Found)

	assert.EqualValues(t, 1, wireRequests.Load())
}

func TestFlushOnceHidesFlagsWhenNotRequested(t *testing.T) {
	addr, _ := startCountingServer(t)
	cl := newTestCluster(t, addr)
	ab := New(cl, false, false, 32)

	n, err := cl.PickNode([]byte("hit"))
	require.NoError(t, err)

	w := &waiter{key: []byte("hit"), ch: make(chan Result, 1)}
	ab.enqueue(n, w)
	ab.flushOnce(n)

	res := <-w.ch
	assert.True(t, res.Found)
	assert.EqualValues(t, 0, res.Item.Flags)
}

func TestFlushOnceEmptyBatchIsNoop(t *testing.T) {
	addr, wireRequests := startCountingServer(t)
	cl := newTestCluster(t, addr)
	ab := New(cl, true, false, 32)

	n, err := cl.PickNode([]byte("anything"))
	require.NoError(t, err)

	ab.flushOnce(n) // nothing enqueued
	assert.EqualValues(t, 0, wireRequests.Load())
}

func TestGetEndToEndReturnsResult(t *testing.T) {
	addr, _ := startCountingServer(t)
	cl := newTestCluster(t, addr)
	ab := New(cl, true, true, 32)

	res, err := ab.Get(context.Background(), []byte("hit"))
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, "hit", string(res.Item.Value))
}

func TestGetPropagatesConnectionFailureToAllWaiters(t *testing.T) {
	badAddr := address.NewTCP("127.0.0.1", 1)
	cl, err := cluster.New(context.Background(), cluster.Options{
		Seeds: []address.Address{badAddr},
		Dial: func(ctx context.Context, a address.Address) (*connection.Connection, error) {
			return connection.Dial(ctx, a, connection.Options{ConnectTimeout: 50 * time.Millisecond})
		},
	})
	require.NoError(t, err)
	defer cl.Close()

	ab := New(cl, true, false, 32)
	_, err = ab.Get(context.Background(), []byte("x"))
	assert.Error(t, err)
}
