// Package node represents a single cluster member: an Address backed by
// one connection pool.
//
// This package holds the single node record itself; the provider/rebuild
// loop across all nodes lives in package cluster.
package node

import (
	"context"
	"time"

	"github.com/emcache-go/emcache/address"
	"github.com/emcache-go/emcache/connection"
	"github.com/emcache-go/emcache/pool"
)

// Node is one cluster member: its address plus its connection pool.
type Node struct {
	addr address.Address
	pool *pool.ConnectionPool
}

// New builds a Node around an already-constructed pool.
func New(addr address.Address, p *pool.ConnectionPool) *Node {
	return &Node{addr: addr, pool: p}
}

// Address returns the node's identity.
func (n *Node) Address() address.Address { return n.addr }

// String satisfies consistenthash.Node: the ring hashes nodes by this
// identity string.
func (n *Node) String() string { return n.addr.String() }

// Pool exposes the underlying connection pool.
func (n *Node) Pool() *pool.ConnectionPool { return n.pool }

// Healthy reports the node's current health signal.
func (n *Node) Healthy() bool { return n.pool.Healthy() }

// LastHealthChange returns when Healthy last flipped.
func (n *Node) LastHealthChange() time.Time { return n.pool.LastHealthChange() }

// Stats returns the node's connection pool statistics.
func (n *Node) Stats() pool.Stats { return n.pool.Stats() }

// WithConnection leases a connection from the node's pool, runs fn, and
// returns the connection whether fn succeeds or fails, the single pattern
// every command dispatch in package cluster goes through.
func (n *Node) WithConnection(ctx context.Context, fn func(*connection.Connection) error) error {
	res, err := n.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	err = fn(res.Value())
	n.pool.Release(res)
	return err
}

// Close tears down the node's connection pool.
func (n *Node) Close() {
	n.pool.Close()
}
