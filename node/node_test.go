package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emcache-go/emcache/address"
	"github.com/emcache-go/emcache/connection"
	"github.com/emcache-go/emcache/pool"
)

func TestNodeWithConnectionPropagatesResult(t *testing.T) {
	addr := address.NewTCP("127.0.0.1", 11211)
	calls := 0
	p, err := pool.New(addr, pool.Config{
		Max: 1,
		Dial: func(ctx context.Context) (*connection.Connection, error) {
			calls++
			return nil, assert.AnError
		},
	})
	require.NoError(t, err)
	defer p.Close()

	n := New(addr, p)
	assert.Equal(t, addr, n.Address())

	err = n.WithConnection(context.Background(), func(*connection.Connection) error {
		t.Fatal("fn should not run when Acquire fails")
		return nil
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestNodeHealthDelegatesToPool(t *testing.T) {
	addr := address.NewTCP("127.0.0.1", 11211)
	p, err := pool.New(addr, pool.Config{
		Max: 1,
		Dial: func(ctx context.Context) (*connection.Connection, error) {
			return nil, assert.AnError
		},
	})
	require.NoError(t, err)
	defer p.Close()

	n := New(addr, p)
	assert.True(t, n.Healthy())
	assert.WithinDuration(t, time.Now(), n.LastHealthChange(), time.Second)
}
