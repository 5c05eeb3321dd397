// Package autobatch coalesces concurrent single-key retrievals issued
// within one scheduler turn into one multi-key wire request per
// destination node.
//
// There are four instances per client — one per (return_flags, return_cas)
// combination — exposed as one generic Autobatcher parameterised by those
// two booleans rather than four duplicated types. Flushing uses
// singleflight to collapse the "schedule exactly one flush per batch"
// requirement into the one-in-flight
// idiom golang.org/x/sync/singleflight already provides, rather than a
// hand-rolled scheduled/in-flight flag.
package autobatch

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/emcache-go/emcache/cluster"
	"github.com/emcache-go/emcache/connection"
	"github.com/emcache-go/emcache/metrics"
	"github.com/emcache-go/emcache/node"
	"github.com/emcache-go/emcache/protocol"
)

// Result is what a single coalesced key resolves to: an Item on a hit, a
// miss (Item is the zero value, Found false), or an error shared by every
// key in a batch that failed outright.
type Result struct {
	Item  protocol.Item
	Found bool
	Err   error
}

// DefaultMaxKeys is the default cap on the number of keys folded into a
// single batched wire request.
const DefaultMaxKeys = 32

// Autobatcher coalesces Get calls for one (ReturnFlags, ReturnCas)
// combination. The zero value is not usable; use New.
type Autobatcher struct {
	cl          *cluster.Cluster
	returnFlags bool
	returnCas   bool
	maxKeys     int

	mu      sync.Mutex
	batches map[*node.Node]*pendingBatch

	flushGroup singleflight.Group
}

type waiter struct {
	key []byte
	ch  chan Result
}

type pendingBatch struct {
	keys    [][]byte
	waiters map[string][]*waiter
	sealed  bool
}

// New builds an Autobatcher for one (returnFlags, returnCas) combination.
// maxKeys <= 0 uses DefaultMaxKeys.
func New(cl *cluster.Cluster, returnFlags, returnCas bool, maxKeys int) *Autobatcher {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &Autobatcher{
		cl:          cl,
		returnFlags: returnFlags,
		returnCas:   returnCas,
		maxKeys:     maxKeys,
		batches:     make(map[*node.Node]*pendingBatch),
	}
}

// Get enqueues key, coalescing it with any other concurrent Get destined
// for the same node within this scheduler turn, and blocks until the batch
// it lands in is flushed.
func (a *Autobatcher) Get(ctx context.Context, key []byte) (Result, error) {
	n, err := a.cl.PickNode(key)
	if err != nil {
		return Result{}, err
	}

	w := &waiter{key: key, ch: make(chan Result, 1)}
	// Whether or not max_keys was just reached, a flush is due for this
	// batch: either immediately (sealed) or on the next scheduler turn.
	// singleflight.Group collapses every concurrent caller racing to flush
	// the same node onto the one in-flight round, which is what gives
	// concurrent Get calls within one turn their coalescing.
	a.enqueue(n, w)
	go a.flush(n)

	select {
	case res := <-w.ch:
		return res, res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// enqueue appends w to n's PendingBatch, creating one if absent, and
// reports whether the batch just reached max_keys and must flush
// immediately.
func (a *Autobatcher) enqueue(n *node.Node, w *waiter) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.batches[n]
	if !ok || b.sealed {
		b = &pendingBatch{waiters: make(map[string][]*waiter)}
		a.batches[n] = b
	}
	b.keys = append(b.keys, w.key)
	b.waiters[string(w.key)] = append(b.waiters[string(w.key)], w)

	if len(b.keys) >= a.maxKeys {
		b.sealed = true
		return true
	}
	return false
}

// flush runs flushOnce for n, coalescing concurrent callers onto a single
// in-flight round via singleflight. A batch created for n after the
// in-flight round already captured its keys would otherwise go unflushed
// by a caller whose call got shared rather than executed, so flush loops
// until no pending batch remains for n.
func (a *Autobatcher) flush(n *node.Node) {
	key := n.Address().String()
	for {
		_, _, _ = a.flushGroup.Do(key, func() (any, error) {
			a.flushOnce(n)
			return nil, nil
		})

		a.mu.Lock()
		_, stillPending := a.batches[n]
		a.mu.Unlock()
		if !stillPending {
			return
		}
	}
}

// flushOnce seals whatever is currently pending for n and resolves every
// waiter exactly once.
func (a *Autobatcher) flushOnce(n *node.Node) {
	a.mu.Lock()
	b, ok := a.batches[n]
	if !ok || len(b.keys) == 0 {
		a.mu.Unlock()
		return
	}
	delete(a.batches, n)
	a.mu.Unlock()

	items, err := a.fetch(n, b.keys)
	metrics.ObserveAutobatchFlush(n.Address().String(), len(b.keys))
	if err != nil {
		for _, ws := range b.waiters {
			for _, w := range ws {
				w.ch <- Result{Err: err}
			}
		}
		return
	}

	byKey := make(map[string]protocol.Item, len(items))
	for _, item := range items {
		byKey[string(item.Key)] = item
	}

	for keyStr, ws := range b.waiters {
		item, found := byKey[keyStr]
		if found && !a.returnFlags {
			item.Flags = 0
		}
		for _, w := range ws {
			w.ch <- Result{Item: item, Found: found}
		}
	}
}

func (a *Autobatcher) fetch(n *node.Node, keys [][]byte) ([]protocol.Item, error) {
	var items []protocol.Item
	err := n.WithConnection(context.Background(), func(conn *connection.Connection) error {
		var fErr error
		items, fErr = conn.Fetch(context.Background(), a.returnCas, keys...)
		return fErr
	})
	return items, err
}
