package emcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emcache-go/emcache/address"
	"github.com/emcache-go/emcache/autobatch"
	"github.com/emcache-go/emcache/cluster"
	"github.com/emcache-go/emcache/connection"
	"github.com/emcache-go/emcache/errs"
	"github.com/emcache-go/emcache/metrics"
	"github.com/emcache-go/emcache/node"
	"github.com/emcache-go/emcache/protocol"
	"github.com/emcache-go/emcache/timeoutguard"
)

// Client is the cluster-aware memcached client. It is safe for concurrent
// use by multiple goroutines. The zero value is not usable; build one with
// New or InitFromEnv.
type Client struct {
	cl *cluster.Cluster

	serverStrings []string

	timeout             time.Duration
	maxConnections      int32
	minConnections      int32
	idleTTL             time.Duration
	connectTimeout      time.Duration
	purgeUnhealthyNodes bool

	autobatching         bool
	autobatchingMaxKeys  int
	batchers             [4]*autobatch.Autobatcher // indexed by returnFlags<<0 | returnCas<<1

	tls      connection.TLSConfig
	username string
	password string

	autodiscovery             bool
	autodiscoveryPollInterval time.Duration
	autodiscoveryTimeout      time.Duration
	startupTimeout            time.Duration

	closed atomic.Bool
}

func (c *Client) batcher(returnFlags, returnCas bool) *autobatch.Autobatcher {
	idx := 0
	if returnFlags {
		idx |= 1
	}
	if returnCas {
		idx |= 2
	}
	return c.batchers[idx]
}

func (c *Client) checkOpen() error {
	if c.closed.Load() {
		return errs.ClientClosed
	}
	return nil
}

// withTimeout wraps fn with the client's configured per-operation deadline
// and records the method's latency/outcome.
func (c *Client) withTimeout(ctx context.Context, method string, fn func(context.Context) error) error {
	start := time.Now()
	err := timeoutguard.Run(ctx, c.timeout, fn)
	metrics.ObserveMethodDuration(method, time.Since(start), err == nil)
	return err
}

// Get fetches a single key via "get" (returnFlags controls whether the
// caller sees the wire flags). A miss returns (nil, nil), not an error.
func (c *Client) Get(ctx context.Context, key []byte, returnFlags bool) (*Item, error) {
	return c.get(ctx, key, returnFlags, false)
}

// GetWithCas fetches a single key via "gets", populating Item.Cas.
func (c *Client) GetWithCas(ctx context.Context, key []byte, returnFlags bool) (*Item, error) {
	return c.get(ctx, key, returnFlags, true)
}

func (c *Client) get(ctx context.Context, key []byte, returnFlags, returnCas bool) (*Item, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	var item *Item
	err := c.withTimeout(ctx, "get", func(ctx context.Context) error {
		if b := c.batcher(returnFlags, returnCas); c.autobatching && b != nil {
			res, err := b.Get(ctx, key)
			if err != nil {
				return err
			}
			if !res.Found {
				return nil
			}
			it := itemFromProtocol(res.Item, returnFlags)
			item = &it
			return nil
		}

		n, err := c.cl.PickNode(key)
		if err != nil {
			return err
		}
		return n.WithConnection(ctx, func(conn *connection.Connection) error {
			items, err := conn.Fetch(ctx, returnCas, key)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				return nil
			}
			it := itemFromProtocol(items[0], returnFlags)
			item = &it
			return nil
		})
	})
	return item, err
}

// GetMany fetches many keys with all-or-nothing fan-out across the nodes
// they route to. Keys not present in the
// result map were misses.
func (c *Client) GetMany(ctx context.Context, keys [][]byte, returnFlags, returnCas bool) (map[string]Item, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateKeys(keys); err != nil {
		return nil, err
	}

	out := make(map[string]Item)
	var mu sync.Mutex
	err := c.withTimeout(ctx, "get_many", func(ctx context.Context) error {
		return c.cl.FanOut(ctx, keys, func(ctx context.Context, n *node.Node, nodeKeys [][]byte) error {
			return n.WithConnection(ctx, func(conn *connection.Connection) error {
				items, err := conn.Fetch(ctx, returnCas, nodeKeys...)
				if err != nil {
					return err
				}
				mu.Lock()
				for _, it := range items {
					out[string(it.Key)] = itemFromProtocol(it, returnFlags)
				}
				mu.Unlock()
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetAndTouch fetches a single key via "gat"/"gats" and resets its
// expiration to exptime.
func (c *Client) GetAndTouch(ctx context.Context, key []byte, exptime int64, returnFlags, returnCas bool) (*Item, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	var item *Item
	err := c.withTimeout(ctx, "get_and_touch", func(ctx context.Context) error {
		n, err := c.cl.PickNode(key)
		if err != nil {
			return err
		}
		return n.WithConnection(ctx, func(conn *connection.Connection) error {
			items, err := conn.GetAndTouch(ctx, returnCas, exptime, key)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				return nil
			}
			it := itemFromProtocol(items[0], returnFlags)
			item = &it
			return nil
		})
	})
	return item, err
}

// GetAndTouchMany is the multi-key, fan-out form of GetAndTouch.
func (c *Client) GetAndTouchMany(ctx context.Context, keys [][]byte, exptime int64, returnFlags, returnCas bool) (map[string]Item, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateKeys(keys); err != nil {
		return nil, err
	}

	out := make(map[string]Item)
	var mu sync.Mutex
	err := c.withTimeout(ctx, "get_and_touch_many", func(ctx context.Context) error {
		return c.cl.FanOut(ctx, keys, func(ctx context.Context, n *node.Node, nodeKeys [][]byte) error {
			return n.WithConnection(ctx, func(conn *connection.Connection) error {
				items, err := conn.GetAndTouch(ctx, returnCas, exptime, nodeKeys...)
				if err != nil {
					return err
				}
				mu.Lock()
				for _, it := range items {
					out[string(it.Key)] = itemFromProtocol(it, returnFlags)
				}
				mu.Unlock()
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) store(ctx context.Context, method string, cmd protocol.StorageCommand, key, value []byte, flags uint32, exptime int64, casUnique uint64, noreply bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validateFlags(flags); err != nil {
		return err
	}
	// casUnique is uint64, which never reaches 2^64, so there is nothing
	// further to validate here.

	return c.withTimeout(ctx, method, func(ctx context.Context) error {
		n, err := c.cl.PickNode(key)
		if err != nil {
			return err
		}
		return n.WithConnection(ctx, func(conn *connection.Connection) error {
			status, err := conn.Storage(ctx, cmd, key, flags, exptime, value, casUnique, noreply)
			if err != nil {
				return err
			}
			return classifyStorageStatus(status, noreply)
		})
	})
}

func classifyStorageStatus(status string, noreply bool) error {
	if noreply {
		return nil
	}
	switch status {
	case protocol.StatusStored:
		return nil
	case protocol.StatusNotStored, protocol.StatusExists, protocol.StatusNotFound:
		// StatusNotFound covers a "cas" against a key the server has no
		// record of; the server itself is inconsistent about NOT_FOUND vs
		// NOT_STORED here, so both classify as NotStored.
		return fmt.Errorf("emcache: %s: %w", status, errs.NotStored)
	default:
		return fmt.Errorf("emcache: unexpected storage reply %q: %w", status, errs.Storage)
	}
}

// Set stores key unconditionally.
func (c *Client) Set(ctx context.Context, key, value []byte, flags uint32, exptime int64, noreply bool) error {
	return c.store(ctx, "set", protocol.CmdSet, key, value, flags, exptime, 0, noreply)
}

// Add stores key only if it does not already exist.
func (c *Client) Add(ctx context.Context, key, value []byte, flags uint32, exptime int64, noreply bool) error {
	return c.store(ctx, "add", protocol.CmdAdd, key, value, flags, exptime, 0, noreply)
}

// Replace stores key only if it already exists.
func (c *Client) Replace(ctx context.Context, key, value []byte, flags uint32, exptime int64, noreply bool) error {
	return c.store(ctx, "replace", protocol.CmdReplace, key, value, flags, exptime, 0, noreply)
}

// Append appends value to the existing data for key.
func (c *Client) Append(ctx context.Context, key, value []byte, noreply bool) error {
	return c.store(ctx, "append", protocol.CmdAppend, key, value, 0, 0, 0, noreply)
}

// Prepend prepends value to the existing data for key.
func (c *Client) Prepend(ctx context.Context, key, value []byte, noreply bool) error {
	return c.store(ctx, "prepend", protocol.CmdPrepend, key, value, 0, 0, 0, noreply)
}

// Cas stores key only if casUnique still matches the server's current
// token (from a prior GetWithCas); fails with ErrNotStored (EXISTS) if it
// has since changed.
func (c *Client) Cas(ctx context.Context, key, value []byte, flags uint32, exptime int64, casUnique uint64, noreply bool) error {
	return c.store(ctx, "cas", protocol.CmdCas, key, value, flags, exptime, casUnique, noreply)
}

// Incr adds delta to the integer stored at key. It returns 0 and
// ErrNotFound when the server replied NOT_FOUND, and 0 with a nil error
// when noreply is set.
func (c *Client) Incr(ctx context.Context, key []byte, delta uint64, noreply bool) (uint64, error) {
	return c.incrDecr(ctx, "incr", protocol.CmdIncr, key, delta, noreply)
}

// Decr subtracts delta from the integer stored at key; the server clamps
// at zero rather than going negative.
func (c *Client) Decr(ctx context.Context, key []byte, delta uint64, noreply bool) (uint64, error) {
	return c.incrDecr(ctx, "decr", protocol.CmdDecr, key, delta, noreply)
}

func (c *Client) incrDecr(ctx context.Context, method string, cmd protocol.IncrDecrCommand, key []byte, delta uint64, noreply bool) (uint64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	if err := validateKey(key); err != nil {
		return 0, err
	}

	var value uint64
	err := c.withTimeout(ctx, method, func(ctx context.Context) error {
		n, err := c.cl.PickNode(key)
		if err != nil {
			return err
		}
		return n.WithConnection(ctx, func(conn *connection.Connection) error {
			v, found, err := conn.IncrDecr(ctx, cmd, key, delta, noreply)
			if err != nil {
				return err
			}
			if !found {
				return errs.NotFound
			}
			value = v
			return nil
		})
	})
	return value, err
}

// Touch resets key's expiration without fetching its value.
func (c *Client) Touch(ctx context.Context, key []byte, exptime int64, noreply bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	return c.withTimeout(ctx, "touch", func(ctx context.Context) error {
		n, err := c.cl.PickNode(key)
		if err != nil {
			return err
		}
		return n.WithConnection(ctx, func(conn *connection.Connection) error {
			status, err := conn.TouchKey(ctx, key, exptime, noreply)
			if err != nil {
				return err
			}
			if noreply {
				return nil
			}
			switch status {
			case protocol.StatusTouched:
				return nil
			case protocol.StatusNotFound:
				return errs.NotFound
			default:
				return fmt.Errorf("emcache: unexpected touch reply %q: %w", status, errs.Command)
			}
		})
	})
}

// Delete removes key.
func (c *Client) Delete(ctx context.Context, key []byte, noreply bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	return c.withTimeout(ctx, "delete", func(ctx context.Context) error {
		n, err := c.cl.PickNode(key)
		if err != nil {
			return err
		}
		return n.WithConnection(ctx, func(conn *connection.Connection) error {
			status, err := conn.Delete(ctx, key, noreply)
			if err != nil {
				return err
			}
			if noreply {
				return nil
			}
			switch status {
			case protocol.StatusDeleted:
				return nil
			case protocol.StatusNotFound:
				return errs.NotFound
			default:
				return fmt.Errorf("emcache: unexpected delete reply %q: %w", status, errs.Command)
			}
		})
	})
}

// FlushAll invalidates every item held by the node at addr, after delay
// seconds (delay < 0 omits the delay token and flushes immediately). Like
// Version/Stats/CacheMemlimit/Verbosity, this is a per-node admin command;
// callers wanting a cluster-wide flush issue it against every address from
// ClusterManagement().Nodes() themselves. The server defers without
// coordinating with in-flight operations; reads during the delay window
// may still observe pre-flush values.
func (c *Client) FlushAll(ctx context.Context, addr address.Address, delay int64, noreply bool) error {
	n, err := c.nodeAt(addr)
	if err != nil {
		return err
	}
	return c.withTimeout(ctx, "flush_all", func(ctx context.Context) error {
		return n.WithConnection(ctx, func(conn *connection.Connection) error {
			_, err := conn.FlushAll(ctx, delay, noreply)
			return err
		})
	})
}

// Version returns the version string reported by the node at addr, an
// explicit per-node admin command.
func (c *Client) Version(ctx context.Context, addr address.Address) (string, error) {
	n, err := c.nodeAt(addr)
	if err != nil {
		return "", err
	}
	var version string
	err = c.withTimeout(ctx, "version", func(ctx context.Context) error {
		return n.WithConnection(ctx, func(conn *connection.Connection) error {
			v, err := conn.Version(ctx)
			version = v
			return err
		})
	})
	return version, err
}

// Stats returns the stats block reported by the node at addr.
func (c *Client) Stats(ctx context.Context, addr address.Address, args ...string) (map[string]string, error) {
	n, err := c.nodeAt(addr)
	if err != nil {
		return nil, err
	}
	var stats map[string]string
	err = c.withTimeout(ctx, "stats", func(ctx context.Context) error {
		return n.WithConnection(ctx, func(conn *connection.Connection) error {
			s, err := conn.Stats(ctx, args...)
			stats = s
			return err
		})
	})
	return stats, err
}

// CacheMemlimit sets a node's memory limit, in megabytes.
func (c *Client) CacheMemlimit(ctx context.Context, addr address.Address, megabytes int64, noreply bool) error {
	n, err := c.nodeAt(addr)
	if err != nil {
		return err
	}
	return c.withTimeout(ctx, "cache_memlimit", func(ctx context.Context) error {
		return n.WithConnection(ctx, func(conn *connection.Connection) error {
			_, err := conn.CacheMemlimit(ctx, megabytes, noreply)
			return err
		})
	})
}

// Verbosity sets a node's log verbosity level.
func (c *Client) Verbosity(ctx context.Context, addr address.Address, level int, noreply bool) error {
	n, err := c.nodeAt(addr)
	if err != nil {
		return err
	}
	return c.withTimeout(ctx, "verbosity", func(ctx context.Context) error {
		return n.WithConnection(ctx, func(conn *connection.Connection) error {
			_, err := conn.Verbosity(ctx, level, noreply)
			return err
		})
	})
}

func (c *Client) nodeAt(addr address.Address) (*node.Node, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	n, ok := c.cl.Node(addr)
	if !ok {
		return nil, fmt.Errorf("emcache: no node at %s: %w", addr, errs.InvalidArgument)
	}
	return n, nil
}

// ClusterManagement exposes the read-only node/health/pool-metrics view.
func (c *Client) ClusterManagement() cluster.Management {
	return c.cl.Management()
}

// Pipeline returns a builder that accumulates pre-serialised commands for
// a single node and demultiplexes the consolidated reply on Execute.
// returnCas selects get/gets for every retrieval queued on the pipeline.
func (c *Client) Pipeline(addr address.Address, returnCas bool) (*Pipeline, error) {
	n, err := c.nodeAt(addr)
	if err != nil {
		return nil, err
	}
	return &Pipeline{node: n, returnCas: returnCas}, nil
}

// Close is idempotent and cascades to every node's pool; in-flight
// operations are not drained.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.cl.Close()
}
