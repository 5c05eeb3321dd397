// Package cluster owns the node map and the hash ring, runs the
// autodiscovery loop, and drives multi-node fan-out with all-or-nothing
// cancellation. The rebuild source is the ElastiCache-style
// "config get cluster" discovery protocol; fan-out is implemented with
// golang.org/x/sync/errgroup.
package cluster

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/emcache-go/emcache/address"
	"github.com/emcache-go/emcache/connection"
	"github.com/emcache-go/emcache/consistenthash"
	"github.com/emcache-go/emcache/logger"
	"github.com/emcache-go/emcache/node"
	"github.com/emcache-go/emcache/pool"
)

// AutodiscoveryConfig enables and tunes the periodic node-set refresh.
type AutodiscoveryConfig struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

// Options configure a Cluster at construction time.
type Options struct {
	Seeds []address.Address

	PoolConfig func(addr address.Address, dial func(context.Context) (*connection.Connection, error)) pool.Config
	Dial       func(ctx context.Context, addr address.Address) (*connection.Connection, error)

	PurgeUnhealthyNodes bool
	Autodiscovery       *AutodiscoveryConfig

	OnNodeHealthy   func(address.Address)
	OnNodeUnhealthy func(address.Address)

	// StartupTimeout bounds the initial autodiscovery round New runs. If
	// that round fails or times out, New logs it and still returns the
	// cluster built from Seeds; it does not return an error for it.
	StartupTimeout time.Duration
}

// Cluster owns every Node, the ring built over the healthy subset, and the
// optional autodiscovery task.
type Cluster struct {
	opts Options

	mu    sync.Mutex // single-writer over nodes; ring is swapped atomically by HashRing itself
	nodes map[string]*node.Node

	ring *consistenthash.HashRing

	discoverGroup singleflight.Group
	stopDiscovery chan struct{}
	discoveryDone chan struct{}

	closeOnce sync.Once
	closed    bool
}

// New builds a Cluster from a seed address list, dials no connections
// eagerly (pools grow lazily), and — if Autodiscovery is configured — runs
// one discovery round synchronously before returning, bounded by
// StartupTimeout. A failed initial round is logged, not returned; the
// periodic loop retries at the poll interval.
func New(ctx context.Context, opts Options) (*Cluster, error) {
	if opts.Dial == nil {
		return nil, fmt.Errorf("cluster: Dial is required")
	}
	if opts.PoolConfig == nil {
		opts.PoolConfig = func(addr address.Address, dial func(context.Context) (*connection.Connection, error)) pool.Config {
			return pool.Config{Dial: dial}
		}
	}

	c := &Cluster{
		opts:          opts,
		nodes:         make(map[string]*node.Node),
		ring:          consistenthash.New(),
		stopDiscovery: make(chan struct{}),
		discoveryDone: make(chan struct{}),
	}

	for _, addr := range opts.Seeds {
		if err := c.addNodeLocked(addr); err != nil {
			c.closeAllNodes()
			return nil, err
		}
	}

	if opts.Autodiscovery != nil {
		startupCtx := ctx
		cancel := func() {}
		if opts.StartupTimeout > 0 {
			startupCtx, cancel = context.WithTimeout(ctx, opts.StartupTimeout)
		}
		err := c.Refresh(startupCtx)
		cancel()
		if err != nil {
			logger.Warnf("cluster: initial autodiscovery round failed: %v", err)
		}
		go c.discoveryLoop()
	} else {
		close(c.discoveryDone)
	}

	return c, nil
}

func (c *Cluster) addNodeLocked(addr address.Address) error {
	key := addr.String()
	dial := func(ctx context.Context) (*connection.Connection, error) {
		return c.opts.Dial(ctx, addr)
	}
	cfg := c.opts.PoolConfig(addr, dial)
	cfg.OnHealthy = c.wrapHealthy(addr, cfg.OnHealthy)
	cfg.OnUnhealthy = c.wrapUnhealthy(addr, cfg.OnUnhealthy)

	p, err := pool.New(addr, cfg)
	if err != nil {
		return fmt.Errorf("cluster: building pool for %s: %w", key, err)
	}
	n := node.New(addr, p)
	c.nodes[key] = n
	if !c.opts.PurgeUnhealthyNodes || n.Healthy() {
		c.ring.Add(n)
	}
	return nil
}

func (c *Cluster) wrapHealthy(addr address.Address, inner func(address.Address)) func(address.Address) {
	return func(a address.Address) {
		c.mu.Lock()
		if n, ok := c.nodes[a.String()]; ok && c.opts.PurgeUnhealthyNodes {
			c.ring.Add(n)
		}
		c.mu.Unlock()
		if inner != nil {
			inner(a)
		}
		if c.opts.OnNodeHealthy != nil {
			c.opts.OnNodeHealthy(addr)
		}
	}
}

func (c *Cluster) wrapUnhealthy(addr address.Address, inner func(address.Address)) func(address.Address) {
	return func(a address.Address) {
		c.mu.Lock()
		if n, ok := c.nodes[a.String()]; ok && c.opts.PurgeUnhealthyNodes {
			c.ring.Remove(n)
		}
		c.mu.Unlock()
		if inner != nil {
			inner(a)
		}
		if c.opts.OnNodeUnhealthy != nil {
			c.opts.OnNodeUnhealthy(addr)
		}
	}
}

// PickNode routes a single key to its destination node.
func (c *Cluster) PickNode(key []byte) (*node.Node, error) {
	n, ok := c.ring.PickNode(key)
	if !ok {
		return nil, consistenthash.ErrNoNodes
	}
	return n.(*node.Node), nil
}

// PickNodes groups keys by destination node, preserving per-group key
// order.
func (c *Cluster) PickNodes(keys [][]byte) (map[*node.Node][][]byte, error) {
	raw, err := c.ring.PickNodes(keys)
	if err != nil {
		return nil, err
	}
	out := make(map[*node.Node][][]byte, len(raw))
	for n, ks := range raw {
		out[n.(*node.Node)] = ks
	}
	return out, nil
}

// Node looks up a node directly by address, for per-node admin commands.
func (c *Cluster) Node(addr address.Address) (*node.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[addr.String()]
	return n, ok
}

// Management exposes the read-only cluster_management view.
func (c *Cluster) Management() Management {
	return Management{c: c}
}

// Management is the read-only cluster-introspection view.
type Management struct{ c *Cluster }

// Nodes returns every node currently known to the cluster.
func (m Management) Nodes() []*node.Node {
	m.c.mu.Lock()
	defer m.c.mu.Unlock()
	keys := maps.Keys(m.c.nodes)
	sort.Strings(keys)
	out := make([]*node.Node, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.c.nodes[k])
	}
	return out
}

// HealthyNodes returns the subset of Nodes() currently healthy.
func (m Management) HealthyNodes() []*node.Node {
	var out []*node.Node
	for _, n := range m.Nodes() {
		if n.Healthy() {
			out = append(out, n)
		}
	}
	return out
}

// UnhealthyNodes returns the subset of Nodes() currently unhealthy.
func (m Management) UnhealthyNodes() []*node.Node {
	var out []*node.Node
	for _, n := range m.Nodes() {
		if !n.Healthy() {
			out = append(out, n)
		}
	}
	return out
}

// ConnectionPoolMetrics returns each node's pool statistics, keyed by
// address string.
func (m Management) ConnectionPoolMetrics() map[string]pool.Stats {
	out := make(map[string]pool.Stats)
	for _, n := range m.Nodes() {
		out[n.Address().String()] = n.Stats()
	}
	return out
}

// FanOut runs fn against each of the distinct nodes owning keys,
// concurrently, under an errgroup: if any sub-request fails, every sibling
// is cancelled via the shared context and the first error is returned, an
// all-or-nothing contract. Results are collected in the caller-supplied
// order-preserving callback rather than returned positionally, since keys
// are grouped by node rather than by index.
func (c *Cluster) FanOut(ctx context.Context, keys [][]byte, fn func(ctx context.Context, n *node.Node, nodeKeys [][]byte) error) error {
	groups, err := c.PickNodes(keys)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for n, nodeKeys := range groups {
		n, nodeKeys := n, nodeKeys
		g.Go(func() error {
			return fn(gctx, n, nodeKeys)
		})
	}
	return g.Wait()
}

// Refresh runs one autodiscovery round: issues "config get cluster" against
// any one live node, diffs the returned address set against the current
// node map, and applies adds/removes. Concurrent callers (the periodic
// ticker and a manually-triggered refresh) are coalesced onto a single
// in-flight round via singleflight.
func (c *Cluster) Refresh(ctx context.Context) error {
	_, err, _ := c.discoverGroup.Do("refresh", func() (any, error) {
		return nil, c.refreshOnce(ctx)
	})
	return err
}

func (c *Cluster) refreshOnce(ctx context.Context) error {
	addrs, err := c.fetchClusterConfig(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// removed starts as a clone of the live node map; every address still
	// present in the fresh discovery result is struck off, leaving exactly
	// the nodes to tear down.
	removed := maps.Clone(c.nodes)

	for _, addr := range addrs {
		key := addr.String()
		if _, ok := removed[key]; ok {
			delete(removed, key)
			continue
		}
		if err := c.addNodeLocked(addr); err != nil {
			logger.Warnf("cluster: failed to add discovered node %s: %v", key, err)
		}
	}

	for key, n := range removed {
		delete(c.nodes, key)
		c.ring.Remove(n)
		n.Close()
	}
	return nil
}

func (c *Cluster) fetchClusterConfig(ctx context.Context) ([]address.Address, error) {
	c.mu.Lock()
	var anyNode *node.Node
	for _, n := range c.nodes {
		anyNode = n
		break
	}
	c.mu.Unlock()

	if anyNode == nil {
		return nil, fmt.Errorf("cluster: no node available to run autodiscovery")
	}

	var payload []byte
	err := anyNode.WithConnection(ctx, func(conn *connection.Connection) error {
		p, err := conn.ConfigGetCluster(ctx)
		payload = p
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("cluster: config get cluster: %w", err)
	}
	return parseClusterConfig(payload)
}

// parseClusterConfig implements the ElastiCache dialect: take the last
// non-empty line and parse whitespace-separated "host|ip|port" triples.
// Anything else fails closed rather than guessing.
func parseClusterConfig(payload []byte) ([]address.Address, error) {
	lines := strings.Split(strings.ReplaceAll(string(payload), "\r\n", "\n"), "\n")
	var last string
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			last = strings.TrimSpace(line)
		}
	}
	if last == "" {
		return nil, fmt.Errorf("cluster: empty config get cluster payload")
	}

	fields := strings.Fields(last)
	addrs := make([]address.Address, 0, len(fields))
	for _, f := range fields {
		parts := strings.Split(f, "|")
		if len(parts) != 3 {
			return nil, fmt.Errorf("cluster: malformed node triple %q", f)
		}
		host := parts[0]
		if host == "" {
			host = parts[1]
		}
		addr, err := address.Parse(host + ":" + parts[2])
		if err != nil {
			return nil, fmt.Errorf("cluster: %w", err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func (c *Cluster) discoveryLoop() {
	defer close(c.discoveryDone)
	interval := c.opts.Autodiscovery.PollInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopDiscovery:
			return
		case <-ticker.C:
			ctx := context.Background()
			var cancel context.CancelFunc
			if c.opts.Autodiscovery.Timeout > 0 {
				ctx, cancel = context.WithTimeout(ctx, c.opts.Autodiscovery.Timeout)
			} else {
				cancel = func() {}
			}
			if err := c.Refresh(ctx); err != nil {
				logger.Warnf("cluster: autodiscovery round failed: %v", err)
			}
			cancel()
		}
	}
}

func (c *Cluster) closeAllNodes() {
	for _, n := range c.nodes {
		n.Close()
	}
}

// Close is idempotent and cascades to every node's pool:
// in-flight operations are not drained.
func (c *Cluster) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		if c.opts.Autodiscovery != nil {
			close(c.stopDiscovery)
			<-c.discoveryDone
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		c.closeAllNodes()
	})
	return nil
}

// Closed reports whether Close has been called.
func (c *Cluster) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
