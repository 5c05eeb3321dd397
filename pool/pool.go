// Package pool is the per-node connection pool: bounded
// lazy growth, idle eviction, and a health signal derived from how often
// connection creation has recently failed.
//
// Grounded on pior-memcache's pool_puddle.go (puddle.Pool[*Connection]
// wrapping with Constructor/Destructor hooks) for growth/idle management,
// and its circuit_breaker.go (gobreaker.CircuitBreaker[T] wrapping) for the
// health signal, generalised onto this package's Connection type. The
// teacher's own pool (semaphore + buffered channel) is superseded: it has
// no notion of idle eviction or health, both required here.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/sony/gobreaker/v2"

	"github.com/emcache-go/emcache/address"
	"github.com/emcache-go/emcache/connection"
	"github.com/emcache-go/emcache/logger"
	"github.com/emcache-go/emcache/metrics"
)

// Config are the construction-time knobs for a node's connection pool.
type Config struct {
	Min            int32
	Max            int32
	IdleTTL        time.Duration
	ConnectTimeout time.Duration
	PurgeInterval  time.Duration

	// BreakerMaxRequests/Interval/Timeout mirror gobreaker.Settings; zero
	// values fall back to sane defaults below.
	BreakerMaxRequests uint32
	BreakerInterval    time.Duration
	BreakerTimeout     time.Duration

	// OnHealthy/OnUnhealthy fire on each monotonic transition, for the
	// cluster layer to update its view of which nodes are eligible for the
	// hash ring.
	OnHealthy   func(address.Address)
	OnUnhealthy func(address.Address)

	Dial func(ctx context.Context) (*connection.Connection, error)
}

func (c Config) withDefaults() Config {
	if c.Min < 0 {
		c.Min = 0
	}
	if c.Max <= 0 {
		c.Max = 10
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 5 * time.Minute
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = c.IdleTTL / 2
	}
	if c.BreakerMaxRequests == 0 {
		c.BreakerMaxRequests = 1
	}
	if c.BreakerInterval <= 0 {
		c.BreakerInterval = 0 // never reset counts on a timer; gobreaker default
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 10 * time.Second
	}
	return c
}

// Stats is a snapshot of pool occupancy and lifetime counters, converted
// from puddle's own Stat() the way pior-memcache's puddlePool.Stats() does.
type Stats struct {
	TotalConns     int32
	IdleConns      int32
	AcquiredConns  int32
	CreatingConns  int32
	CreatedConns   uint64
	DestroyedConns uint64
	Healthy        bool
	LastHealthAt   time.Time
}

// ConnectionPool is one node's bounded set of connections plus the health
// signal derived from recent creation failures.
type ConnectionPool struct {
	addr address.Address
	cfg  Config

	puddle  *puddle.Pool[*connection.Connection]
	breaker *gobreaker.CircuitBreaker[*connection.Connection]

	creating       atomic.Int32
	createdConns   atomic.Uint64
	destroyedConns atomic.Uint64

	mu               sync.Mutex
	healthy          bool
	lastHealthChange time.Time

	closeOnce sync.Once
	stopPurge chan struct{}
}

// New builds a ConnectionPool for one node address. Connections are created
// lazily, up to cfg.Max, via cfg.Dial.
func New(addr address.Address, cfg Config) (*ConnectionPool, error) {
	cfg = cfg.withDefaults()
	if cfg.Dial == nil {
		return nil, fmt.Errorf("pool: Dial constructor is required")
	}

	p := &ConnectionPool{
		addr:             addr,
		cfg:              cfg,
		healthy:          true,
		lastHealthChange: time.Now(),
		stopPurge:        make(chan struct{}),
	}

	puddleCfg := &puddle.Config[*connection.Connection]{
		Constructor: func(ctx context.Context) (*connection.Connection, error) {
			return p.breaker.Execute(func() (*connection.Connection, error) {
				p.creating.Add(1)
				defer p.creating.Add(-1)
				conn, err := cfg.Dial(ctx)
				if err == nil {
					p.createdConns.Add(1)
				}
				return conn, err
			})
		},
		Destructor: func(conn *connection.Connection) {
			p.destroyedConns.Add(1)
			_ = conn.Close()
		},
		MaxSize: cfg.Max,
	}

	pp, err := puddle.NewPool(puddleCfg)
	if err != nil {
		return nil, fmt.Errorf("pool: %w", err)
	}
	p.puddle = pp

	// ReadyToTrip requires both a failure streak in Constructor calls and a
	// pool that's actually empty right now (no idle or leased connection; a
	// resource still under construction, such as the one whose failure is
	// being counted, does not count): a busy-but-healthy pool (every
	// connection leased out under load) must never trip just because
	// Acquire is contending, since the breaker only ever wraps Constructor,
	// never a bare puddle.Acquire.
	p.breaker = gobreaker.NewCircuitBreaker[*connection.Connection](gobreaker.Settings{
		Name:        addr.String(),
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			s := p.puddle.Stat()
			return counts.Requests >= 3 && counts.ConsecutiveFailures >= 3 && s.IdleResources()+s.AcquiredResources() == 0
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.onBreakerStateChange(to)
		},
	})

	for i := int32(0); i < cfg.Min; i++ {
		if _, err := p.puddle.CreateResource(context.Background()); err != nil {
			logger.Warnf("pool: failed to pre-warm connection for %s: %v", addr.String(), err)
			break
		}
	}

	go p.purgeIdleLoop()

	return p, nil
}

func (p *ConnectionPool) onBreakerStateChange(to gobreaker.State) {
	s := p.puddle.Stat()
	healthy := to != gobreaker.StateOpen || s.IdleResources()+s.AcquiredResources() > 0
	p.mu.Lock()
	changed := healthy != p.healthy
	if changed {
		p.healthy = healthy
		p.lastHealthChange = time.Now()
	}
	p.mu.Unlock()

	if !changed {
		return
	}
	metrics.SetNodeHealthy(p.addr.String(), healthy)
	if healthy {
		if p.cfg.OnHealthy != nil {
			p.cfg.OnHealthy(p.addr)
		}
	} else {
		if p.cfg.OnUnhealthy != nil {
			p.cfg.OnUnhealthy(p.addr)
		}
	}
}

// Acquire leases a connection, creating one if the pool has room and is
// below Max, or blocking until one is released otherwise. Acquire itself
// never counts against the circuit breaker, since contention on a healthy,
// fully-leased pool looks identical to a slow server from here; only a
// failed Constructor call (see New) does that, and only once the pool is
// also down to zero connections does the node flip unhealthy.
func (p *ConnectionPool) Acquire(ctx context.Context) (*puddle.Resource[*connection.Connection], error) {
	res, err := p.puddle.Acquire(ctx)
	p.reportOccupancy()
	return res, err
}

// Release returns a leased connection to the pool, or destroys it if the
// underlying Connection is no longer Open.
func (p *ConnectionPool) Release(res *puddle.Resource[*connection.Connection]) {
	conn := res.Value()
	if conn.State() != connection.Open {
		res.Destroy()
		return
	}
	conn.Touch()
	res.Release()
	p.reportOccupancy()
}

func (p *ConnectionPool) reportOccupancy() {
	s := p.puddle.Stat()
	metrics.SetPoolOccupancy(p.addr.String(), s.TotalResources(), s.AcquiredResources())
}

// Healthy reports the current health signal: true unless the pool has zero
// live connections and the breaker has tripped open after repeated
// creation failures.
func (p *ConnectionPool) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

// LastHealthChange returns when Healthy last flipped.
func (p *ConnectionPool) LastHealthChange() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastHealthChange
}

// Stats returns a snapshot of occupancy and lifetime counters.
func (p *ConnectionPool) Stats() Stats {
	s := p.puddle.Stat()
	return Stats{
		TotalConns:     s.TotalResources(),
		IdleConns:      s.IdleResources(),
		AcquiredConns:  s.AcquiredResources(),
		CreatingConns:  p.creating.Load(),
		CreatedConns:   p.createdConns.Load(),
		DestroyedConns: p.destroyedConns.Load(),
		Healthy:        p.Healthy(),
		LastHealthAt:   p.LastHealthChange(),
	}
}

// Close tears down the pool and stops the idle-purge background task.
func (p *ConnectionPool) Close() {
	p.closeOnce.Do(func() {
		close(p.stopPurge)
		p.puddle.Close()
	})
}

// purgeIdleLoop evicts idle connections beyond cfg.IdleTTL, never dropping
// below cfg.Min. Acquiring idle resources and destroying/releasing them
// back is puddle's documented way to run a background reaper without
// touching internal bookkeeping directly.
func (p *ConnectionPool) purgeIdleLoop() {
	ticker := time.NewTicker(p.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopPurge:
			return
		case <-ticker.C:
			p.purgeIdleOnce()
		}
	}
}

func (p *ConnectionPool) purgeIdleOnce() {
	idle := p.puddle.AcquireAllIdle()
	kept := 0
	for _, res := range idle {
		total := p.puddle.Stat().TotalResources()
		conn := res.Value()
		if conn.IdleSince() > p.cfg.IdleTTL && total > p.cfg.Min {
			res.Destroy()
			continue
		}
		kept++
		res.ReleaseUnused()
	}
}
