package emcache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/emcache-go/emcache/address"
	"github.com/emcache-go/emcache/autobatch"
	"github.com/emcache-go/emcache/cluster"
	"github.com/emcache-go/emcache/connection"
	"github.com/emcache-go/emcache/errs"
	"github.com/emcache-go/emcache/logger"
	"github.com/emcache-go/emcache/pool"
)

// envConfig is populated from the environment by InitFromEnv.
type envConfig struct {
	Servers []string `envconfig:"MEMCACHED_SERVERS"`
}

// options accumulates construction-time knobs before New builds the
// Cluster; Option funcs set fields directly on the embedded Client, the
// same embed-and-mutate shape memcached/options.go uses.
type options struct {
	Client
	disableLogger bool

	sslVerify    bool
	sslExtraCA   string
	tlsRequested bool
}

// Option configures a Client at construction time.
type Option func(*options)

// WithServers sets the initial seed address list. Required unless
// InitFromEnv is used.
func WithServers(servers ...string) Option {
	return func(o *options) { o.Client.serverStrings = servers }
}

// WithTimeout sets the per-operation deadline. Zero
// disables it.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.Client.timeout = d }
}

// WithMaxConnections bounds connections per node (default 10).
func WithMaxConnections(n int32) Option {
	return func(o *options) { o.Client.maxConnections = n }
}

// WithMinConnections sets the warm floor per node.
func WithMinConnections(n int32) Option {
	return func(o *options) { o.Client.minConnections = n }
}

// WithPurgeUnusedConnectionsAfter sets the idle TTL for pooled connections.
func WithPurgeUnusedConnectionsAfter(d time.Duration) Option {
	return func(o *options) { o.Client.idleTTL = d }
}

// WithConnectTimeout bounds the connect+TLS+auth sequence for one
// connection.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.Client.connectTimeout = d }
}

// WithPurgeUnhealthyNodes excludes unhealthy nodes from hash-ring routing.
func WithPurgeUnhealthyNodes() Option {
	return func(o *options) { o.Client.purgeUnhealthyNodes = true }
}

// WithAutobatching enables coalescing of concurrent single-key retrievals,
// capped at maxKeys per wire request (<= 0 uses autobatch.DefaultMaxKeys).
func WithAutobatching(maxKeys int) Option {
	return func(o *options) {
		o.Client.autobatching = true
		o.Client.autobatchingMaxKeys = maxKeys
	}
}

// WithTLS enables TLS, with certificate verification controlled by verify.
func WithTLS(verify bool) Option {
	return func(o *options) {
		o.tlsRequested = true
		o.sslVerify = verify
	}
}

// WithExtraCA loads an additional CA certificate (PEM) to trust alongside
// the system pool. Only meaningful combined with WithTLS.
func WithExtraCA(pemFile string) Option {
	return func(o *options) { o.sslExtraCA = pemFile }
}

// WithAuthentication turns on SASL PLAIN authentication. Username and
// password are required together; New rejects a call with only one of
// them set (that can only happen by calling this with an empty string,
// which is deliberately allowed through to validation).
func WithAuthentication(username, password string) Option {
	return func(o *options) {
		o.Client.username = username
		o.Client.password = password
	}
}

// WithAutodiscovery enables the periodic "config get cluster" refresh
// loop.
func WithAutodiscovery(pollInterval, timeout time.Duration) Option {
	return func(o *options) {
		o.Client.autodiscovery = true
		o.Client.autodiscoveryPollInterval = pollInterval
		o.Client.autodiscoveryTimeout = timeout
	}
}

// WithStartupTimeout bounds the initial autodiscovery round New runs; a
// failed or timed-out round is logged and New still returns the client.
func WithStartupTimeout(d time.Duration) Option {
	return func(o *options) { o.Client.startupTimeout = d }
}

// WithDisableLogger silences the package logger for the lifetime of the
// process, matching memcached.WithDisableLogger.
func WithDisableLogger() Option {
	return func(o *options) { o.disableLogger = true }
}

// New builds a Client from an explicit seed list (WithServers) plus any
// other options.
func New(ctx context.Context, opts ...Option) (*Client, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return build(ctx, o)
}

// InitFromEnv builds a Client the way memcached.InitFromEnv does: seed
// addresses come from MEMCACHED_SERVERS unless WithServers overrides them.
func InitFromEnv(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg envConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("emcache: reading environment: %w", err)
	}

	o := &options{}
	o.Client.serverStrings = cfg.Servers
	for _, opt := range opts {
		opt(o)
	}
	return build(ctx, o)
}

func build(ctx context.Context, o *options) (*Client, error) {
	if o.disableLogger {
		logger.DisableLogger()
	}
	if err := validateCredentials(o.Client.username, o.Client.password); err != nil {
		return nil, err
	}
	if len(o.Client.serverStrings) == 0 {
		return nil, fmt.Errorf("emcache: no servers configured: %w", errs.InvalidArgument)
	}

	seeds := make([]address.Address, 0, len(o.Client.serverStrings))
	for _, s := range o.Client.serverStrings {
		addr, err := address.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("emcache: %w", err)
		}
		seeds = append(seeds, addr)
	}

	tlsConf, err := o.buildTLSConfig()
	if err != nil {
		return nil, err
	}

	c := &o.Client
	c.tls = tlsConf

	connOpts := connection.Options{
		TLS:            c.connectionTLS(),
		ConnectTimeout: c.connectTimeout,
	}
	if c.username != "" {
		connOpts.Auth = &connection.Credentials{Username: c.username, Password: c.password}
	}

	dial := func(ctx context.Context, addr address.Address) (*connection.Connection, error) {
		return connection.Dial(ctx, addr, connOpts)
	}

	var autodiscovery *cluster.AutodiscoveryConfig
	if c.autodiscovery {
		autodiscovery = &cluster.AutodiscoveryConfig{
			PollInterval: c.autodiscoveryPollInterval,
			Timeout:      c.autodiscoveryTimeout,
		}
	}

	cl, err := cluster.New(ctx, cluster.Options{
		Seeds: seeds,
		Dial:  dial,
		PoolConfig: func(addr address.Address, d func(context.Context) (*connection.Connection, error)) pool.Config {
			return pool.Config{
				Min:            c.minConnections,
				Max:            c.maxConnections,
				IdleTTL:        c.idleTTL,
				ConnectTimeout: c.connectTimeout,
				Dial:           d,
			}
		},
		PurgeUnhealthyNodes: c.purgeUnhealthyNodes,
		Autodiscovery:       autodiscovery,
		StartupTimeout:      c.startupTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("emcache: %w", err)
	}
	c.cl = cl

	if c.autobatching {
		maxKeys := c.autobatchingMaxKeys
		for i := range c.batchers {
			returnFlags := i&1 != 0
			returnCas := i&2 != 0
			c.batchers[i] = autobatch.New(cl, returnFlags, returnCas, maxKeys)
		}
	}

	return c, nil
}

func (o *options) buildTLSConfig() (connection.TLSConfig, error) {
	if !o.tlsRequested {
		return connection.TLSConfig{}, nil
	}
	tlsConf := connection.TLSConfig{Enabled: true, Verify: o.sslVerify}
	if o.sslExtraCA != "" {
		pemBytes, err := os.ReadFile(o.sslExtraCA)
		if err != nil {
			return connection.TLSConfig{}, fmt.Errorf("emcache: reading ssl_extra_ca: %w", err)
		}
		certPool, err := x509.SystemCertPool()
		if err != nil || certPool == nil {
			certPool = x509.NewCertPool()
		}
		if !certPool.AppendCertsFromPEM(pemBytes) {
			return connection.TLSConfig{}, fmt.Errorf("emcache: ssl_extra_ca %q contains no usable certificates", o.sslExtraCA)
		}
		tlsConf.ExtraCAs = &tls.Config{RootCAs: certPool}
	}
	return tlsConf, nil
}

func (c *Client) connectionTLS() connection.TLSConfig { return c.tls }
