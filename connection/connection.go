// Package connection owns one duplex byte stream, sequences exactly one
// outstanding request at a time, and drives the protocol codec for it.
package connection

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/emcache-go/emcache/address"
	"github.com/emcache-go/emcache/binaryauth"
	"github.com/emcache-go/emcache/errs"
	"github.com/emcache-go/emcache/protocol"
)

// State is the lifecycle of a Connection.
type State uint8

const (
	Open State = iota
	Closing
	Closed
)

// TLSConfig carries the optional TLS settings for a connection.
type TLSConfig struct {
	Enabled  bool
	Verify   bool
	ExtraCAs *tls.Config // pre-built config with extra CAs/roots merged in, if any
}

// Credentials carries optional SASL PLAIN credentials.
type Credentials struct {
	Username string
	Password string
}

// Options configure a dialed Connection.
type Options struct {
	TLS              TLSConfig
	Auth             *Credentials // nil disables SASL
	ConnectTimeout   time.Duration
}

// Connection is one duplex byte stream plus the text-protocol codec. Only
// one request may be in flight at a time: callers lease it exclusively
// through the pool.
type Connection struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer

	mu           sync.Mutex
	state        State
	authed       bool
	lastUsedAt   time.Time
}

// Dial performs, in order: TCP connect, optional TLS handshake, optional
// SASL PLAIN authentication, all wrapped by a single connect-timeout
// deadline.
func Dial(ctx context.Context, addr address.Address, opts Options) (*Connection, error) {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	rawConn, err := d.DialContext(dialCtx, addr.Network(), addr.String())
	if err != nil {
		return nil, fmt.Errorf("connection: dial %s: %w: %w", addr, errs.ConnectionFailure, err)
	}

	netConn := rawConn
	if opts.TLS.Enabled {
		tlsConf := &tls.Config{InsecureSkipVerify: !opts.TLS.Verify} //nolint:gosec // toggle is an explicit, documented client option
		if opts.TLS.ExtraCAs != nil && opts.TLS.ExtraCAs.RootCAs != nil {
			tlsConf.RootCAs = opts.TLS.ExtraCAs.RootCAs
		}
		tlsConn := tls.Client(rawConn, tlsConf)
		if deadline, ok := dialCtx.Deadline(); ok {
			_ = tlsConn.SetDeadline(deadline)
		}
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			_ = rawConn.Close()
			return nil, fmt.Errorf("connection: TLS handshake with %s: %w: %w", addr, errs.ConnectionFailure, err)
		}
		netConn = tlsConn
	}

	c := &Connection{
		conn:       netConn,
		r:          bufio.NewReader(netConn),
		w:          bufio.NewWriter(netConn),
		state:      Open,
		lastUsedAt: time.Now(),
	}

	if opts.Auth != nil {
		if deadline, ok := dialCtx.Deadline(); ok {
			_ = netConn.SetDeadline(deadline)
		}
		if err := binaryauth.AuthenticatePlain(netConn, opts.Auth.Username, opts.Auth.Password); err != nil {
			_ = netConn.Close()
			return nil, fmt.Errorf("connection: SASL auth to %s: %w: %w", addr, errs.ConnectionFailure, err)
		}
		_ = netConn.SetDeadline(time.Time{})
		c.authed = true
	}

	return c, nil
}

// State reports the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Authenticated reports whether the SASL handshake succeeded at dial time.
func (c *Connection) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

// Touch records that the connection was just used (called by the pool on
// release).
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastUsedAt = time.Now()
	c.mu.Unlock()
}

// IdleSince returns how long the connection has sat unused.
func (c *Connection) IdleSince() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastUsedAt)
}

// Close marks the connection Closed and closes the underlying socket. Safe
// to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	c.state = Closed
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Connection) markBroken() {
	c.mu.Lock()
	c.state = Closed
	c.mu.Unlock()
}

// withDeadline applies ctx's deadline (if any) to the underlying
// connection for the duration of one round trip and clears it afterward.
func (c *Connection) withDeadline(ctx context.Context, fn func() error) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return err
		}
		defer func() { _ = c.conn.SetDeadline(time.Time{}) }()
	}

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		c.markBroken()
		_ = c.conn.Close()
		return ctx.Err()
	}
}

func (c *Connection) write(payload []byte) error {
	if _, err := c.w.Write(payload); err != nil {
		c.markBroken()
		return err
	}
	if err := c.w.Flush(); err != nil {
		c.markBroken()
		return err
	}
	return nil
}

// Fetch performs get/gets for one or many keys.
func (c *Connection) Fetch(ctx context.Context, withCas bool, keys ...[]byte) ([]protocol.Item, error) {
	var items []protocol.Item
	err := c.withDeadline(ctx, func() error {
		if err := c.write(protocol.EncodeRetrieval(withCas, keys...)); err != nil {
			return err
		}
		var rErr error
		items, rErr = protocol.ReadRetrieval(c.r, withCas)
		if rErr != nil && isFatal(rErr) {
			c.markBroken()
		}
		return rErr
	})
	return items, err
}

// GetAndTouch performs gat/gats for one or many keys.
func (c *Connection) GetAndTouch(ctx context.Context, withCas bool, exptime int64, keys ...[]byte) ([]protocol.Item, error) {
	var items []protocol.Item
	err := c.withDeadline(ctx, func() error {
		if err := c.write(protocol.EncodeGetAndTouch(withCas, exptime, keys...)); err != nil {
			return err
		}
		var rErr error
		items, rErr = protocol.ReadRetrieval(c.r, withCas)
		if rErr != nil && isFatal(rErr) {
			c.markBroken()
		}
		return rErr
	})
	return items, err
}

// Storage performs set/add/replace/append/prepend/cas.
func (c *Connection) Storage(ctx context.Context, cmd protocol.StorageCommand, key []byte, flags uint32, exptime int64, value []byte, casUnique uint64, noreply bool) (string, error) {
	var status string
	err := c.withDeadline(ctx, func() error {
		if err := c.write(protocol.EncodeStorage(cmd, key, flags, exptime, value, casUnique, noreply)); err != nil {
			return err
		}
		if noreply {
			return nil
		}
		var rErr error
		status, rErr = protocol.ReadStatusLine(c.r)
		if rErr != nil && isFatal(rErr) {
			c.markBroken()
		}
		return rErr
	})
	return status, err
}

// IncrDecr performs incr/decr. found is false when the server replied
// NOT_FOUND; it is always true (with value 0) when noreply was requested,
// since nothing is read back in that case.
func (c *Connection) IncrDecr(ctx context.Context, cmd protocol.IncrDecrCommand, key []byte, delta uint64, noreply bool) (value uint64, found bool, err error) {
	err = c.withDeadline(ctx, func() error {
		if err := c.write(protocol.EncodeIncrDecr(cmd, key, delta, noreply)); err != nil {
			return err
		}
		if noreply {
			found = true
			return nil
		}
		var rErr error
		value, found, rErr = protocol.ReadCounterReply(c.r)
		if rErr != nil && isFatal(rErr) {
			c.markBroken()
		}
		return rErr
	})
	return value, found, err
}

// TouchKey performs the touch command.
func (c *Connection) TouchKey(ctx context.Context, key []byte, exptime int64, noreply bool) (string, error) {
	var status string
	err := c.withDeadline(ctx, func() error {
		if err := c.write(protocol.EncodeTouch(key, exptime, noreply)); err != nil {
			return err
		}
		if noreply {
			return nil
		}
		var rErr error
		status, rErr = protocol.ReadStatusLine(c.r)
		if rErr != nil && isFatal(rErr) {
			c.markBroken()
		}
		return rErr
	})
	return status, err
}

// Delete performs the delete command.
func (c *Connection) Delete(ctx context.Context, key []byte, noreply bool) (string, error) {
	var status string
	err := c.withDeadline(ctx, func() error {
		if err := c.write(protocol.EncodeDelete(key, noreply)); err != nil {
			return err
		}
		if noreply {
			return nil
		}
		var rErr error
		status, rErr = protocol.ReadStatusLine(c.r)
		if rErr != nil && isFatal(rErr) {
			c.markBroken()
		}
		return rErr
	})
	return status, err
}

// FlushAll performs the flush_all command. delay < 0 omits the delay token.
func (c *Connection) FlushAll(ctx context.Context, delay int64, noreply bool) (string, error) {
	var status string
	err := c.withDeadline(ctx, func() error {
		if err := c.write(protocol.EncodeFlushAll(delay, noreply)); err != nil {
			return err
		}
		if noreply {
			return nil
		}
		var rErr error
		status, rErr = protocol.ReadStatusLine(c.r)
		if rErr != nil && isFatal(rErr) {
			c.markBroken()
		}
		return rErr
	})
	return status, err
}

// Version performs the version command.
func (c *Connection) Version(ctx context.Context) (string, error) {
	var v string
	err := c.withDeadline(ctx, func() error {
		if err := c.write(protocol.EncodeVersion()); err != nil {
			return err
		}
		var rErr error
		v, rErr = protocol.ReadVersion(c.r)
		if rErr != nil && isFatal(rErr) {
			c.markBroken()
		}
		return rErr
	})
	return v, err
}

// Stats performs the stats command and post-processes the raw block into a
// key/value map.
func (c *Connection) Stats(ctx context.Context, args ...string) (map[string]string, error) {
	var raw []byte
	err := c.withDeadline(ctx, func() error {
		if err := c.write(protocol.EncodeStats(args...)); err != nil {
			return err
		}
		var rErr error
		raw, rErr = protocol.ReadStatsBlock(c.r)
		if rErr != nil && isFatal(rErr) {
			c.markBroken()
		}
		return rErr
	})
	if err != nil {
		return nil, err
	}
	return protocol.ParseStatsBlock(raw), nil
}

// ConfigGetCluster issues the vendor-specific "config get cluster" command
// autodiscovery polls with and returns the raw payload.
func (c *Connection) ConfigGetCluster(ctx context.Context) ([]byte, error) {
	var payload []byte
	err := c.withDeadline(ctx, func() error {
		if err := c.write(protocol.EncodeConfigGetCluster()); err != nil {
			return err
		}
		var rErr error
		payload, rErr = protocol.ReadConfigBlock(c.r)
		if rErr != nil && isFatal(rErr) {
			c.markBroken()
		}
		return rErr
	})
	return payload, err
}

// CacheMemlimit performs the cache_memlimit command.
func (c *Connection) CacheMemlimit(ctx context.Context, megabytes int64, noreply bool) (string, error) {
	var status string
	err := c.withDeadline(ctx, func() error {
		if err := c.write(protocol.EncodeCacheMemlimit(megabytes, noreply)); err != nil {
			return err
		}
		if noreply {
			return nil
		}
		var rErr error
		status, rErr = protocol.ReadStatusLine(c.r)
		if rErr != nil && isFatal(rErr) {
			c.markBroken()
		}
		return rErr
	})
	return status, err
}

// Verbosity performs the verbosity command.
func (c *Connection) Verbosity(ctx context.Context, level int, noreply bool) (string, error) {
	var status string
	err := c.withDeadline(ctx, func() error {
		if err := c.write(protocol.EncodeVerbosity(level, noreply)); err != nil {
			return err
		}
		if noreply {
			return nil
		}
		var rErr error
		status, rErr = protocol.ReadStatusLine(c.r)
		if rErr != nil && isFatal(rErr) {
			c.markBroken()
		}
		return rErr
	})
	return status, err
}

// PipelineRaw sends a single write carrying many pre-serialised commands
// and demultiplexes the consolidated reply into one typed Reply per queued
// kind, in order. This is the one call the external Pipeline collaborator
// makes against a leased Connection.
func (c *Connection) PipelineRaw(ctx context.Context, commands []byte, kinds []protocol.ReplyKind, withCas bool) ([]protocol.Reply, error) {
	var replies []protocol.Reply
	err := c.withDeadline(ctx, func() error {
		if err := c.write(commands); err != nil {
			return err
		}
		replies = make([]protocol.Reply, 0, len(kinds))
		for _, kind := range kinds {
			reply := protocol.ReadReply(c.r, kind, withCas)
			if reply.Err != nil && isFatal(reply.Err) {
				c.markBroken()
				return reply.Err
			}
			replies = append(replies, reply)
		}
		return nil
	})
	return replies, err
}

// isFatal reports whether err should poison the connection. Protocol-level errors that are really just command outcomes
// (NOT_FOUND, NOT_STORED, ...) are not fatal to the connection itself.
func isFatal(err error) bool {
	if err == nil {
		return false
	}
	if err == io.EOF {
		return true
	}
	var pErr *protocol.ProtocolError
	if asProtocolError(err, &pErr) {
		// CLIENT_ERROR/SERVER_ERROR/bare ERROR indicate the command was
		// rejected, not that the byte stream is desynchronised, but we
		// cannot trust framing after a SERVER_ERROR mid-stream, so treat
		// it conservatively as fatal; CLIENT_ERROR is not.
		return pErr.Kind != "CLIENT_ERROR"
	}
	return true
}

func asProtocolError(err error, target **protocol.ProtocolError) bool {
	pErr, ok := err.(*protocol.ProtocolError)
	if ok {
		*target = pErr
	}
	return ok
}
