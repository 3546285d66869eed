package tor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/nao1215/onionproxy/internal/log"
)

// defaultDialTimeout bounds the TCP connection to the daemon's SOCKS port,
// not the circuit build behind it.
const defaultDialTimeout = 10 * time.Second

// ContextDialer opens streams. *Client and the dialer returned by
// Client.Isolated implement it.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Client is the handle to one Tor client. It is created unbootstrapped:
// the daemon is launched by Bootstrap or by the first dial, and relaunched
// by the next dial if it exited. A Client is safe for concurrent use and is
// meant to be shared.
//
// Design decision: The daemon is launched lazily and relaunched on demand
// rather than supervised by a goroutine. A crashed tor process is noticed
// by the next dial, which is the first moment anyone needs it, and the
// client never holds a background goroutine that Close must stop.
type Client struct {
	cfg         *ClientConfig
	launcher    Launcher
	logger      *slog.Logger
	dialTimeout time.Duration

	// mu guards the fields below.
	mu     sync.Mutex
	daemon Daemon
	// launching is closed when the launch in flight finishes; launchErr
	// then holds its result for the callers that waited.
	launching chan struct{}
	launchErr error
	closed    bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLauncher replaces the ExecLauncher.
func WithLauncher(l Launcher) ClientOption {
	return func(c *Client) {
		c.launcher = l
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDialTimeout sets the timeout for connecting to the daemon's SOCKS port.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.dialTimeout = d
	}
}

// NewClient creates an unbootstrapped client for cfg. No process is started.
func NewClient(cfg *ClientConfig, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("tor: nil client config")
	}
	c := &Client{
		cfg:         cfg,
		logger:      log.Discard(),
		dialTimeout: defaultDialTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.launcher == nil {
		c.launcher = defaultLauncher(cfg, c.logger)
	}
	return c, nil
}

// Config returns the configuration the client was built with.
func (c *Client) Config() *ClientConfig {
	return c.cfg
}

// Bootstrap launches the daemon unless a live one exists and waits until
// it has bootstrapped. Concurrent callers share one launch.
func (c *Client) Bootstrap(ctx context.Context) error {
	_, err := c.ensureDaemon(ctx)
	return err
}

// Bootstrapped reports whether a live, bootstrapped daemon exists.
func (c *Client) Bootstrapped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked()
}

func (c *Client) liveLocked() bool {
	if c.daemon == nil {
		return false
	}
	select {
	case <-c.daemon.Done():
		return false
	default:
		return true
	}
}

// ensureDaemon returns the live daemon, launching one if needed. Exactly
// one caller launches; the rest wait on launching and share its result.
// A launch that completes after Close is stopped at once.
func (c *Client) ensureDaemon(ctx context.Context) (Daemon, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClientClosed
		}
		if c.liveLocked() {
			d := c.daemon
			c.mu.Unlock()
			return d, nil
		}
		if wait := c.launching; wait != nil {
			c.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			c.mu.Lock()
			err := c.launchErr
			c.mu.Unlock()
			if err != nil {
				return nil, err
			}
			continue
		}

		done := make(chan struct{})
		c.launching = done
		c.daemon = nil
		c.mu.Unlock()

		c.logger.Info("bootstrapping tor", "bridges", len(c.cfg.Bridges))
		d, err := c.launcher.Launch(ctx, c.cfg)

		c.mu.Lock()
		c.launching = nil
		c.launchErr = err
		if err == nil && c.closed {
			c.mu.Unlock()
			_ = d.Stop() //nolint:errcheck // client already closed
			close(done)
			return nil, ErrClientClosed
		}
		if err == nil {
			c.daemon = d
		}
		c.mu.Unlock()
		close(done)

		if err != nil {
			c.logger.Warn("tor bootstrap failed", "error", err)
			return nil, err
		}
		c.logger.Info("tor bootstrapped", "socks", d.SocksAddr())
		return d, nil
	}
}

// DialContext opens a stream to address through Tor, bootstrapping first
// if needed. Hostnames are resolved by the exit relay.
func (c *Client) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return c.dial(ctx, network, address, nil)
}

// Isolated returns a dialer whose streams use circuits separate from every
// other isolation key, using Tor's SOCKS authentication isolation.
func (c *Client) Isolated(key string) ContextDialer {
	return &isolatedDialer{client: c, auth: &proxy.Auth{User: key, Password: key}}
}

type isolatedDialer struct {
	client *Client
	auth   *proxy.Auth
}

func (d *isolatedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d.client.dial(ctx, network, address, d.auth)
}

// dial connects to the daemon's SOCKS port and asks it for a stream to
// address. auth, when set, selects the isolation bucket.
func (c *Client) dial(ctx context.Context, network, address string, auth *proxy.Auth) (net.Conn, error) {
	d, err := c.ensureDaemon(ctx)
	if err != nil {
		return nil, err
	}

	socks, err := proxy.SOCKS5("tcp", d.SocksAddr(), auth, &net.Dialer{Timeout: c.dialTimeout})
	if err != nil {
		return nil, fmt.Errorf("create SOCKS5 dialer: %w", err)
	}
	if cd, ok := socks.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, address)
	}
	return dialWithContext(ctx, socks, network, address)
}

// dialWithContext runs a context-less Dial in a goroutine. If ctx ends
// first, a connection that is established later is closed.
func dialWithContext(ctx context.Context, d proxy.Dialer, network, address string) (net.Conn, error) {
	type dialResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		conn, err := d.Dial(network, address)
		resultCh <- dialResult{conn, err}
	}()

	select {
	case r := <-resultCh:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-resultCh; r.conn != nil {
				r.conn.Close() //nolint:errcheck,gosec // abandoned connection
			}
		}()
		return nil, ctx.Err()
	}
}

// Close stops the daemon. Further dials fail with ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	d := c.daemon
	c.daemon = nil
	c.mu.Unlock()

	if d == nil {
		return nil
	}
	return d.Stop()
}
