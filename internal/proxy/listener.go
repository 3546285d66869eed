package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/things-go/go-socks5"

	"github.com/nao1215/onionproxy/internal/tor"
)

// SOCKSListener is a bound SOCKS5 endpoint.
type SOCKSListener interface {
	// Serve accepts connections until the listener is closed or fails.
	Serve() error
	Close() error
	Addr() net.Addr
}

// ListenFunc binds a SOCKS5 endpoint on addr whose streams go through dialer.
type ListenFunc func(addr string, dialer tor.ContextDialer, logger *slog.Logger) (SOCKSListener, error)

// Listener is the SOCKS5 server exposed to local applications.
//
// It accepts CONNECT requests without authentication and forwards each one
// as a new stream through the Tor dialer it was built with. Only the
// manager creates listeners; it binds one per run and closes it when the
// run ends, so a Listener never outlives the client it dials through.
//
// Design decision: We keep the server on 127.0.0.1 and skip SOCKS
// authentication. The port is meant for processes on the same host, and
// Tor's own isolation by username still works because go-socks5 passes
// the credentials through untouched.
type Listener struct {
	ln     net.Listener
	server *socks5.Server
	logger *slog.Logger

	// ctx is cancelled by Close. Streams that finish connecting after
	// that are closed instead of handed to the client.
	ctx    context.Context
	cancel context.CancelFunc
}

// Listen binds addr and prepares a SOCKS5 server dialing through dialer.
// Hostnames are passed to dialer unresolved so that DNS happens at the
// Tor exit, never locally.
func Listen(addr string, dialer tor.ContextDialer, logger *slog.Logger) (SOCKSListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{ln: ln, logger: logger, ctx: ctx, cancel: cancel}
	l.server = socks5.NewServer(
		socks5.WithResolver(unresolved{}),
		socks5.WithLogger(socksLogger{logger}),
		socks5.WithDialAndRequest(func(dctx context.Context, network, target string, req *socks5.Request) (net.Conn, error) {
			return l.dial(dctx, dialer, network, destination(target, req))
		}),
	)
	return l, nil
}

// dial refuses malformed onion names before Tor sees them, so the client
// gets a prompt failure instead of a descriptor lookup timeout.
func (l *Listener) dial(ctx context.Context, dialer tor.ContextDialer, network, target string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(target)
	if err != nil {
		return nil, err
	}
	if tor.IsOnionHost(host) && !tor.IsValidV3Address(host) {
		return nil, tor.ErrInvalidOnionAddress
	}

	conn, err := dialer.DialContext(ctx, network, target)
	if err != nil {
		l.logger.Debug("socks connect failed", "target", target, "error", err)
		return nil, err
	}
	if l.ctx.Err() != nil {
		conn.Close() //nolint:errcheck,gosec // listener already torn down
		return nil, net.ErrClosed
	}
	return conn, nil
}

// destination prefers the requested hostname over the address the server
// formatted, which may hold an IP produced by a resolver.
func destination(target string, req *socks5.Request) string {
	if req == nil || req.DestAddr == nil || req.DestAddr.FQDN == "" {
		return target
	}
	return net.JoinHostPort(req.DestAddr.FQDN, strconv.Itoa(req.DestAddr.Port))
}

// Serve runs the SOCKS5 server until the listener is closed.
func (l *Listener) Serve() error {
	return l.server.Serve(l.ln)
}

// Close stops accepting connections. Streams already handed to clients
// keep running until either side closes them.
func (l *Listener) Close() error {
	l.cancel()
	return l.ln.Close()
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// unresolved leaves hostnames for the Tor exit to resolve.
type unresolved struct{}

func (unresolved) Resolve(ctx context.Context, _ string) (context.Context, net.IP, error) {
	return ctx, nil, nil
}

// socksLogger routes go-socks5 diagnostics to the debug level; they are
// per-connection noise at info.
type socksLogger struct {
	logger *slog.Logger
}

func (s socksLogger) Errorf(format string, args ...interface{}) {
	s.logger.Debug("socks server", "error", fmt.Sprintf(format, args...))
}
