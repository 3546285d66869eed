package tor

import (
	"context"
	"net"
	"net/url"
	"strings"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	otls "github.com/Jigsaw-Code/outline-sdk/transport/tls"
)

const (
	schemeHTTP  = "http"
	schemeHTTPS = "https"

	defaultHTTPPort  = "80"
	defaultHTTPSPort = "443"
)

// TLSWrapFunc negotiates TLS for serverName over conn.
type TLSWrapFunc func(ctx context.Context, conn transport.StreamConn, serverName string) (net.Conn, error)

// Connector opens HTTP and HTTPS connections through a Tor dialer.
// It plugs into http.Transport through DialContext and DialTLSContext.
//
// A Connector holds no per-request state, so one value may serve many
// concurrent requests. Circuit isolation is the dialer's business: pass
// an isolated dialer from (*Client).Isolated to keep requests apart.
//
// Design decision: TLS is negotiated here rather than by http.Transport.
// The stream Tor hands back is already connected to the remote host, and
// the TLS layer must see the URI host as its server name. Doing the
// handshake in Connect lets a TLS failure surface as a *ConnectionError
// of KindTLS instead of an opaque transport error.
type Connector struct {
	// dialer opens the SOCKS stream through Tor.
	dialer ContextDialer
	// wrapTLS upgrades https streams. Tests swap it for one trusting a
	// local CA.
	wrapTLS TLSWrapFunc
}

// ConnectorOption configures a Connector.
type ConnectorOption func(*Connector)

// WithTLSWrapper replaces the TLS layer. The default verifies the server
// certificate against the system roots.
func WithTLSWrapper(fn TLSWrapFunc) ConnectorOption {
	return func(c *Connector) {
		c.wrapTLS = fn
	}
}

// NewConnector creates a Connector dialing through dialer, usually a
// *Client or one of its isolated dialers.
func NewConnector(dialer ContextDialer, opts ...ConnectorOption) *Connector {
	c := &Connector{dialer: dialer, wrapTLS: outlineTLS}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// outlineTLS offers only http/1.1 because http.Transport only negotiates
// HTTP/2 over a *tls.Conn it dialed itself.
func outlineTLS(ctx context.Context, conn transport.StreamConn, serverName string) (net.Conn, error) {
	return otls.WrapConn(ctx, conn, serverName, otls.WithALPN([]string{"http/1.1"}))
}

// Connect opens a connection to the host of uri. Scheme and host problems
// are reported before any network I/O. Every failure is a *ConnectionError.
//
// The port defaults to 80 for http and 443 for https. An onion host must
// be a valid v3 address; older v2 names are refused without dialing
// because the network no longer serves them.
func (c *Connector) Connect(ctx context.Context, uri *url.URL) (*Connection, error) {
	raw := uri.String()

	var secure bool
	switch strings.ToLower(uri.Scheme) {
	case schemeHTTP:
	case schemeHTTPS:
		secure = true
	default:
		return nil, newConnectionError(KindUnsupportedScheme, raw, nil)
	}

	host := uri.Hostname()
	if host == "" {
		return nil, newConnectionError(KindMissingHost, raw, nil)
	}
	if IsOnionHost(host) && !IsValidV3Address(host) {
		return nil, newConnectionError(KindNetworkClient, raw, ErrInvalidOnionAddress)
	}

	port := uri.Port()
	if port == "" {
		port = defaultHTTPPort
		if secure {
			port = defaultHTTPSPort
		}
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, newConnectionError(KindNetworkClient, raw, err)
	}
	if !secure {
		return &Connection{Conn: conn}, nil
	}

	tlsConn, err := c.wrapTLS(ctx, asStreamConn(conn), host)
	if err != nil {
		conn.Close() //nolint:errcheck,gosec // handshake error takes precedence
		return nil, newConnectionError(KindTLS, raw, err)
	}
	return &Connection{Conn: tlsConn, encrypted: true}, nil
}

// DialContext implements http.Transport.DialContext for plain HTTP.
func (c *Connector) DialContext(ctx context.Context, _, addr string) (net.Conn, error) {
	return c.Connect(ctx, &url.URL{Scheme: schemeHTTP, Host: addr})
}

// DialTLSContext implements http.Transport.DialTLSContext.
func (c *Connector) DialTLSContext(ctx context.Context, _, addr string) (net.Conn, error) {
	return c.Connect(ctx, &url.URL{Scheme: schemeHTTPS, Host: addr})
}

// Connected describes an established connection to the HTTP client.
// Tor offers no connection reuse signal, so every Connection is fresh.
type Connected struct {
	Reused bool
}

// Connection is a stream through Tor, either plain or TLS wrapped. Reads
// and writes go to whichever variant was established.
//
// Closing a Connection closes the Tor stream underneath it. A TLS wrapped
// Connection sends close_notify first, so the server sees a clean end of
// the session rather than a truncated one.
//
// Design decision: Connection embeds net.Conn instead of exposing separate
// plain and TLS variants. http.Transport only needs a net.Conn, and the
// Encrypted flag is enough for callers that log which kind they got.
type Connection struct {
	net.Conn
	// encrypted is set when Conn is the TLS layer.
	encrypted bool
}

// Connected returns the fresh-connection marker.
func (c *Connection) Connected() Connected {
	return Connected{}
}

// Encrypted reports whether the connection is TLS wrapped.
func (c *Connection) Encrypted() bool {
	return c.encrypted
}

// asStreamConn adds half-close support to conn. The stream returned by
// the SOCKS dialer is a *net.TCPConn, which already has it.
func asStreamConn(conn net.Conn) transport.StreamConn {
	if sc, ok := conn.(transport.StreamConn); ok {
		return sc
	}
	return halfCloser{conn}
}

// halfCloser forwards half-close calls when the wrapped conn supports
// them and treats them as no-ops otherwise.
type halfCloser struct {
	net.Conn
}

func (h halfCloser) CloseRead() error {
	if cr, ok := h.Conn.(interface{ CloseRead() error }); ok {
		return cr.CloseRead()
	}
	return nil
}

func (h halfCloser) CloseWrite() error {
	if cw, ok := h.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
