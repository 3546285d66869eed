package transport

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"github.com/nao1215/onionproxy/internal/config"
	"github.com/nao1215/onionproxy/internal/log"
	"github.com/nao1215/onionproxy/internal/model"
	"github.com/nao1215/onionproxy/internal/tor"
)

// DefaultTimeout bounds a whole request, body included.
const DefaultTimeout = 60 * time.Second

// ProxyKind is the protocol spoken to a configured proxy.
type ProxyKind int

const (
	// ProxySOCKS5 is a SOCKS5 proxy dialed by x/net/proxy.
	ProxySOCKS5 ProxyKind = iota
	// ProxyHTTP is an HTTP proxy used through http.ProxyURL.
	ProxyHTTP
)

// ProxyTarget is the proxy selected from the configuration.
type ProxyTarget struct {
	Kind ProxyKind
	URL  *url.URL
}

// ConfigSource provides the current configuration.
type ConfigSource interface {
	Snapshot() *config.Config
}

// TunnelSource hands out the Tor dialer. *proxy.Manager implements it by
// returning the client it owns; TunnelFunc adapts anything else.
type TunnelSource interface {
	Dialer() (tor.ContextDialer, error)
}

// isolator is implemented by dialers that can separate Tor circuits per key.
type isolator interface {
	Isolated(key string) tor.ContextDialer
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithTunnel enables the Tor route of SendAnonymous.
func WithTunnel(t TunnelSource) Option {
	return func(c *HTTPClient) {
		c.tunnel = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *HTTPClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithConnectorOptions passes options to the Tor connector, for example a
// TLS wrapper trusting a test CA.
func WithConnectorOptions(opts ...tor.ConnectorOption) Option {
	return func(c *HTTPClient) {
		c.connectorOpts = append(c.connectorOpts, opts...)
	}
}

// HTTPClient sends requests over the route chosen from the configuration
// at call time, so a config change applies to the next request.
//
// Two entry points exist. Send goes direct unless a proxy is configured.
// SendAnonymous never goes direct: without a configured proxy it uses the
// Tor tunnel, and without a tunnel it fails with ErrNoTunnel.
//
// HTTPClient is safe for concurrent use. Each request builds its own
// http.Transport, so nothing is shared between requests except the
// configuration source and the tunnel.
//
// Design decision: We rebuild the transport per request instead of caching
// one per route. Caching would keep a connection pool tied to a proxy the
// user may have just switched away from, and a pooled Tor stream would
// share a circuit across requests that asked for isolation. The cost is a
// fresh handshake per request, which Tor latency dwarfs anyway.
type HTTPClient struct {
	// source is read on every request; see Route.
	source ConfigSource
	// tunnel is nil unless WithTunnel was given.
	tunnel        TunnelSource
	logger        *slog.Logger
	timeout       time.Duration
	connectorOpts []tor.ConnectorOption
}

// NewHTTPClient returns an HTTPClient reading its settings from source.
func NewHTTPClient(source ConfigSource, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		source:  source,
		logger:  log.Discard(),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Select returns the proxy configured in cfg, or nil when use_proxy is off.
// With use_proxy on, use_socks_proxy picks SOCKS5 over HTTP; the chosen
// address must parse or the error from the config accessor is returned.
func Select(cfg *config.Config) (*ProxyTarget, error) {
	if !cfg.UseProxy {
		return nil, nil
	}
	if cfg.UseSocksProxy {
		u, err := cfg.SocksProxy()
		if err != nil {
			return nil, err
		}
		return &ProxyTarget{Kind: ProxySOCKS5, URL: u}, nil
	}
	u, err := cfg.HTTPProxy()
	if err != nil {
		return nil, err
	}
	return &ProxyTarget{Kind: ProxyHTTP, URL: u}, nil
}

// Route reports the route the next Send (anonymous false) or
// SendAnonymous (anonymous true) would take.
func (c *HTTPClient) Route(anonymous bool) (model.Route, error) {
	target, err := Select(c.source.Snapshot())
	if err != nil {
		return model.RouteDirect, err
	}
	switch {
	case target == nil && anonymous:
		return model.RouteTunnel, nil
	case target == nil:
		return model.RouteDirect, nil
	case target.Kind == ProxySOCKS5:
		return model.RouteSOCKS5, nil
	default:
		return model.RouteHTTPProxy, nil
	}
}

// Send performs req directly or through the configured proxy. Transport
// errors are returned as net/http reports them.
func (c *HTTPClient) Send(req *http.Request) (*http.Response, error) {
	target, err := Select(c.source.Snapshot())
	if err != nil {
		return nil, err
	}
	return c.do(req, target)
}

// SendAnonymous performs req through the configured proxy, or through the
// Tor client on a circuit of its own when no proxy is configured.
//
// A configured proxy wins over the tunnel because the user chose it
// explicitly. When the tunnel's dialer supports isolation, every call gets
// a random SOCKS username so Tor builds a separate circuit.
func (c *HTTPClient) SendAnonymous(req *http.Request) (*http.Response, error) {
	target, err := Select(c.source.Snapshot())
	if err != nil {
		return nil, err
	}
	if target != nil {
		return c.do(req, target)
	}

	if c.tunnel == nil {
		return nil, ErrNoTunnel
	}
	dialer, err := c.tunnel.Dialer()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTunnel, err)
	}
	if iso, ok := dialer.(isolator); ok {
		dialer = iso.Isolated(isolationKey())
	}

	connector := tor.NewConnector(dialer, c.connectorOpts...)
	tr := &http.Transport{
		DialContext:       connector.DialContext,
		DialTLSContext:    connector.DialTLSContext,
		DisableKeepAlives: true,
	}
	c.logger.Debug("sending request", "route", model.RouteTunnel.String(), "url", req.URL.String())
	return c.httpClient(tr).Do(req)
}

// do sends req directly or through target, which may be nil.
func (c *HTTPClient) do(req *http.Request, target *ProxyTarget) (*http.Response, error) {
	tr, err := newTransport(target)
	if err != nil {
		return nil, err
	}
	route := model.RouteDirect
	if target != nil {
		route = model.RouteHTTPProxy
		if target.Kind == ProxySOCKS5 {
			route = model.RouteSOCKS5
		}
	}
	c.logger.Debug("sending request", "route", route.String(), "url", req.URL.String())
	return c.httpClient(tr).Do(req)
}

func (c *HTTPClient) httpClient(tr *http.Transport) *http.Client {
	return &http.Client{Transport: tr, Timeout: c.timeout}
}

// newTransport builds a single-use transport. Keep-alives are disabled
// because the transport is dropped after one request.
func newTransport(target *ProxyTarget) (*http.Transport, error) {
	tr := &http.Transport{
		Proxy:               nil,
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if target == nil {
		tr.DialContext = (&net.Dialer{Timeout: 30 * time.Second}).DialContext
		return tr, nil
	}

	switch target.Kind {
	case ProxySOCKS5:
		d, err := proxy.FromURL(target.URL, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 proxy %s: %w", target.URL.Redacted(), err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 proxy %s: dialer does not support contexts", target.URL.Redacted())
		}
		tr.DialContext = cd.DialContext
	case ProxyHTTP:
		tr.Proxy = http.ProxyURL(target.URL)
	}
	return tr, nil
}

// isolationKey returns a random SOCKS username so that Tor builds a
// separate circuit for the request.
func isolationKey() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "onionproxy"
	}
	return hex.EncodeToString(b)
}

// TunnelFunc adapts a function to TunnelSource.
type TunnelFunc func() (tor.ContextDialer, error)

// Dialer calls f.
func (f TunnelFunc) Dialer() (tor.ContextDialer, error) {
	return f()
}
