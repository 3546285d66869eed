package model

// Route identifies how an outgoing HTTP request leaves the process.
type Route int

const (
	// RouteDirect dials the destination without any proxy.
	RouteDirect Route = iota
	// RouteSOCKS5 dials through the configured SOCKS5 proxy.
	RouteSOCKS5
	// RouteHTTPProxy sends the request to the configured HTTP proxy
	// (CONNECT for https).
	RouteHTTPProxy
	// RouteTunnel dials through the managed Tor client.
	RouteTunnel
)

// String returns the route name used in logs and reports.
func (r Route) String() string {
	switch r {
	case RouteDirect:
		return "direct"
	case RouteSOCKS5:
		return "socks5"
	case RouteHTTPProxy:
		return "http-proxy"
	case RouteTunnel:
		return "tor-tunnel"
	default:
		return "unknown"
	}
}

// Proxied reports whether the route hands traffic to a third party.
func (r Route) Proxied() bool {
	return r != RouteDirect
}

// MarshalText encodes the route as its name.
func (r Route) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}
