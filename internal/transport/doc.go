// Package transport picks the network path of outgoing HTTP requests:
// direct, through the configured SOCKS5 or HTTP proxy, or through the
// managed Tor client.
//
// # Route Selection
//
// The route is decided per request from a configuration snapshot:
//
//	use_proxy  use_socks_proxy  Send         SendAnonymous
//	false      -                direct       Tor tunnel
//	true       true             SOCKS5 proxy SOCKS5 proxy
//	true       false            HTTP proxy   HTTP proxy
//
// Route reports the same decision without sending anything, which the
// status command uses to show where requests would go.
//
// # Tor Tunnel
//
// The tunnel is any TunnelSource. In the CLI it is a *proxy.Manager, so
// fetch and host reuse the client the manager built and bootstrapped.
// Each anonymous request gets an isolation key of its own when the dialer
// supports it, and https is negotiated by tor.Connector on top of the Tor
// stream.
//
// Design decision: a configured proxy takes precedence over the tunnel
// even for SendAnonymous. Users who point onionproxy at a system Tor
// daemon do so through socks_proxy_url, and that daemon must not be
// bypassed by a second Tor client.
package transport
