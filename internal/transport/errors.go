package transport

import "errors"

// ErrNoTunnel is returned by SendAnonymous when no proxy is configured
// and no Tor client is available.
var ErrNoTunnel = errors.New("no tor tunnel available")
