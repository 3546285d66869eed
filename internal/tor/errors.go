package tor

import (
	"errors"
	"fmt"
)

// Connection errors. A *ConnectionError matches exactly one of these with
// errors.Is, so callers never inspect library specific error types.
var (
	// ErrUnsupportedScheme is returned for URIs whose scheme is neither http nor https.
	ErrUnsupportedScheme = errors.New("unsupported uri scheme")

	// ErrMissingHost is returned for URIs without a host.
	ErrMissingHost = errors.New("missing hostname in uri")

	// ErrNetworkClient is returned when the stream through Tor cannot be opened.
	ErrNetworkClient = errors.New("tor connection failed")

	// ErrTLS is returned when the TLS handshake over the Tor stream fails.
	ErrTLS = errors.New("tls connection failed")
)

// Client and configuration errors.
var (
	// ErrMalformedBridgeLine is returned for a bridge line that has no
	// address or whose transport prefix does not match its protocol.
	ErrMalformedBridgeLine = errors.New("malformed bridge line")

	// ErrTransportBinaryNotFound is returned when a pluggable transport
	// executable does not exist.
	ErrTransportBinaryNotFound = errors.New("pluggable transport binary not found")

	// ErrTransportPathWhitespace is returned for a pluggable transport path
	// containing whitespace. Tor splits ClientTransportPlugin values on
	// whitespace and has no quoting for them.
	ErrTransportPathWhitespace = errors.New("pluggable transport path contains whitespace")

	// ErrTorBinaryNotFound is returned when the tor executable cannot be resolved.
	ErrTorBinaryNotFound = errors.New("tor executable not found")

	// ErrBootstrapTimeout is returned when Tor does not report 100% bootstrap in time.
	ErrBootstrapTimeout = errors.New("tor bootstrap timed out")

	// ErrDaemonExited is returned when the tor process exits before or after bootstrap.
	ErrDaemonExited = errors.New("tor process exited")

	// ErrClientClosed is returned by a Client after Close.
	ErrClientClosed = errors.New("tor client closed")

	// ErrNoControlPort is returned by PublishOnion when the daemon exposes
	// no control port, as with test launchers.
	ErrNoControlPort = errors.New("tor daemon has no control port")

	// ErrInvalidOnionAddress is returned for .onion hosts that are not valid
	// v3 addresses.
	ErrInvalidOnionAddress = errors.New("invalid v3 onion address")
)

// ErrorKind classifies a ConnectionError.
type ErrorKind int

const (
	// KindUnsupportedScheme: the URI scheme is not http or https.
	KindUnsupportedScheme ErrorKind = iota
	// KindMissingHost: the URI has no host.
	KindMissingHost
	// KindNetworkClient: opening the stream through Tor failed.
	KindNetworkClient
	// KindTLS: the TLS handshake failed.
	KindTLS
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindUnsupportedScheme:
		return "unsupported scheme"
	case KindMissingHost:
		return "missing host"
	case KindNetworkClient:
		return "network client"
	case KindTLS:
		return "tls"
	default:
		return "unknown"
	}
}

// sentinel maps k to the error errors.Is matches for it.
func (k ErrorKind) sentinel() error {
	switch k {
	case KindUnsupportedScheme:
		return ErrUnsupportedScheme
	case KindMissingHost:
		return ErrMissingHost
	case KindNetworkClient:
		return ErrNetworkClient
	case KindTLS:
		return ErrTLS
	default:
		return nil
	}
}

// ConnectionError is the error returned by Connector.
// URI is the target as given by the caller. Err is the underlying cause,
// nil for scheme and host errors.
type ConnectionError struct {
	Kind ErrorKind
	URI  string
	Err  error
}

func newConnectionError(kind ErrorKind, uri string, err error) *ConnectionError {
	return &ConnectionError{Kind: kind, URI: uri, Err: err}
}

// Error returns a message suitable for showing to users.
func (e *ConnectionError) Error() string {
	msg := e.Kind.sentinel().Error()
	switch e.Kind {
	case KindUnsupportedScheme, KindMissingHost:
		return fmt.Sprintf("%s: %s", msg, e.URI)
	}
	if e.Err == nil {
		return msg
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel of e's kind.
func (e *ConnectionError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// ListenerStatus is the result of CheckSOCKS.
type ListenerStatus int

const (
	// ListenerOK: the address answered the SOCKS5 handshake and a CONNECT request.
	ListenerOK ListenerStatus = iota
	// ListenerWrongType: something listens but does not speak unauthenticated SOCKS5.
	ListenerWrongType
	// ListenerCannotConnect: nothing listens on the address.
	ListenerCannotConnect
	// ListenerTimeout: the address did not answer in time.
	ListenerTimeout
)

// String returns a human-readable description of the status.
func (s ListenerStatus) String() string {
	switch s {
	case ListenerOK:
		return "OK"
	case ListenerWrongType:
		return "not a SOCKS5 proxy"
	case ListenerCannotConnect:
		return "cannot connect"
	case ListenerTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}
