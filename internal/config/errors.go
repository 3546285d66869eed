package config

import "errors"

// Configuration validation errors returned by Config.Validate.
//
// Design decision: sentinel errors let callers branch with errors.Is while
// Validate wraps them with the offending value for the message.
var (
	// ErrInvalidSocksPort is returned when tor.socks_port is outside 1-65535.
	ErrInvalidSocksPort = errors.New("invalid socks port: must be between 1 and 65535")

	// ErrMissingProxyURL is returned when use_proxy is enabled but the URL for
	// the selected proxy kind is empty.
	ErrMissingProxyURL = errors.New("proxy enabled but no proxy url configured")

	// ErrInvalidProxyURL is returned when a proxy URL cannot be parsed or has
	// a scheme that does not match its kind.
	ErrInvalidProxyURL = errors.New("invalid proxy url")

	// ErrInvalidBootstrapTimeout is returned when tor.bootstrap_timeout is not positive.
	ErrInvalidBootstrapTimeout = errors.New("invalid bootstrap timeout: must be positive")

	// ErrMissingDirectory is returned when one of the Tor directories is empty.
	ErrMissingDirectory = errors.New("tor directory not configured")

	// ErrUnknownBridgeProtocol is returned for a bridge whose protocol is not
	// webtunnel, obfs4 or snowflake.
	ErrUnknownBridgeProtocol = errors.New("unknown bridge protocol")

	// ErrEmptyBridgeLine is returned for a bridge without a connection line.
	ErrEmptyBridgeLine = errors.New("bridge connection line is empty")

	// ErrUnknownLauncher is returned when tor.launcher is neither exec nor tornago.
	ErrUnknownLauncher = errors.New("unknown tor launcher")

	// ErrLauncherBridges is returned when bridges are enabled with the
	// tornago launcher, which cannot configure them.
	ErrLauncherBridges = errors.New("the tornago launcher does not support bridges")

	// ErrUnknownKey is returned by Config.Set for an unsupported key.
	ErrUnknownKey = errors.New("unknown configuration key")
)

// ErrConfigNotFound is returned by LoadFile when the file does not exist.
var ErrConfigNotFound = errors.New("configuration file not found")
