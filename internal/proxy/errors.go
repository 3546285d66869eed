package proxy

import "errors"

var (
	// ErrNotStarted is returned by Manager.Client before the first
	// successful client construction.
	ErrNotStarted = errors.New("tor client not started")

	// ErrNotRunning is returned by Rebuild when the new run ended before
	// it was serving, for example because the SOCKS port was taken.
	ErrNotRunning = errors.New("proxy not running")

	// ErrManagerClosed is returned by Wait after Close.
	ErrManagerClosed = errors.New("proxy manager closed")

	// errListenerStopped ends the supervisory errgroup when Serve returns
	// without an error.
	errListenerStopped = errors.New("socks listener stopped")
)
