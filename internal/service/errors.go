package service

import "errors"

var (
	// ErrInvalidSpec is returned by Start for an id that is not a plain
	// name or a port outside 1-65535.
	ErrInvalidSpec = errors.New("invalid onion service spec")

	// ErrUnknownService is returned for an id the host does not track.
	ErrUnknownService = errors.New("unknown onion service")

	// ErrStoppedDuringStart is returned by Start when Stop removed the
	// service while it was being published.
	ErrStoppedDuringStart = errors.New("onion service stopped during start")

	// ErrHostClosed is returned after Close.
	ErrHostClosed = errors.New("onion service host closed")

	// ErrHostingUnsupported is returned when the Tor client cannot publish
	// onion services.
	ErrHostingUnsupported = errors.New("tor client cannot host onion services")
)
