// Package service hosts local HTTP servers as onion services on the managed
// Tor client and keeps them reachable.
//
// A Host tracks services by id. Each published service gets an
// availability checker that fetches the service's own onion address
// through Tor:
//
//	publish --> starting --check ok--> running
//	                 \--3 failed checks in a row--> restart
//	publish failed --> failed
//
// A restart removes the service, rebuilds the Tor client when a Rebuilder
// is configured, and publishes again with the same key, so the address
// survives.
//
// Design decision: services are published with ADD_ONION over the control
// port instead of HiddenServiceDir lines in the torrc. Publishing then
// needs no daemon restart, and a service disappears with the process that
// hosts it.
package service
