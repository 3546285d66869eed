// Package proxy supervises the local SOCKS5 endpoint that forwards
// through the managed Tor client.
//
// A Manager owns one Tor client handle for the life of the process and at
// most one supervisory run at a time. Start and Stop never block; callers
// observe progress through State, the Is* helpers or Wait.
//
//	Idle --Start--> Starting --ok--> Running --Stop--> Stopping --> Idle
//	Starting --Stop--> Stopping --> Idle
//	Starting --client construction failed--> Error
//	Running --listener died--> Idle
//
// Start moves an idle manager to Starting before it returns, so a Stop
// issued right after it always has something to cancel. Starts are
// numbered; a Stop cancels every start numbered before it, including
// starts whose goroutine has not been scheduled yet.
//
// # Rebuilding
//
// The client normally lives until Close. Rebuild is the exception: it
// stops the run, closes the client and starts again with one built from
// the current configuration. The host command uses it when an onion
// service stays unreachable, on the theory that the client is stuck on
// bridges that no longer work.
//
// The manager also backs the Tor route of transport.HTTPClient through
// Dialer, so a request sent anonymously uses the same client the SOCKS
// listener forwards through.
//
// Design decision: the manager is a value owned by the composition root
// (the run, fetch and host commands) instead of a package level singleton, and
// its state is a single enum under one mutex, so readers never see a torn
// combination of flags.
package proxy
