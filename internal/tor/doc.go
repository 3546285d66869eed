// Package tor drives a Tor client and tunnels HTTP traffic through it.
//
// The package has four parts:
//
//   - bridges: BuildBridges and Plugins translate configured bridges into
//     torrc Bridge and ClientTransportPlugin lines.
//   - the anonymity client: Client launches the tor executable with a
//     generated torrc, waits for bootstrap, verifies the control port with
//     tornago and dials streams through the daemon's SOCKS port.
//   - the tunnel connector: Connector turns a URI into a plain or TLS
//     wrapped stream through the client and reports failures as
//     *ConnectionError.
//   - diagnostics: CheckSOCKS checks that an address speaks SOCKS5 and
//     CheckExit asks check.torproject.org whether traffic exits through Tor.
//
// Design decision: the Tor protocol is not reimplemented. The client runs
// the tor executable and talks to it over its SOCKS and control ports,
// which keeps bridge and pluggable transport support identical to Tor
// Browser's.
package tor
