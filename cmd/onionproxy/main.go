// Package main provides the entry point for the onionproxy CLI.
//
// onionproxy runs a local SOCKS5 proxy backed by a managed Tor client and
// sends HTTP requests directly, through a configured proxy or over Tor.
//
// Usage:
//
//	onionproxy run
//	onionproxy fetch --anonymous https://example.com/
//	onionproxy status
//
// See --help for all available options.
package main

// main is the entry point for onionproxy.
func main() {
	Execute()
}
