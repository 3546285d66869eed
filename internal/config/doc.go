// Package config holds the transport settings of onionproxy: whether
// outgoing requests use a proxy, which proxy, and how the local Tor client
// is configured (SOCKS port, bridges, on-disk directories).
//
// Settings are stored as YAML in the XDG config directory. A Store keeps
// the loaded Config in memory and writes every mutation to disk before
// returning, so a crash right after a settings change never loses it.
package config
