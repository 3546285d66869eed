package model

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// BridgeProtocol names a pluggable transport.
type BridgeProtocol string

const (
	// BridgeWebtunnel disguises Tor traffic as HTTPS to a web server.
	BridgeWebtunnel BridgeProtocol = "webtunnel"
	// BridgeObfs4 is the randomized-stream obfuscation transport.
	BridgeObfs4 BridgeProtocol = "obfs4"
	// BridgeSnowflake relays through volunteer WebRTC proxies.
	BridgeSnowflake BridgeProtocol = "snowflake"
)

// BridgeProtocols lists the supported protocols in the order they are
// offered to users. The first entry is the default.
var BridgeProtocols = []BridgeProtocol{BridgeWebtunnel, BridgeObfs4, BridgeSnowflake}

var upperCaser = cases.Upper(language.Und)

// DisplayName returns the protocol name as shown to users ("OBFS4").
func (p BridgeProtocol) DisplayName() string {
	return upperCaser.String(string(p))
}

// Known reports whether p is one of BridgeProtocols.
func (p BridgeProtocol) Known() bool {
	for _, known := range BridgeProtocols {
		if p == known {
			return true
		}
	}
	return false
}

// ParseBridgeProtocol normalizes a user supplied protocol name.
// The boolean is false for unsupported protocols.
func ParseBridgeProtocol(s string) (BridgeProtocol, bool) {
	p := BridgeProtocol(strings.ToLower(strings.TrimSpace(s)))
	return p, p.Known()
}
