package model

import "time"

// StatusReport is the snapshot printed by the status command.
//
// Secrets are expected to be redacted by whoever fills the report; the
// writers print the fields as they are.
type StatusReport struct {
	// GeneratedAt is when the snapshot was taken.
	GeneratedAt time.Time `json:"generated_at"`

	// ConfigPath is the file the configuration was read from.
	ConfigPath string `json:"config_path"`

	// Route is the route of a plain request, AnonymousRoute the route of
	// an anonymous one.
	Route          Route `json:"route"`
	AnonymousRoute Route `json:"anonymous_route"`

	// ProxyURL is the configured proxy in use, empty for direct routes.
	ProxyURL string `json:"proxy_url,omitempty"`

	// ListenAddr is where the local SOCKS listener binds.
	ListenAddr string `json:"listen_addr"`

	// Handshake is the result of a SOCKS5 handshake against ListenAddr.
	Handshake string `json:"handshake"`

	// Reachable is true when the handshake succeeded.
	Reachable bool `json:"reachable"`

	TorBinary  string         `json:"tor_binary"`
	UseBridges bool           `json:"use_bridges"`
	Bridges    []BridgeStatus `json:"bridges"`

	// State is the last journaled state, or StateIdle with no journal.
	State State `json:"state"`

	// Events holds the newest journal entries, newest first.
	Events []Event `json:"events"`
}

// BridgeStatus describes one configured bridge.
type BridgeStatus struct {
	Protocol BridgeProtocol `json:"protocol"`

	// Launch is "built-in" or the configured transport executable.
	Launch string `json:"launch"`

	// ConnectionLine is the bridge line with secrets redacted.
	ConnectionLine string `json:"connection_line"`
}

// EventCounts returns how many journal entries entered each state.
func (r *StatusReport) EventCounts() map[State]int {
	counts := make(map[State]int)
	for _, ev := range r.Events {
		counts[ev.State]++
	}
	return counts
}
