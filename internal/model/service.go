package model

// ServicePhase is the lifecycle phase of one hosted onion service.
type ServicePhase int

const (
	// ServiceStarting covers publishing and the wait for the first
	// successful availability check.
	ServiceStarting ServicePhase = iota

	// ServiceRunning means the service answered its last check.
	ServiceRunning

	// ServiceFailed means publishing failed, or a restart after repeated
	// check failures did. It is cleared by the next start.
	ServiceFailed
)

// String returns the lower-case name of the phase.
func (p ServicePhase) String() string {
	switch p {
	case ServiceStarting:
		return "starting"
	case ServiceRunning:
		return "running"
	case ServiceFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ServiceStatus is a snapshot of one hosted onion service.
type ServiceStatus struct {
	// ID is the name the service was started under.
	ID string `json:"id"`

	// Address is the .onion host name, empty until published.
	Address string `json:"address,omitempty"`

	// Port is the local port visitors are forwarded to.
	Port int `json:"port"`

	Phase ServicePhase `json:"phase"`

	// Checking reports whether the availability checker is active.
	Checking bool `json:"checking"`

	// Failures counts consecutive failed checks. A successful check
	// resets it.
	Failures int `json:"failures"`

	// LastError is the latest check or publish failure, cleared by a
	// successful check.
	LastError string `json:"last_error,omitempty"`
}

// MarshalText implements encoding.TextMarshaler.
func (p ServicePhase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}
