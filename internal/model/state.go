package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownState is returned when a state name cannot be parsed.
var ErrUnknownState = errors.New("unknown proxy state")

// State is the lifecycle state of the local SOCKS proxy.
//
// Design decision: a single enum replaces separate running/starting/
// stopping/error flags so that readers never observe a combination that
// no transition produces (for example "not starting and not running" in
// the middle of a start).
type State int

const (
	// StateIdle means no supervisory run is active. It is both the initial
	// state and the state reached after a stop or after the listener died.
	StateIdle State = iota

	// StateStarting covers client construction and listener binding.
	StateStarting

	// StateRunning means the local SOCKS listener is accepting connections.
	StateRunning

	// StateStopping means a stop was requested and the run has not exited yet.
	StateStopping

	// StateError means the last start failed on configuration or client
	// construction. It is cleared by the next start.
	StateError
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Label returns the coarse status shown to users. Stopping is reported as
// "running" until the run has exited.
func (s State) Label() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateRunning, StateStopping:
		return "Running"
	case StateError:
		return "Error"
	default:
		return "Not running"
	}
}

// ParseState parses the output of State.String.
func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "idle":
		return StateIdle, nil
	case "starting":
		return StateStarting, nil
	case "running":
		return StateRunning, nil
	case "stopping":
		return StateStopping, nil
	case "error":
		return StateError, nil
	default:
		return StateIdle, fmt.Errorf("%w: %q", ErrUnknownState, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
