package model

import "time"

// Event records one lifecycle transition of the proxy manager.
type Event struct {
	// ID is assigned by the journal. Zero for events not yet stored.
	ID int64 `json:"id,omitempty"`

	// Time is when the transition happened.
	Time time.Time `json:"time"`

	// State is the state entered.
	State State `json:"state"`

	// Message carries the reason, for example the construction error that
	// led to StateError or the listener error that ended a run.
	Message string `json:"message,omitempty"`
}

// NewEvent creates an Event stamped with the current time.
func NewEvent(state State, message string) Event {
	return Event{
		Time:    time.Now().UTC(),
		State:   state,
		Message: message,
	}
}
