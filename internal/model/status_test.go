package model

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRouteMarshalText(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(struct {
		Route Route `json:"route"`
	}{RouteTunnel})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"route":"tor-tunnel"}` {
		t.Errorf("json = %s", data)
	}
}

func TestStatusReportEventCounts(t *testing.T) {
	t.Parallel()

	r := &StatusReport{Events: []Event{
		NewEvent(StateRunning, ""),
		NewEvent(StateStarting, ""),
		NewEvent(StateRunning, ""),
	}}
	counts := r.EventCounts()
	if counts[StateRunning] != 2 || counts[StateStarting] != 1 || counts[StateError] != 0 {
		t.Errorf("EventCounts() = %v", counts)
	}

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"state":"running"`) {
		t.Errorf("events do not encode their state by name: %s", data)
	}
}
