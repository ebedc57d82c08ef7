// Package logic contains the pure latching state machine for a single output.
// This package has NO external dependencies (no GPIO, MQTT, OS, or time.Sleep).
// Time enters only through the Timer collaborator and time.Time parameters.
package logic

import "time"

// State represents the logical state of the output.
type State string

const (
	StateOn  State = "ON"
	StateOff State = "OFF"
)

// StateOf converts a boolean output level to a State.
func StateOf(on bool) State {
	if on {
		return StateOn
	}
	return StateOff
}

// EventType represents an output transition event.
type EventType string

const (
	EventOutputOn  EventType = "OUTPUT_ON"
	EventOutputOff EventType = "OUTPUT_OFF"
)

// Event represents an output transition to be published.
type Event struct {
	Timestamp time.Time
	Type      EventType
	State     State
}

// NewEvent builds the event for a transition to on at time t.
func NewEvent(t time.Time, on bool) Event {
	e := Event{Timestamp: t, Type: EventOutputOff, State: StateOff}
	if on {
		e.Type = EventOutputOn
		e.State = StateOn
	}
	return e
}

// Regime is the observable phase of the controller.
type Regime uint8

const (
	// RegimeSettled: output matches the request and no latch window is open.
	RegimeSettled Regime = iota

	// RegimeLatched: output matches the request but the latch window from the
	// last transition is still counting down.
	RegimeLatched

	// RegimePending: the request differs from the output and is held back by the latch.
	RegimePending
)

// String returns a human-readable regime name.
func (r Regime) String() string {
	switch r {
	case RegimeSettled:
		return "SETTLED"
	case RegimeLatched:
		return "LATCHED"
	case RegimePending:
		return "PENDING"
	default:
		return "UNKNOWN"
	}
}

// LatchTimes holds the minimum hold durations for each output state.
type LatchTimes struct {
	On  time.Duration
	Off time.Duration
}

// LatchUpdate is a partial change to LatchTimes. Nil fields keep their value.
type LatchUpdate struct {
	On  *time.Duration
	Off *time.Duration
}

// Apply returns lt with the set fields of u replaced.
func (u LatchUpdate) Apply(lt LatchTimes) LatchTimes {
	if u.On != nil {
		lt.On = *u.On
	}
	if u.Off != nil {
		lt.Off = *u.Off
	}
	return lt
}

// EventCounts tracks the number of each transition since construction.
type EventCounts struct {
	On  int
	Off int
}

// HeartbeatData contains information for a heartbeat event.
type HeartbeatData struct {
	Timestamp time.Time
	Uptime    time.Duration
	Counts    EventCounts
}
