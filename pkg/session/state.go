package session

import (
	"fmt"
)

// State is the connection state of a Session.
// It is one of Idle, Connecting, Connected, Disconnected, Retrying or Failed.
type State interface {
	fmt.Stringer
	isState()
}

// Idle is the initial state; no connection was attempted yet.
type Idle struct{}

// Connecting means a connect request was issued and has no result yet.
type Connecting struct{}

// Connected means the transport confirmed the connection; heartbeat is active.
type Connected struct{}

// Disconnected means the connection was closed or lost and no retry is running.
type Disconnected struct{}

// Retrying means a backoff delay is running before the next connect attempt.
type Retrying struct {
	// Attempt is the 1-based count of this retry cycle.
	Attempt int
}

// Failed means the session gave up until a manual retry or,
// for a reachability failure, until the network comes back.
type Failed struct {
	Reason string
}

func (Idle) isState()         {}
func (Connecting) isState()   {}
func (Connected) isState()    {}
func (Disconnected) isState() {}
func (Retrying) isState()     {}
func (Failed) isState()       {}

func (Idle) String() string         { return "Idle" }
func (Connecting) String() string   { return "Connecting" }
func (Connected) String() string    { return "Connected" }
func (Disconnected) String() string { return "Disconnected" }
func (r Retrying) String() string   { return fmt.Sprintf("Retrying(%d)", r.Attempt) }
func (f Failed) String() string     { return fmt.Sprintf("Failed(%s)", f.Reason) }

// Failure reasons.
const (
	ReasonNoInternet = "no internet connection"
)

func exhaustedReason(attempts int) string {
	return fmt.Sprintf("Unable to reconnect after %d attempts", attempts)
}

// Label returns the lower-case state name without payload,
// as used for metric labels.
func Label(s State) string {
	switch s.(type) {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Retrying:
		return "retrying"
	case Failed:
		return "failed"
	default:
		panic(fmt.Sprintf("BUG: unknown session state %T", s))
	}
}

// StateEvent describes a state change.
type StateEvent struct {
	Old State
	New State
}
