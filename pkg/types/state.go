package types

// State is the lifecycle state of a subscription set.
//
// The integer codes are persisted in the subscription-set table and are a
// contract with on-disk data: new states must be appended, never renumbered.
type State int

// Subscription set states. A set progresses through these states as the
// server acknowledges, bootstraps, and catches it up.
const (
	// StateUncommitted is an in-progress mutable set that has not been
	// persisted. Only valid for a MutableSubscriptionSet.
	StateUncommitted State = 0
	// StatePending is persisted locally but not yet acknowledged by the
	// server.
	StatePending State = 1
	// StateBootstrapping means the server is currently sending the initial
	// data matching this set.
	StateBootstrapping State = 2
	// StateComplete is the active set, fully synchronized with the server.
	StateComplete State = 3
	// StateError means the server rejected this set; the error string on
	// the set has details. Terminal.
	StateError State = 4
	// StateSuperseded means a later set reached Complete before this one
	// did. Terminal.
	StateSuperseded State = 5
	// StateAwaitingMark means the final bootstrap message has arrived and
	// the client is waiting for the download mark that declares the set
	// caught up to history.
	StateAwaitingMark State = 6
)

// validStates is the set of recognized persisted state codes.
var validStates = map[State]bool{
	StateUncommitted:   true,
	StatePending:       true,
	StateBootstrapping: true,
	StateComplete:      true,
	StateError:         true,
	StateSuperseded:    true,
	StateAwaitingMark:  true,
}

// Valid reports whether s is a recognized state code.
func (s State) Valid() bool {
	return validStates[s]
}

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	return s == StateError || s == StateSuperseded
}

// NotifyOrder returns the position of s in the notification ordering
// Pending < Bootstrapping < AwaitingMark < Complete. Terminal states and
// Uncommitted have no position and return 0; they are handled separately
// by the notification machinery.
func (s State) NotifyOrder() int {
	switch s {
	case StatePending:
		return 1
	case StateBootstrapping:
		return 2
	case StateAwaitingMark:
		return 3
	case StateComplete:
		return 4
	default:
		return 0
	}
}

// String returns the state name used in logs and CLI output.
func (s State) String() string {
	switch s {
	case StateUncommitted:
		return "Uncommitted"
	case StatePending:
		return "Pending"
	case StateBootstrapping:
		return "Bootstrapping"
	case StateComplete:
		return "Complete"
	case StateError:
		return "Error"
	case StateSuperseded:
		return "Superseded"
	case StateAwaitingMark:
		return "AwaitingMark"
	default:
		return "Unknown"
	}
}
