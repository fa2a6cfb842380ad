package vuser

// State is where a load user is in its lifecycle.
type State int32

const (
	StateUninitialized State = iota
	StateActive              // initialized, before the first iteration
	StateIdle                // between tasks
	StateBuilding            // reading chain state and assembling an intent
	StateSigning
	StateSubmitted // broadcast, awaiting receipt
	StateConfirmed
	StateFailed
	StateTimedOut
	StateStopped
)

var stateNames = [...]string{
	StateUninitialized: "uninitialized",
	StateActive:        "active",
	StateIdle:          "idle",
	StateBuilding:      "building",
	StateSigning:       "signing",
	StateSubmitted:     "submitted",
	StateConfirmed:     "confirmed",
	StateFailed:        "failed",
	StateTimedOut:      "timed_out",
	StateStopped:       "stopped",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// States lists every state in lifecycle order.
func States() []State {
	out := make([]State, len(stateNames))
	for i := range out {
		out[i] = State(i)
	}
	return out
}
