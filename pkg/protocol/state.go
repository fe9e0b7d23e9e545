package protocol

// State is the lifecycle state of a single host-driven request.
//
//	Idle -> Dispatched -> Computing -> Succeeded
//	                      Computing -> CallbackInFlight -> Computing
//	                      Computing -> Failed
type State int

const (
	StateIdle State = iota
	StateDispatched
	StateComputing
	StateCallbackInFlight
	StateSucceeded
	StateFailed
)

var stateNames = [...]string{
	StateIdle:             "idle",
	StateDispatched:       "dispatched",
	StateComputing:        "computing",
	StateCallbackInFlight: "callback_in_flight",
	StateSucceeded:        "succeeded",
	StateFailed:           "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is allowed from s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

var transitions = map[State][]State{
	StateIdle:             {StateDispatched},
	StateDispatched:       {StateComputing},
	StateComputing:        {StateSucceeded, StateCallbackInFlight, StateFailed},
	StateCallbackInFlight: {StateComputing, StateFailed},
}

// CanTransition reports whether a request may move from one state to another.
//
// CallbackInFlight -> Failed covers a callback that raises the guest's
// error import on the host side of the boundary; the guest still cannot
// produce a result afterwards.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
