package agent

// State is the lifecycle position of an Agent.
type State int

const (
	StateCreated State = iota
	StateReady
	StateExecuting
	StateError
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateError:
		return "error"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// transitions is the complete table. Anything absent is illegal; in
// particular nothing reaches executing without passing through ready.
var transitions = map[State][]State{
	StateCreated:   {StateReady},
	StateReady:     {StateExecuting, StateTerminated},
	StateExecuting: {StateReady, StateError},
	StateError:     {StateTerminated},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// States lists every state in lifecycle order.
func States() []State {
	return []State{StateCreated, StateReady, StateExecuting, StateError, StateTerminated}
}
