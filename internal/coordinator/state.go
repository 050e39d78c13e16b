package coordinator

// State is the coordinator's lifecycle state.
type State string

const (
	// StateIdle is the initial state before Start.
	StateIdle State = "idle"
	// StateStarting means dependencies are being wired up.
	StateStarting State = "starting"
	// StateRunning means the dispatch loop is live.
	StateRunning State = "running"
	// StateDegraded means the system is over its resource high-water mark;
	// only urgent and high priority tasks dispatch.
	StateDegraded State = "degraded"
	// StateStopping means shutdown is draining in-flight work.
	StateStopping State = "stopping"
	// StateStopped is the terminal state after a clean shutdown.
	StateStopped State = "stopped"
	// StateError is the terminal state after a startup failure.
	StateError State = "error"
)

// Valid returns true if the state is a known value.
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateStarting, StateRunning, StateDegraded,
		StateStopping, StateStopped, StateError:
		return true
	}
	return false
}

// transitions maps each state to the states it may move to. Anything not
// listed is an invalid transition.
var transitions = map[State][]State{
	StateIdle:     {StateStarting},
	StateStarting: {StateRunning, StateError},
	StateRunning:  {StateDegraded, StateStopping},
	StateDegraded: {StateRunning, StateStopping},
	StateStopping: {StateStopped},
}

// canTransition reports whether from may move to to.
func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
