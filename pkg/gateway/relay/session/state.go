package session

// State is the lifecycle position of a relay session. Closed and Error are
// terminal.
type State int32

const (
	StateInitializing State = iota
	StateAgentConnecting
	StateActive
	StateDraining
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateAgentConnecting:
		return "agent_connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}
