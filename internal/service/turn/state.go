package turn

// State is the position of a turn in its lifecycle. Failed is reachable from
// every other state; Done and Failed are terminal.
type State int32

const (
	StateResolvingSession State = iota
	StateAssemblingContext
	StateStreaming
	StatePersisting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateResolvingSession:
		return "RESOLVING_SESSION"
	case StateAssemblingContext:
		return "ASSEMBLING_CONTEXT"
	case StateStreaming:
		return "STREAMING"
	case StatePersisting:
		return "PERSISTING"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}
