package core

// State is a worker's position in its lifecycle. Pausing is tracked
// separately and does not change the state.
type State int32

const (
	Starting State = iota
	Idle
	Reserving
	Dispatching
	ShuttingDown
	Terminated
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Idle:
		return "idle"
	case Reserving:
		return "reserving"
	case Dispatching:
		return "dispatching"
	case ShuttingDown:
		return "shutting-down"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}
