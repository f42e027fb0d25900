package reqctx

import "fmt"

// State is a point in the execution context lifecycle. Transitions only move
// forward: Created, Initialized, Executing, then Completed or Faulted, and
// finally Released.
type State int32

const (
	StateCreated State = iota
	StateInitialized
	StateExecuting
	StateCompleted
	StateFaulted
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateFaulted:
		return "faulted"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
