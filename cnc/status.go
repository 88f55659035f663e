package cnc

import "fmt"

// State of the machine, as derived by Controller.
type State int

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	case StateError:
		return "Error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MachineStatus is a snapshot of the machine status. It is a value: Controller hands out copies,
// so a snapshot never changes after it is read.
type MachineStatus struct {
	State State
	// Position as reported by the machine, eg: "1,2,3".
	Position    string
	CurrentTool string
	// Human readable description of State.
	Message string
}

var InitialMachineStatus = MachineStatus{
	State:       StateIdle,
	Position:    "0, 0, 0",
	CurrentTool: "None",
	Message:     "Idle",
}

func (s MachineStatus) String() string {
	return fmt.Sprintf("%s: %s (position: %s, tool: %s)", s.State, s.Message, s.Position, s.CurrentTool)
}
