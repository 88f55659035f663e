package cnc

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	fmtMod "github.com/fornellas/cncctl/internal/fmt"
)

type statusChange struct {
	state   State
	message string
}

// command is a high level operation translated to its wire command, with the status changes
// around it.
type command struct {
	operation string
	text      string
	// Optional status set before sending.
	intermediate *statusChange
	final        statusChange
	// Applied together with final.
	onSuccess func(*MachineStatus)
	// Skip the send queue and do not wait for a response.
	immediate bool
}

func newJogCommand(direction string, distance float64) (*command, error) {
	if direction == "" || strings.IndexFunc(direction, unicode.IsSpace) >= 0 {
		return nil, fmt.Errorf("%w: bad direction %#v", ErrInvalidJog, direction)
	}
	if math.IsNaN(distance) || math.IsInf(distance, 0) {
		return nil, fmt.Errorf("%w: bad distance %v", ErrInvalidJog, distance)
	}
	return &command{
		operation:    "Jog",
		text:         fmt.Sprintf("G91 G0 %s%s F100", direction, fmtMod.SprintFloat(distance, 4)),
		intermediate: &statusChange{StateRunning, "Jogging"},
		final:        statusChange{StateIdle, "Jogging completed."},
	}, nil
}

func newHomeCommand() *command {
	return &command{
		operation:    "Home",
		text:         "G28",
		intermediate: &statusChange{StateRunning, "Homing"},
		final:        statusChange{StateIdle, "Homing completed."},
	}
}

func newChangeToolCommand(toolNumber int) (*command, error) {
	if toolNumber < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTool, toolNumber)
	}
	tool := fmt.Sprintf("T%d", toolNumber)
	return &command{
		operation:    "ChangeTool",
		text:         fmt.Sprintf("%s M6", tool),
		intermediate: &statusChange{StateRunning, fmt.Sprintf("Changing tool to %s", tool)},
		final:        statusChange{StateIdle, fmt.Sprintf("Tool changed to %s", tool)},
		onSuccess: func(s *MachineStatus) {
			s.CurrentTool = tool
		},
	}, nil
}

func newEmergencyStopCommand() *command {
	return &command{
		operation:    "EmergencyStop",
		text:         "M112",
		intermediate: &statusChange{StateRunning, "Activating Emergency Stop"},
		final:        statusChange{StateIdle, "Emergency Stop Activated"},
		immediate:    true,
	}
}

func newStartCommand() *command {
	return &command{
		operation:    "Start",
		text:         "M3 S1000",
		intermediate: &statusChange{StateRunning, "Starting CNC..."},
		final:        statusChange{StateIdle, "CNC started."},
	}
}

func newStopCommand() *command {
	return &command{
		operation:    "Stop",
		text:         "M5",
		intermediate: &statusChange{StateRunning, "Stopping CNC..."},
		final:        statusChange{StateIdle, "CNC stopped."},
	}
}

func newPauseCommand() *command {
	return &command{
		operation:    "Pause",
		text:         "M0",
		intermediate: &statusChange{StatePaused, "Pausing CNC..."},
		final:        statusChange{StatePaused, "CNC Paused."},
	}
}
