package cnc

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAcknowledged means the machine did not answer the command in time, or the transport
	// was not connected.
	ErrNotAcknowledged = errors.New("command not acknowledged")
	ErrInvalidJog      = errors.New("invalid jog")
	ErrInvalidTool     = errors.New("invalid tool number")
)

// OperationError is returned by Controller operations that failed.
type OperationError struct {
	// Operation name, eg: "Jog".
	Operation string
	// Wire command, eg: "G91 G0 X10 F100".
	Command string
	Err     error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s command failed.", e.Operation)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}
