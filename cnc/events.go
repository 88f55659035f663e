package cnc

import "fmt"

// Event is published by Controller to its subscribers.
type Event interface {
	String() string
}

type StatusUpdatedEvent struct {
	Status MachineStatus
}

func (e *StatusUpdatedEvent) String() string {
	return fmt.Sprintf("StatusUpdated(%s)", e.Status)
}

type ErrorOccurredEvent struct {
	Message string
}

func (e *ErrorOccurredEvent) String() string {
	return fmt.Sprintf("ErrorOccurred(%q)", e.Message)
}
