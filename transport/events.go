package transport

import "fmt"

// Event is published by Transport to its subscribers.
type Event interface {
	String() string
}

// DataReceivedEvent carries one line received from the machine, without its terminator.
type DataReceivedEvent struct {
	Data string
}

func (e *DataReceivedEvent) String() string {
	return fmt.Sprintf("DataReceived(%q)", e.Data)
}

type ConnectionOpenedEvent struct{}

func (e *ConnectionOpenedEvent) String() string {
	return "ConnectionOpened"
}

type ConnectionClosedEvent struct{}

func (e *ConnectionClosedEvent) String() string {
	return "ConnectionClosed"
}

type ErrorOccurredEvent struct {
	Message string
}

func (e *ErrorOccurredEvent) String() string {
	return fmt.Sprintf("ErrorOccurred(%q)", e.Message)
}
