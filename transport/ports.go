package transport

import (
	"context"
	"fmt"

	"github.com/fornellas/slogxt/log"
	"go.bug.st/serial"
)

// OpenSerialPort is the OpenPortFn for local serial ports.
func OpenSerialPort(ctx context.Context, portName string, mode *serial.Mode) (serial.Port, error) {
	return serial.Open(portName, mode)
}

// GetAvailablePorts lists serial ports visible to the host. It never fails: errors are logged,
// published as ErrorOccurredEvent and an empty list is returned.
func (t *Transport) GetAvailablePorts(ctx context.Context) []string {
	logger := log.MustLogger(ctx)
	ports, err := t.options.ListPortsFn()
	if err != nil {
		logger.Error("Failed to list ports", "err", err)
		t.publish(ctx, &ErrorOccurredEvent{Message: fmt.Sprintf("Failed to list ports: %s", err)})
		return []string{}
	}
	if ports == nil {
		return []string{}
	}
	logger.Debug("Available ports", "ports", ports)
	return ports
}
