// Package cnc sequences high level machine operations on top of a transport, and derives the
// machine status from the operations results and from the telemetry received.
package cnc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fornellas/slogxt/log"

	brokerMod "github.com/fornellas/cncctl/broker"
	"github.com/fornellas/cncctl/errhandler"
	transportMod "github.com/fornellas/cncctl/transport"
)

const subscriberName = "cnc.Controller"

// Transport is what Controller needs from transport.Transport.
type Transport interface {
	SendCommand(ctx context.Context, command string, timeout time.Duration) (bool, error)
	SendImmediate(ctx context.Context, command string) (bool, error)
	Subscribe(name string, size int) <-chan transportMod.Event
	Unsubscribe(name string)
}

type ControllerOptions struct {
	// How long to wait for the machine to acknowledge each command.
	CommandTimeout time.Duration
}

var DefaultControllerOptions = ControllerOptions{
	CommandTimeout: 2 * time.Second,
}

// Controller translates operations (jog, home etc) to wire commands and keeps track of the
// machine status. Status changes are published as StatusUpdatedEvent, and failures as
// ErrorOccurredEvent.
//
// Telemetry is only processed while Worker runs.
type Controller struct {
	*brokerMod.Broker[Event]

	transport      Transport
	errorHandler   errhandler.ErrorHandler
	commandTimeout time.Duration
	transportCh    <-chan transportMod.Event

	mu     sync.Mutex
	status MachineStatus
}

func NewController(
	transport Transport,
	errorHandler errhandler.ErrorHandler,
	options *ControllerOptions,
) *Controller {
	commandTimeout := DefaultControllerOptions.CommandTimeout
	if options != nil && options.CommandTimeout > 0 {
		commandTimeout = options.CommandTimeout
	}
	return &Controller{
		Broker:         brokerMod.NewBroker[Event](),
		transport:      transport,
		errorHandler:   errorHandler,
		commandTimeout: commandTimeout,
		// subscribed right away, so no line received before Worker starts is lost
		transportCh: transport.Subscribe(subscriberName, 50),
		status:      InitialMachineStatus,
	}
}

func (c *Controller) publish(ctx context.Context, event Event) {
	if err := c.Broker.Publish(event); err != nil {
		log.MustLogger(ctx).Debug("Event not published", "event", event, "err", err)
	}
}

func (c *Controller) publishError(ctx context.Context, message string) {
	c.publish(ctx, &ErrorOccurredEvent{Message: message})
}

// updateStatus applies fn to the status and publishes the result. State and Message are always
// changed together under the lock, so no reader sees a mixed pair.
func (c *Controller) updateStatus(ctx context.Context, fn func(*MachineStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.status)
	status := c.status
	log.MustLogger(ctx).Debug("Status updated", "state", status.State, "message", status.Message)
	c.publish(ctx, &StatusUpdatedEvent{Status: status})
}

func (c *Controller) setState(ctx context.Context, state State, message string) {
	c.updateStatus(ctx, func(s *MachineStatus) {
		s.State = state
		s.Message = message
	})
}

// GetCurrentStatus returns the latest status snapshot.
func (c *Controller) GetCurrentStatus() MachineStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) send(ctx context.Context, cmd *command) (bool, error) {
	if cmd.immediate {
		return c.transport.SendImmediate(ctx, cmd.text)
	}
	return c.transport.SendCommand(ctx, cmd.text, c.commandTimeout)
}

// execute runs the two phase status update around cmd: intermediate status, send, final status.
//
//gocyclo:ignore
func (c *Controller) execute(ctx context.Context, cmd *command) error {
	ctx, logger := log.MustWithAttrs(ctx, "operation", cmd.operation, "command", cmd.text)

	previous := c.GetCurrentStatus()
	if cmd.intermediate != nil {
		c.setState(ctx, cmd.intermediate.state, cmd.intermediate.message)
	}

	ok, err := c.send(ctx, cmd)

	if err == nil && ok {
		c.updateStatus(ctx, func(s *MachineStatus) {
			s.State = cmd.final.state
			s.Message = cmd.final.message
			if cmd.onSuccess != nil {
				cmd.onSuccess(s)
			}
		})
		logger.Info(cmd.final.message)
		return nil
	}

	if err == nil {
		opErr := &OperationError{Operation: cmd.operation, Command: cmd.text, Err: ErrNotAcknowledged}
		message := fmt.Sprintf("Failed to execute command: %s", cmd.text)
		c.errorHandler.HandleError(ctx, opErr, message)
		c.publishError(ctx, message)
		return opErr
	}

	opErr := &OperationError{Operation: cmd.operation, Command: cmd.text, Err: err}

	if errors.Is(err, transportMod.ErrCanceled) {
		if cmd.intermediate != nil {
			c.updateStatus(ctx, func(s *MachineStatus) {
				if s.State == cmd.intermediate.state && s.Message == cmd.intermediate.message {
					s.State = previous.State
					s.Message = previous.Message
				}
			})
		}
		message := fmt.Sprintf("Command '%s' was canceled.", cmd.text)
		logger.Info(message)
		c.publishError(ctx, message)
		return opErr
	}

	message := fmt.Sprintf("Error executing command: %s", cmd.text)
	c.errorHandler.HandleError(ctx, opErr, message)
	c.publishError(ctx, message)
	return opErr
}

// Jog moves the given axis direction (eg: "X", "Y-") by distance, relative to the current
// position.
func (c *Controller) Jog(ctx context.Context, direction string, distance float64) error {
	cmd, err := newJogCommand(direction, distance)
	if err != nil {
		return &OperationError{Operation: "Jog", Err: err}
	}
	return c.execute(ctx, cmd)
}

func (c *Controller) Home(ctx context.Context) error {
	return c.execute(ctx, newHomeCommand())
}

func (c *Controller) ChangeTool(ctx context.Context, toolNumber int) error {
	cmd, err := newChangeToolCommand(toolNumber)
	if err != nil {
		return &OperationError{Operation: "ChangeTool", Err: err}
	}
	return c.execute(ctx, cmd)
}

// EmergencyStop sends M112 right away, ahead of any command waiting for its response, and does
// not wait for an acknowledgement.
func (c *Controller) EmergencyStop(ctx context.Context) error {
	return c.execute(ctx, newEmergencyStopCommand())
}

func (c *Controller) Start(ctx context.Context) error {
	return c.execute(ctx, newStartCommand())
}

func (c *Controller) Stop(ctx context.Context) error {
	return c.execute(ctx, newStopCommand())
}

func (c *Controller) Pause(ctx context.Context) error {
	return c.execute(ctx, newPauseCommand())
}

// ProcessTelemetry updates the status from a line received from the machine. Lines that are not
// recognized are ignored.
func (c *Controller) ProcessTelemetry(ctx context.Context, line string) {
	switch {
	case strings.Contains(line, "ALARM"):
		log.MustLogger(ctx).Warn("Alarm", "line", line)
		c.setState(ctx, StateError, "Alarm")
		c.publishError(ctx, "CNC Alarm Detected")
	case strings.HasPrefix(line, "Position:"):
		position := strings.TrimSpace(strings.TrimPrefix(line, "Position:"))
		c.updateStatus(ctx, func(s *MachineStatus) {
			s.Position = position
			s.State = StateRunning
			s.Message = "Position Updated"
		})
	case strings.Contains(line, "ok"):
		c.setState(ctx, StateIdle, "Idle")
	default:
		log.MustLogger(ctx).Debug("Ignoring telemetry", "line", line)
	}
}

// Worker processes lines received by the transport, in order, until ctx is done.
func (c *Controller) Worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			err := ctx.Err()
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			return err
		case event, ok := <-c.transportCh:
			if !ok {
				return fmt.Errorf("cnc: transport event channel closed")
			}
			if dataReceivedEvent, ok := event.(*transportMod.DataReceivedEvent); ok {
				c.ProcessTelemetry(ctx, dataReceivedEvent.Data)
			}
		}
	}
}

// Close stops receiving transport events and closes all subscriber channels.
func (c *Controller) Close() {
	c.transport.Unsubscribe(subscriberName)
	c.Broker.Close()
}
