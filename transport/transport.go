// Package transport owns the serial connection to the machine: connection with retry, the
// background reader that frames received lines and correlation of sent commands with the next
// received line.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fornellas/slogxt/log"
	"go.bug.st/serial"

	brokerMod "github.com/fornellas/cncctl/broker"
)

// LineTerminator is appended to every command written to the machine.
const LineTerminator = "\r\n"

const (
	responseChSize = 50
	readBufferSize = 256
	// Longer lines are dropped.
	maxLineSize = 4096
)

type ConnectionState int

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateDisconnected:
		return "Disconnected"
	case ConnectionStateConnecting:
		return "Connecting"
	case ConnectionStateConnected:
		return "Connected"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// OpenPortFn opens portName with the given mode. It is OpenSerialPort for local ports, or a
// function dialing a TCP bridge.
type OpenPortFn func(ctx context.Context, portName string, mode *serial.Mode) (serial.Port, error)

// SleepFn waits for d, returning early with the context error if ctx is done.
type SleepFn func(ctx context.Context, d time.Duration) error

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Options struct {
	// Number of open attempts on Connect.
	MaxAttempts int
	// Backoff after the first failed attempt; it doubles for every following attempt.
	InitialDelay time.Duration
	// Serial read timeout. Reads poll with it so the reader can be stopped.
	ReadTimeout time.Duration
	// Wait after a failed read, before reading again.
	ReadErrorDelay time.Duration
	// Used for the connection backoff.
	SleepFn SleepFn
	ListPortsFn func() ([]string, error)
}

var DefaultOptions = Options{
	MaxAttempts:    3,
	InitialDelay:   500 * time.Millisecond,
	ReadTimeout:    100 * time.Millisecond,
	ReadErrorDelay: 100 * time.Millisecond,
	SleepFn:        sleep,
	ListPortsFn:    serial.GetPortsList,
}

// Transport exchanges command lines with the machine over a single serial connection.
//
// Received lines are published as DataReceivedEvent, in order, and are also fed to the response
// correlator used by SendCommand. Sends are serialized: at most one SendCommand is in flight at
// any time, others wait for their turn (or for their context to be done).
type Transport struct {
	*brokerMod.Broker[Event]

	openPortFn OpenPortFn
	options    Options

	mu               sync.Mutex
	state            ConnectionState
	port             serial.Port
	portName         string
	readCtxCancel    context.CancelFunc
	readWorkerDoneCh chan struct{}
	responseCh       chan string

	writeMu    sync.Mutex
	sendSlotCh chan struct{}
}

// NewTransport creates a disconnected Transport. Zero values in options are replaced by
// DefaultOptions.
func NewTransport(openPortFn OpenPortFn, options *Options) *Transport {
	o := DefaultOptions
	if options != nil {
		if options.MaxAttempts > 0 {
			o.MaxAttempts = options.MaxAttempts
		}
		if options.InitialDelay > 0 {
			o.InitialDelay = options.InitialDelay
		}
		if options.ReadTimeout > 0 {
			o.ReadTimeout = options.ReadTimeout
		}
		if options.ReadErrorDelay > 0 {
			o.ReadErrorDelay = options.ReadErrorDelay
		}
		if options.SleepFn != nil {
			o.SleepFn = options.SleepFn
		}
		if options.ListPortsFn != nil {
			o.ListPortsFn = options.ListPortsFn
		}
	}
	return &Transport{
		Broker:     brokerMod.NewBroker[Event](),
		openPortFn: openPortFn,
		options:    o,
		sendSlotCh: make(chan struct{}, 1),
	}
}

func (t *Transport) publish(ctx context.Context, event Event) {
	if err := t.Broker.Publish(event); err != nil {
		log.MustLogger(ctx).Debug("Event not published", "event", event, "err", err)
	}
}

// State returns the current connection state.
func (t *Transport) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) IsConnected() bool {
	return t.State() == ConnectionStateConnected
}

// PortName returns the name of the connected port, or an empty string.
func (t *Transport) PortName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.portName
}

func isPermissionError(err error) bool {
	var portErr *serial.PortError
	if errors.As(err, &portErr) && portErr.Code() == serial.PermissionDenied {
		return true
	}
	var portErrValue serial.PortError
	if errors.As(err, &portErrValue) && portErrValue.Code() == serial.PermissionDenied {
		return true
	}
	return errors.Is(err, fs.ErrPermission)
}

func (t *Transport) openWithRetry(ctx context.Context, portName string, mode *serial.Mode) (serial.Port, error) {
	logger := log.MustLogger(ctx)
	var lastErr error
	for attempt := range t.options.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("transport: connect: %w", err)
		}
		logger.Debug("Opening port", "attempt", attempt+1)
		port, err := t.openPortFn(ctx, portName, mode)
		if err == nil {
			return port, nil
		}
		if isPermissionError(err) {
			logger.Error("Permission denied, not retrying", "err", err)
			return nil, fmt.Errorf("transport: connect: %w: %w", ErrPermissionDenied, err)
		}
		lastErr = err
		logger.Warn("Failed to open port", "attempt", attempt+1, "max-attempts", t.options.MaxAttempts, "err", err)
		if attempt == t.options.MaxAttempts-1 {
			break
		}
		delay := t.options.InitialDelay * time.Duration(1<<attempt)
		logger.Debug("Waiting before retrying", "delay", delay)
		if err := t.options.SleepFn(ctx, delay); err != nil {
			return nil, fmt.Errorf("transport: connect: %w", err)
		}
	}
	return nil, fmt.Errorf(
		"transport: connect: %w after %d attempts: %w", ErrRetriesExhausted, t.options.MaxAttempts, lastErr,
	)
}

// Connect opens portName, retrying with exponential backoff on failures other than permission
// errors, and starts the background reader. Canceling ctx aborts pending attempts; once
// connected the reader runs until Disconnect.
//
//gocyclo:ignore
func (t *Transport) Connect(ctx context.Context, portName string, baudRate int) error {
	ctx, logger := log.MustWithAttrs(ctx, "port-name", portName, "baud-rate", baudRate)

	if baudRate <= 0 {
		return fmt.Errorf("transport: connect: %w: %d", ErrInvalidBaudRate, baudRate)
	}

	t.mu.Lock()
	if t.state != ConnectionStateDisconnected {
		t.mu.Unlock()
		return fmt.Errorf("transport: connect: %w", ErrAlreadyConnected)
	}
	t.state = ConnectionStateConnecting
	t.mu.Unlock()

	fail := func(err error) error {
		t.mu.Lock()
		t.state = ConnectionStateDisconnected
		t.mu.Unlock()
		logger.Error("Connection failed", "err", err)
		t.publish(ctx, &ErrorOccurredEvent{Message: fmt.Sprintf("Connection error: %s", err)})
		return err
	}

	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := t.openWithRetry(ctx, portName, mode)
	if err != nil {
		return fail(err)
	}

	// we need to set this to allow polling reads to support stopping the reader
	if err := port.SetReadTimeout(t.options.ReadTimeout); err != nil {
		closeErr := port.Close()
		if closeErr != nil {
			closeErr = fmt.Errorf("transport: serial port close error: %w", closeErr)
		}
		return fail(errors.Join(fmt.Errorf("transport: error setting read timeout: %w", err), closeErr))
	}

	if err := port.SetDTR(true); err != nil {
		logger.Debug("Unable to set DTR", "err", err)
	}
	if err := port.SetRTS(true); err != nil {
		logger.Debug("Unable to set RTS", "err", err)
	}

	t.mu.Lock()
	t.port = port
	t.portName = portName
	t.responseCh = make(chan string, responseChSize)
	t.readWorkerDoneCh = make(chan struct{})
	readCtx, _ := log.MustWithGroup(context.WithoutCancel(ctx), "Reader")
	readCtx, t.readCtxCancel = context.WithCancel(readCtx)
	go t.readWorker(readCtx, port, t.responseCh, t.readWorkerDoneCh)
	t.state = ConnectionStateConnected
	t.mu.Unlock()

	logger.Info("Connected")
	t.publish(ctx, &ConnectionOpenedEvent{})
	return nil
}

// Disconnect stops the reader and closes the port. Calling it while disconnected is a no-op.
func (t *Transport) Disconnect(ctx context.Context) (err error) {
	logger := log.MustLogger(ctx)

	t.mu.Lock()
	if t.port == nil {
		t.mu.Unlock()
		return nil
	}
	port := t.port
	readCtxCancel := t.readCtxCancel
	readWorkerDoneCh := t.readWorkerDoneCh
	portName := t.portName
	t.port = nil
	t.portName = ""
	t.readCtxCancel = nil
	t.readWorkerDoneCh = nil
	t.state = ConnectionStateDisconnected
	t.mu.Unlock()

	readCtxCancel()
	if closeErr := port.Close(); closeErr != nil {
		err = fmt.Errorf("transport: disconnect: serial port close error: %w", closeErr)
	}
	<-readWorkerDoneCh

	logger.Info("Disconnected", "port-name", portName)
	t.publish(ctx, &ConnectionClosedEvent{})
	return err
}

func (t *Transport) writeLine(port serial.Port, command string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	line := []byte(command + LineTerminator)
	n, err := port.Write(line)
	if err != nil {
		return fmt.Errorf("write to serial port error: %w", err)
	}
	if n != len(line) {
		return fmt.Errorf("write to serial port error: wrote %d bytes, expected %d", n, len(line))
	}
	return nil
}

func validateCommand(command string) error {
	if strings.ContainsAny(command, "\r\n") {
		return fmt.Errorf("%w: must be a single line: %#v", ErrInvalidCommand, command)
	}
	return nil
}

func canceled(ctx context.Context) error {
	return fmt.Errorf("transport: send command: %w: %w", ErrCanceled, ctx.Err())
}

// SendCommand writes command and waits up to timeout for the next line received from the machine.
//
// It returns true when a response line arrived, and false, without error, when not connected or
// when timeout elapsed. When ctx is done it returns promptly with an error wrapping ErrCanceled.
func (t *Transport) SendCommand(ctx context.Context, command string, timeout time.Duration) (bool, error) {
	_, ok, err := t.SendCommandResponse(ctx, command, timeout)
	return ok, err
}

// SendCommandResponse is SendCommand, also returning the response line.
//
//gocyclo:ignore
func (t *Transport) SendCommandResponse(ctx context.Context, command string, timeout time.Duration) (string, bool, error) {
	ctx, logger := log.MustWithAttrs(ctx, "command", command)

	if err := validateCommand(command); err != nil {
		return "", false, fmt.Errorf("transport: send command: %w", err)
	}

	select {
	case t.sendSlotCh <- struct{}{}:
	case <-ctx.Done():
		return "", false, canceled(ctx)
	}
	defer func() { <-t.sendSlotCh }()

	t.mu.Lock()
	port := t.port
	responseCh := t.responseCh
	connected := t.state == ConnectionStateConnected
	t.mu.Unlock()
	if !connected {
		logger.Debug("Not connected, command not sent")
		return "", false, nil
	}

	// Lines received while no command was pending are not a response to this command.
	for drained := false; !drained; {
		select {
		case line, ok := <-responseCh:
			if !ok {
				return "", false, nil
			}
			logger.Debug("Discarding stale line", "line", line)
		default:
			drained = true
		}
	}

	if err := t.writeLine(port, command); err != nil {
		logger.Error("Send failed", "err", err)
		t.publish(ctx, &ErrorOccurredEvent{Message: fmt.Sprintf("Send error: %s", err)})
		return "", false, fmt.Errorf("transport: send command: %w", err)
	}
	logger.Debug("Sent")

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case line, ok := <-responseCh:
		if !ok {
			logger.Debug("Connection closed while waiting for response")
			return "", false, nil
		}
		logger.Debug("Response received", "line", line)
		return line, true, nil
	case <-timer.C:
		logger.Warn("Response timeout", "timeout", timeout)
		t.publish(ctx, &ErrorOccurredEvent{Message: "Response timeout"})
		return "", false, nil
	case <-ctx.Done():
		logger.Debug("Canceled while waiting for response")
		return "", false, canceled(ctx)
	}
}

// SendImmediate writes command right away, without waiting for an in-flight SendCommand and
// without waiting for a response. It returns false if not connected.
func (t *Transport) SendImmediate(ctx context.Context, command string) (bool, error) {
	ctx, logger := log.MustWithAttrs(ctx, "command", command)

	if err := validateCommand(command); err != nil {
		return false, fmt.Errorf("transport: send immediate: %w", err)
	}
	if ctx.Err() != nil {
		return false, canceled(ctx)
	}

	t.mu.Lock()
	port := t.port
	connected := t.state == ConnectionStateConnected
	t.mu.Unlock()
	if !connected {
		logger.Debug("Not connected, command not sent")
		return false, nil
	}

	if err := t.writeLine(port, command); err != nil {
		logger.Error("Send failed", "err", err)
		t.publish(ctx, &ErrorOccurredEvent{Message: fmt.Sprintf("Send error: %s", err)})
		return false, fmt.Errorf("transport: send immediate: %w", err)
	}
	logger.Info("Sent immediately")
	return true, nil
}

func (t *Transport) receiveLine(ctx context.Context, responseCh chan string, line string) {
	select {
	case responseCh <- line:
	default:
		// full: drop the oldest line
		select {
		case <-responseCh:
		default:
		}
		select {
		case responseCh <- line:
		default:
		}
	}
	log.MustLogger(ctx).Debug("Received", "line", line)
	t.publish(ctx, &DataReceivedEvent{Data: line})
}

// readWorker reads from port until ctx is done, framing lines terminated by LF or CRLF. Read
// errors are reported and reading continues.
func (t *Transport) readWorker(ctx context.Context, port serial.Port, responseCh chan string, doneCh chan struct{}) {
	logger := log.MustLogger(ctx)
	defer close(doneCh)
	defer close(responseCh)

	buf := make([]byte, readBufferSize)
	line := []byte{}
	// set while skipping the rest of a line over maxLineSize
	discarding := false
	for {
		if ctx.Err() != nil {
			return
		}

		n, err := port.Read(buf)
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Read error", "err", err)
			t.publish(ctx, &ErrorOccurredEvent{Message: fmt.Sprintf("Read error: %s", err)})
			if sleep(ctx, t.options.ReadErrorDelay) != nil {
				return
			}
			continue
		}

		for _, b := range buf[:n] {
			if b != '\n' {
				if discarding {
					continue
				}
				if len(line) >= maxLineSize {
					logger.Warn("Line too long, dropped", "max", maxLineSize)
					t.publish(ctx, &ErrorOccurredEvent{
						Message: fmt.Sprintf("Received line longer than %d bytes, dropped", maxLineSize),
					})
					line = line[:0]
					discarding = true
					continue
				}
				line = append(line, b)
				continue
			}
			if discarding {
				discarding = false
				continue
			}
			text := strings.TrimSuffix(string(line), "\r")
			line = line[:0]
			if text == "" {
				continue
			}
			t.receiveLine(ctx, responseCh, text)
		}
	}
}
