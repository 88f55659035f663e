// Package errhandler receives failures from the controller, logs them and turns them into
// messages suitable for an operator.
package errhandler

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/fornellas/slogxt/log"
	"go.bug.st/serial"

	brokerMod "github.com/fornellas/cncctl/broker"
	"github.com/fornellas/cncctl/transport"
)

const (
	MessageCommunication = "Communication error. Check the CNC connection and port settings."
	MessageCanceled      = "Operation canceled. Please verify CNC state and try again."
	MessageFormat        = "Invalid command format detected. Please correct the command and retry."
	MessageTimeout       = "Operation timed out. Check connection and retry."
	MessageUnexpected    = "An unexpected error occurred. Please restart or contact support."
)

// ErrorHandler receives classified failures. message may be empty, in which case the
// implementation derives one from err.
type ErrorHandler interface {
	HandleError(ctx context.Context, err error, message string)
}

func isCommunicationError(err error) bool {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		return true
	}
	var portErrValue serial.PortError
	if errors.As(err, &portErrValue) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	for _, target := range []error{
		io.EOF,
		io.ErrUnexpectedEOF,
		io.ErrClosedPipe,
		os.ErrClosed,
		net.ErrClosed,
		transport.ErrNotConnected,
		transport.ErrPermissionDenied,
		transport.ErrRetriesExhausted,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Message returns the operator message for err.
func Message(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, transport.ErrCanceled):
		return MessageCanceled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return MessageTimeout
	case errors.Is(err, transport.ErrInvalidCommand),
		errors.Is(err, strconv.ErrSyntax),
		errors.Is(err, strconv.ErrRange):
		return MessageFormat
	case isCommunicationError(err):
		return MessageCommunication
	default:
		return MessageUnexpected
	}
}

// ErrAttrs returns log attributes for err. Errors whose text hides the wrapped cause, such as
// "Home command failed.", get the cause as its own attribute.
func ErrAttrs(err error) []any {
	attrs := []any{"err", err}
	if err == nil {
		return attrs
	}
	if cause := errors.Unwrap(err); cause != nil && !strings.Contains(err.Error(), cause.Error()) {
		attrs = append(attrs, "cause", cause)
	}
	return attrs
}

// SlogErrorHandler logs errors with the context logger and publishes the operator message to its
// subscribers.
type SlogErrorHandler struct {
	*brokerMod.Broker[string]
}

func NewSlogErrorHandler() *SlogErrorHandler {
	return &SlogErrorHandler{
		Broker: brokerMod.NewBroker[string](),
	}
}

func (h *SlogErrorHandler) HandleError(ctx context.Context, err error, message string) {
	logger := log.MustLogger(ctx)
	if message == "" {
		message = Message(err)
	}
	logger.Error(message, ErrAttrs(err)...)
	if publishErr := h.Broker.Publish(message); publishErr != nil {
		logger.Debug("Error message not published", "err", publishErr)
	}
}
