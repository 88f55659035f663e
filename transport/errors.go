package transport

import "errors"

// Connection errors.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrAlreadyConnected = errors.New("already connected")
	ErrNotConnected     = errors.New("not connected")
	ErrInvalidBaudRate  = errors.New("invalid baud rate")
)

// Command errors. A command sent while disconnected or that timed out is not an error: SendCommand
// returns false for it.
var (
	ErrCanceled       = errors.New("canceled")
	ErrInvalidCommand = errors.New("invalid command")
)
