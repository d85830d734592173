package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkerLost indicates that the transport to a worker is gone
	ErrWorkerLost = errors.New("worker connection lost")

	// ErrMalformedMessage indicates that an inter-process message could not be decoded
	ErrMalformedMessage = errors.New("malformed message")

	// ErrConfigInconsistent indicates that item configuration cannot be used as loaded
	ErrConfigInconsistent = errors.New("item configuration is inconsistent")

	// ErrNotChild indicates that a registering worker was not started by this manager
	ErrNotChild = errors.New("worker is not a child of the manager")

	// ErrUnknownWorker indicates a message from a worker that never registered
	ErrUnknownWorker = errors.New("unknown worker")

	// ErrStopped indicates that the manager event loop is no longer running
	ErrStopped = errors.New("manager stopped")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrPublishFailed indicates that a message could not be published
	ErrPublishFailed = errors.New("publish failed")

	// ErrNotConnected indicates that the client is not connected to NATS
	ErrNotConnected = errors.New("not connected to NATS")
)

// Error represents a structured pipeline error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new pipeline error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsFatal reports whether err must terminate the manager process.
func IsFatal(err error) bool {
	return errors.Is(err, ErrWorkerLost) ||
		errors.Is(err, ErrMalformedMessage) ||
		errors.Is(err, ErrConfigInconsistent) ||
		errors.Is(err, ErrUnknownWorker)
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsNotConnected checks if an error is a not connected error
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
