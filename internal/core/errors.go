package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEventType is returned when an event type is empty, too long
	// or not a lowercase dotted identifier.
	ErrInvalidEventType = errors.New("core: invalid event type")

	// ErrLoopStopped is returned when work is submitted after Stop.
	ErrLoopStopped = errors.New("core: loop stopped")
)

// Error is an error raised deliberately by an integration or handler.
// Its message is meant for clients; the WebSocket gateway reports it with
// the home_assistant_error code instead of a generic failure.
type Error struct {
	Message string
	Err     error
}

// Errorf builds an *Error with a formatted message.
func Errorf(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}
