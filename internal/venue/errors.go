package venue

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrMalformedMessage classifies frames that could not be parsed into canonical events.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrNotConnected is returned when an operation needs an open connection.
	ErrNotConnected = errors.New("not connected")
	// ErrSubscribeTimeout is returned when a subscription ack does not arrive in time.
	ErrSubscribeTimeout = errors.New("subscription ack timeout")
)

// ProtocolError is a venue-level rejection, e.g. an unknown symbol in a
// subscription request. Reconnecting does not fix it.
type ProtocolError struct {
	Venue  string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s protocol error: %s", e.Venue, e.Reason)
}

// TransientNetworkError is a recoverable connection failure.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientNetworkError for op.
// A nil err stays nil and ProtocolErrors pass through unchanged.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return err
	}
	return &TransientNetworkError{Op: op, Err: err}
}

// IsProtocolError reports whether err is or wraps a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
