package types

import (
	"errors"
	"fmt"
)

var (
	// ErrNoData is returned when a symbol has no book or trades yet
	ErrNoData = errors.New("no data yet")

	// ErrUnknownSymbol is returned for markets outside the tracked set
	ErrUnknownSymbol = errors.New("unknown symbol")

	// ErrRateLimited signals a deferred connection attempt. Not a failure.
	ErrRateLimited = errors.New("connection attempt rate limited")

	// ErrSubscriptionRejected is returned when the venue refuses a subscribe request
	ErrSubscriptionRejected = errors.New("subscription rejected")
)

// TransportError is a connect/send/receive failure on the streaming link
type TransportError struct {
	Op   string // "dial", "send", "read"
	Code int    // websocket close code, 0 if none
	Err  error
}

func (e *TransportError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("transport %s (close %d): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError is a malformed or unexpected frame
type ProtocolError struct {
	Frame string
	Err   error
}

func (e *ProtocolError) Error() string {
	const max = 120
	frame := e.Frame
	if len(frame) > max {
		frame = frame[:max] + "..."
	}
	return fmt.Sprintf("protocol: %v (frame %q)", e.Err, frame)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// BootstrapError is a failed or malformed snapshot fetch
type BootstrapError struct {
	Venue string
	Op    string
	Err   error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Venue, e.Op, e.Err)
}

func (e *BootstrapError) Unwrap() error {
	return e.Err
}
