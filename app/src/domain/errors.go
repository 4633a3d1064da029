package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no reading satisfies the provided filters.
var ErrNotFound = errors.New("reading not found")

// ErrClosed is returned when a sink receives a reading after shutdown.
var ErrClosed = errors.New("sink closed")

// ErrConnection is returned by the ingestion client once every connect
// attempt has been exhausted.
var ErrConnection = errors.New("connection failed")

// ProtocolError reports an inbound frame that could not be parsed into a
// Reading. It is contained to the offending frame and never tears down
// the connection that produced it.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
