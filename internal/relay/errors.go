package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped ends a session on an explicit stop from the client or the admin surface.
	ErrStopped = errors.New("session stopped")
	// ErrTransportClosed ends a session when the client transport goes away.
	ErrTransportClosed = errors.New("client transport closed")
)

// TransientError is a single frame that failed to forward. The relay logs it and continues.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("relay %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError ends the session in the failed state.
type FatalError struct {
	Code string
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal %s: %v", e.Code, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }
