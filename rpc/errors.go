package rpc

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by calls still pending when the transport closes,
// and by calls issued after it closed.
var ErrClosed = errors.New("rpc: engine closed")

// ErrStopping is the reply to requests that arrive after Stop.
var ErrStopping = errors.New("host is shutting down")

// RemoteError is a failure reported by the extension in an _error reply.
// Only the message crosses the boundary.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

// ArgError reports a positional argument that is missing or has the wrong
// JSON type.
type ArgError struct {
	Index int
	Want  string
	Err   error
}

func (e *ArgError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("argument %d: expected %s: %v", e.Index, e.Want, e.Err)
	}
	return fmt.Sprintf("argument %d: expected %s", e.Index, e.Want)
}

func (e *ArgError) Unwrap() error {
	return e.Err
}

// errMissing marks an argument index past the end of _args.
var errMissing = errors.New("missing")

// unknownMethodMessage is the reply text for a method with no handler.
func unknownMethodMessage(method string) string {
	return fmt.Sprintf("method %q not registered", method)
}
