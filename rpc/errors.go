package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed indicates the transport reached EOF or failed. It is
	// delivered to every request pending at the time of closure.
	ErrClosed = errors.New("rpc: connection closed")

	// ErrInterrupted indicates a blocking request was abandoned by an
	// explicit Stop before its response arrived. The request id is
	// retired; a late response is discarded.
	ErrInterrupted = errors.New("rpc: request interrupted")
)

// RemoteError is returned by Session.Request when the peer answers
// with an error response. Payload is the peer-supplied error value,
// preserved exactly as decoded.
type RemoteError struct {
	Payload any
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: remote error: %v", e.Payload)
}

// ErrorResponse lets a request handler control the error payload sent
// to the peer. When a handler returns (or panics with) an
// *ErrorResponse, its Message is sent verbatim; any other failure is
// sent as a generic string description.
type ErrorResponse struct {
	Message string
}

func (e *ErrorResponse) Error() string { return e.Message }
