// Package msgrpc implements the msgpack-RPC wire protocol: a fixed
// taxonomy of request, response and notification messages encoded as
// msgpack arrays over a duplex byte stream.
package msgrpc

import "fmt"

// Kind is the numeric message-type tag that leads every wire frame.
type Kind int

const (
	KindRequest      Kind = 0
	KindResponse     Kind = 1
	KindNotification Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message is the in-memory form of one wire frame. Which fields are
// meaningful depends on Kind:
//
//	request:      [0, ID, Method, Args]
//	response:     [1, ID, Err, Result]
//	notification: [2, Method, Args]
//
// A response carries exactly one of Err and Result non-nil.
type Message struct {
	Kind   Kind
	ID     uint32
	Method string
	Args   []any
	Err    any
	Result any
}

// NewRequest builds a request frame.
func NewRequest(id uint32, method string, args []any) Message {
	if args == nil {
		args = []any{}
	}
	return Message{Kind: KindRequest, ID: id, Method: method, Args: args}
}

// NewResponse builds a response frame. Exactly one of err and result
// should be non-nil; a nil result with a nil error encodes a successful
// void response.
func NewResponse(id uint32, err, result any) Message {
	return Message{Kind: KindResponse, ID: id, Err: err, Result: result}
}

// NewNotification builds a notification frame.
func NewNotification(method string, args []any) Message {
	if args == nil {
		args = []any{}
	}
	return Message{Kind: KindNotification, Method: method, Args: args}
}
