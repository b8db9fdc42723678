package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/editkit/rplugin-go/internal/logctx"
	"github.com/editkit/rplugin-go/internal/msgrpc"
	"github.com/editkit/rplugin-go/transport"
)

// RequestHandler is invoked for each inbound request. Its return value
// becomes the response result; a returned error becomes an error
// response (verbatim when it is an *ErrorResponse, a string
// description otherwise).
type RequestHandler func(method string, args []any) (any, error)

// NotificationHandler is invoked for each inbound notification.
// Failures are logged and swallowed; the peer is never told.
type NotificationHandler func(method string, args []any)

// Inbound is a request or notification pulled off the wire via
// NextMessage while no dispatch loop was running.
type Inbound struct {
	IsRequest bool
	Method    string
	Args      []any

	id uint32
	s  *Session
}

// Reply sends the successful response for a pulled request.
func (in *Inbound) Reply(result any) error {
	if !in.IsRequest {
		return fmt.Errorf("rpc: reply to a notification")
	}
	return in.s.loop.Send(msgrpc.NewResponse(in.id, nil, result))
}

// ReplyError sends an error response for a pulled request.
func (in *Inbound) ReplyError(errVal any) error {
	if !in.IsRequest {
		return fmt.Errorf("rpc: reply to a notification")
	}
	return in.s.loop.Send(msgrpc.NewResponse(in.id, errVal, nil))
}

type responseFunc func(errVal, result any)

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithLogger sets the session's logger.
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// Session correlates outbound requests with their responses and routes
// inbound traffic. All session state is owned by the driving
// goroutine; see the package documentation for the threading contract.
type Session struct {
	loop *Loop
	log  *slog.Logger

	nextID  uint32
	pending map[uint32]responseFunc
	queued  []msgrpc.Message

	running bool
	reqCB   RequestHandler
	notCB   NotificationHandler
}

// NewSession builds a session on top of an already-connected loop.
func NewSession(loop *Loop, opts ...SessionOption) *Session {
	s := &Session{
		loop:    loop,
		log:     slog.Default(),
		nextID:  1,
		pending: make(map[uint32]responseFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial builds a loop and session over an existing transport.
func Dial(t transport.Transport, opts ...SessionOption) *Session {
	return NewSession(NewLoop(t), opts...)
}

// Request sends a request and suspends the caller until the matching
// response arrives, the transport closes, or Stop interrupts the wait.
// While suspended the session keeps servicing incoming messages, so a
// handler may call Request and the peer may issue nested requests back
// before the outer response arrives.
//
// Request must be called on the driving goroutine: either before Run
// (it drives the loop itself, queueing unrelated inbound messages) or
// from inside a handler (it drives the loop recursively, dispatching
// inbound messages as they arrive). Other goroutines marshal through
// ThreadsafeCall.
func (s *Session) Request(method string, args ...any) (any, error) {
	id := s.nextID
	s.nextID++

	var (
		done    bool
		respErr any
		respVal any
	)
	s.pending[id] = func(errVal, result any) {
		done = true
		respErr = errVal
		respVal = result
	}

	if err := s.loop.Send(msgrpc.NewRequest(id, method, args)); err != nil {
		delete(s.pending, id)
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	}

	onMessage := s.onMessage
	if !s.running {
		// Pull mode: unrelated inbound messages are queued for a
		// later Run or NextMessage rather than dispatched now.
		onMessage = s.enqueueMessage
	}

	if err := s.loop.DriveUntil(func() bool { return done }, onMessage); err != nil {
		delete(s.pending, id)
		if err == errStopped {
			if !s.running {
				s.loop.clearStop()
			}
			return nil, ErrInterrupted
		}
		s.failAllPending()
		return nil, ErrClosed
	}

	if _, closed := respErr.(connectionClosedPayload); closed {
		// Resolved by teardown while a nested request observed the
		// closure first.
		return nil, ErrClosed
	}
	if respErr != nil {
		return nil, &RemoteError{Payload: respErr}
	}
	return respVal, nil
}

// Notify sends a fire-and-forget notification. It never waits for a
// reply and no reply is ever produced on the wire.
func (s *Session) Notify(method string, args ...any) error {
	return s.loop.Send(msgrpc.NewNotification(method, args))
}

// ThreadsafeCall schedules fn to run on the driving goroutine. This is
// the only supported way for other goroutines to interact with the
// session. Panics in fn are logged and swallowed.
func (s *Session) ThreadsafeCall(fn func()) {
	s.loop.CallSoon(func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Warn("panic in threadsafe callback", "panic", r)
			}
		}()
		fn()
	})
}

// Run dispatches inbound requests and notifications to the given
// callbacks until the transport closes or Stop is called. Messages
// queued while a blocking Request was in flight are delivered first.
// The optional setup callback runs on the driving goroutine before any
// message is dispatched; its error aborts the run.
func (s *Session) Run(reqCB RequestHandler, notCB NotificationHandler, setup func() error) error {
	if s.running {
		return fmt.Errorf("rpc: session already running")
	}
	s.reqCB = reqCB
	s.notCB = notCB
	s.running = true
	defer func() {
		s.running = false
		s.reqCB = nil
		s.notCB = nil
	}()

	if setup != nil {
		if err := setup(); err != nil {
			return fmt.Errorf("rpc: session setup: %w", err)
		}
	}

	for len(s.queued) > 0 {
		m := s.queued[0]
		s.queued = s.queued[1:]
		s.onMessage(m)
	}

	err := s.loop.Run(s.onMessage)
	if err != nil {
		s.failAllPending()
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("rpc: connection lost: %w", err)
	}
	return nil
}

// NextMessage drives the loop until one inbound request or
// notification is available and returns it. Previously queued messages
// are returned first. Returns (nil, nil) if Stop interrupts the wait
// and ErrClosed if the transport closes.
func (s *Session) NextMessage() (*Inbound, error) {
	if s.running {
		return nil, fmt.Errorf("rpc: session already running")
	}
	if in := s.popQueued(); in != nil {
		return in, nil
	}
	err := s.loop.DriveUntil(func() bool { return len(s.queued) > 0 }, s.enqueueMessage)
	if err == errStopped {
		s.loop.clearStop()
		return s.popQueued(), nil
	}
	if err != nil {
		s.failAllPending()
		return nil, ErrClosed
	}
	return s.popQueued(), nil
}

// Stop makes the active driver (Run, NextMessage or a blocking
// Request) return after the callback in progress completes.
func (s *Session) Stop() {
	s.loop.Stop()
}

// Close closes the underlying transport. Any active driver observes
// the closure and every pending request fails with ErrClosed.
func (s *Session) Close() error {
	return s.loop.Close()
}

func (s *Session) popQueued() *Inbound {
	if len(s.queued) == 0 {
		return nil
	}
	m := s.queued[0]
	s.queued = s.queued[1:]
	return &Inbound{
		IsRequest: m.Kind == msgrpc.KindRequest,
		Method:    m.Method,
		Args:      m.Args,
		id:        m.ID,
		s:         s,
	}
}

func (s *Session) enqueueMessage(m msgrpc.Message) {
	if m.Kind == msgrpc.KindResponse {
		s.resolve(m)
		return
	}
	s.queued = append(s.queued, m)
}

func (s *Session) onMessage(m msgrpc.Message) {
	switch m.Kind {
	case msgrpc.KindResponse:
		s.resolve(m)
	case msgrpc.KindRequest:
		s.dispatchRequest(m)
	case msgrpc.KindNotification:
		s.dispatchNotification(m)
	}
}

func (s *Session) resolve(m msgrpc.Message) {
	cb, ok := s.pending[m.ID]
	if !ok {
		// Retired request (interrupted waiter); discard.
		s.log.Debug("discarding response for retired request", "id", m.ID)
		return
	}
	delete(s.pending, m.ID)
	cb(m.Err, m.Result)
}

func (s *Session) dispatchRequest(m msgrpc.Message) {
	ctx := logctx.WithRPCMessage(context.Background(), &logctx.RPCMessage{
		Method: m.Method, ID: m.ID, Type: "request",
	})
	result, err := s.invokeRequestCB(ctx, m.Method, m.Args)
	var resp msgrpc.Message
	if err != nil {
		resp = msgrpc.NewResponse(m.ID, errorPayload(err), nil)
	} else {
		resp = msgrpc.NewResponse(m.ID, nil, result)
	}
	if serr := s.loop.Send(resp); serr != nil {
		s.log.WarnContext(ctx, "failed to send response", "err", serr)
	}
}

func (s *Session) invokeRequestCB(ctx context.Context, method string, args []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.ErrorContext(ctx, "panic in request handler", "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.reqCB(method, args)
}

func (s *Session) dispatchNotification(m msgrpc.Message) {
	ctx := logctx.WithRPCMessage(context.Background(), &logctx.RPCMessage{
		Method: m.Method, Type: "notification",
	})
	defer func() {
		if r := recover(); r != nil {
			s.log.ErrorContext(ctx, "panic in notification handler", "panic", r)
		}
	}()
	s.notCB(m.Method, m.Args)
}

// errorPayload picks the wire payload for a failed request handler.
func errorPayload(err error) any {
	var er *ErrorResponse
	if errors.As(err, &er) {
		return er.Message
	}
	return err.Error()
}

func (s *Session) failAllPending() {
	for id, cb := range s.pending {
		delete(s.pending, id)
		cb(connectionClosedPayload{}, nil)
	}
}

// connectionClosedPayload marks a pending entry resolved by teardown
// rather than by a wire response.
type connectionClosedPayload struct{}
