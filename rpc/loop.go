package rpc

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/editkit/rplugin-go/internal/msgrpc"
	"github.com/editkit/rplugin-go/transport"
)

// errStopped is the internal signal that Stop was requested. It never
// escapes the package: Run converts it to a clean return and Request
// converts it to ErrInterrupted.
var errStopped = errors.New("rpc: loop stopped")

// LoopOption customizes a Loop.
type LoopOption func(*Loop)

// WithLoopLogger sets the loop's logger.
func WithLoopLogger(l *slog.Logger) LoopOption {
	return func(lp *Loop) {
		if l != nil {
			lp.log = l
		}
	}
}

// Loop owns a transport and turns it into a stream of decoded
// messages. All writes are serialized, so Send is safe from any
// goroutine, including from a callback running inside the read path.
// Reading happens on an internal goroutine; decoded messages are
// handed to the single driving goroutine in strict arrival order.
type Loop struct {
	t   transport.Transport
	log *slog.Logger

	writeMu  sync.Mutex
	enc      *msgrpc.Encoder
	writeErr error

	msgCh   chan msgrpc.Message
	done    chan struct{} // closed by Close to release the reader
	readErr error         // set before msgCh closes, read after

	callMu sync.Mutex
	calls  []func()

	wake     chan struct{}
	stopFlag atomic.Bool
	closed   atomic.Bool
}

// NewLoop wraps t and starts reading from it immediately. Incoming
// messages are buffered by transport backpressure until a driver
// consumes them.
func NewLoop(t transport.Transport, opts ...LoopOption) *Loop {
	l := &Loop{
		t:     t,
		log:   slog.Default(),
		enc:   msgrpc.NewEncoder(t),
		msgCh: make(chan msgrpc.Message),
		done:  make(chan struct{}),
		wake:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.readLoop()
	return l
}

func (l *Loop) readLoop() {
	dec := msgrpc.NewDecoder(l.t)
	for {
		m, err := dec.Decode()
		if err != nil {
			if l.closed.Load() {
				// The decode failure is our own Close tearing down the
				// transport, not a lost connection.
				err = io.EOF
			}
			l.readErr = err
			close(l.msgCh)
			return
		}
		select {
		case l.msgCh <- m:
		case <-l.done:
			// Locally-initiated close with a message still in
			// flight; report it as a clean shutdown.
			l.readErr = io.EOF
			close(l.msgCh)
			return
		}
	}
}

// Send encodes and writes one frame. Concurrent senders never
// interleave partial frames. A write failure closes the transport so
// the read side observes the loss promptly.
func (l *Loop) Send(m msgrpc.Message) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.writeErr != nil {
		return l.writeErr
	}
	if err := l.enc.Encode(m); err != nil {
		l.writeErr = err
		l.t.Close()
		return err
	}
	return nil
}

// CallSoon enqueues fn for execution on the driving goroutine and
// wakes the loop. This is the only safe way for other goroutines to
// touch session state.
func (l *Loop) CallSoon(fn func()) {
	l.callMu.Lock()
	l.calls = append(l.calls, fn)
	l.callMu.Unlock()
	l.wakeUp()
}

func (l *Loop) wakeUp() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) popCall() func() {
	l.callMu.Lock()
	defer l.callMu.Unlock()
	if len(l.calls) == 0 {
		return nil
	}
	fn := l.calls[0]
	l.calls = l.calls[1:]
	return fn
}

// processEvent blocks until one event is handled: an injected
// callback, a decoded message, or a wake signal. Stop requests take
// priority over pending messages.
func (l *Loop) processEvent(onMessage func(msgrpc.Message)) error {
	if l.stopFlag.Load() {
		return errStopped
	}
	if fn := l.popCall(); fn != nil {
		fn()
		return nil
	}
	select {
	case <-l.wake:
		return nil
	case m, ok := <-l.msgCh:
		if !ok {
			if err := l.readErr; err != nil && err != io.EOF {
				return err
			}
			return io.EOF
		}
		onMessage(m)
		return nil
	}
}

// Run drives the loop until the transport closes or Stop is called.
// Each decoded message is dispatched to onMessage before the next one
// is read. Returns nil on Stop, io.EOF on clean peer shutdown, and the
// underlying error otherwise.
func (l *Loop) Run(onMessage func(msgrpc.Message)) error {
	defer l.stopFlag.Store(false)
	for {
		err := l.processEvent(onMessage)
		if err == errStopped {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// DriveUntil processes events until pred reports true. Used to keep
// servicing the peer while a request issued from the driving goroutine
// waits for its response. Returns errStopped if Stop intervenes and
// the transport error if the connection is lost first.
func (l *Loop) DriveUntil(pred func() bool, onMessage func(msgrpc.Message)) error {
	for !pred() {
		if err := l.processEvent(onMessage); err != nil {
			return err
		}
	}
	return nil
}

// Stop requests the driver to return after the callback in progress
// completes. Idempotent. It does not close the transport.
func (l *Loop) Stop() {
	l.stopFlag.Store(true)
	l.wakeUp()
}

// clearStop discards a pending stop request.
func (l *Loop) clearStop() {
	l.stopFlag.Store(false)
}

// Close closes the underlying transport. The read side unblocks with
// a closure error, which any active driver observes.
func (l *Loop) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(l.done)
	return l.t.Close()
}
