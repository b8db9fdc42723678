package rpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/editkit/rplugin-go/internal/msgrpc"
	"github.com/editkit/rplugin-go/transport"
)

// peer scripts the remote end of a session over an in-memory pipe. Its
// methods run on the peer goroutine; failures are reported with assert
// so the driving goroutine keeps control of the test.
type peer struct {
	t   *testing.T
	tr  transport.Transport
	enc *msgrpc.Encoder
	dec *msgrpc.Decoder
}

func newPair(t *testing.T) (*Session, *peer) {
	t.Helper()
	local, remote := transport.Pipe()
	sess := Dial(local)
	p := &peer{
		t:   t,
		tr:  remote,
		enc: msgrpc.NewEncoder(remote),
		dec: msgrpc.NewDecoder(remote),
	}
	t.Cleanup(func() {
		sess.Close()
		p.tr.Close()
	})
	return sess, p
}

func (p *peer) recv() msgrpc.Message {
	m, err := p.dec.Decode()
	assert.NoError(p.t, err, "peer decode")
	return m
}

func (p *peer) send(m msgrpc.Message) {
	assert.NoError(p.t, p.enc.Encode(m), "peer encode")
}

func TestRequestResponse(t *testing.T) {
	sess, p := newPair(t)

	go func() {
		m := p.recv()
		assert.Equal(t, msgrpc.KindRequest, m.Kind)
		assert.Equal(t, "add", m.Method)
		if assert.Len(t, m.Args, 2) {
			assert.EqualValues(t, 2, m.Args[0])
			assert.EqualValues(t, 3, m.Args[1])
		}
		p.send(msgrpc.NewResponse(m.ID, nil, 5))
	}()

	result, err := sess.Request("add", 2, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 5, result)
}

func TestRequestRemoteError(t *testing.T) {
	sess, p := newPair(t)

	go func() {
		m := p.recv()
		assert.Equal(t, "fail_now", m.Method)
		p.send(msgrpc.NewResponse(m.ID, "ValueError: boom", nil))
	}()

	_, err := sess.Request("fail_now")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Payload, "boom")
}

func TestNotifySendsNoResponseAndExpectsNone(t *testing.T) {
	sess, p := newPair(t)

	require.NoError(t, sess.Notify("log", "hello"))

	go func() {
		m := p.recv()
		assert.Equal(t, msgrpc.KindNotification, m.Kind)
		assert.Equal(t, "log", m.Method)
		assert.Equal(t, []any{"hello"}, m.Args)

		// The very next frame is the ping request: no response frame
		// was produced for the notification.
		m = p.recv()
		assert.Equal(t, msgrpc.KindRequest, m.Kind)
		assert.Equal(t, "ping", m.Method)
		p.send(msgrpc.NewResponse(m.ID, nil, "pong"))
	}()

	result, err := sess.Request("ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", result)
}

func TestRequestIDsAreMonotonic(t *testing.T) {
	sess, p := newPair(t)

	ids := make(chan uint32, 3)
	go func() {
		for i := 0; i < 3; i++ {
			m := p.recv()
			ids <- m.ID
			p.send(msgrpc.NewResponse(m.ID, nil, nil))
		}
	}()

	for i := 0; i < 3; i++ {
		_, err := sess.Request("m")
		require.NoError(t, err)
	}
	assert.Equal(t, uint32(1), <-ids)
	assert.Equal(t, uint32(2), <-ids)
	assert.Equal(t, uint32(3), <-ids)
}

func TestConnectionClosedFailsPendingRequest(t *testing.T) {
	sess, p := newPair(t)

	go func() {
		p.recv()
		p.tr.Close()
	}()

	_, err := sess.Request("never_answered")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConnectionClosedFailsAllNestedPending(t *testing.T) {
	sess, p := newPair(t)

	var outerErr, innerErr error
	go func() {
		// Kick the session into a handler.
		p.send(msgrpc.NewRequest(100, "outer", nil))
		// The handler's request arrives; instead of answering, push a
		// second inbound request so a second pending entry exists.
		m := p.recv()
		assert.Equal(t, "r1", m.Method)
		p.send(msgrpc.NewRequest(101, "inner", nil))
		m = p.recv()
		assert.Equal(t, "r2", m.Method)
		// Two requests outstanding; drop the connection.
		p.tr.Close()
	}()

	err := sess.Run(func(method string, args []any) (any, error) {
		switch method {
		case "outer":
			_, outerErr = sess.Request("r1")
			return nil, outerErr
		case "inner":
			_, innerErr = sess.Request("r2")
			return nil, innerErr
		}
		return nil, nil
	}, func(string, []any) {}, nil)

	require.NoError(t, err, "peer close reads as clean EOF")
	assert.ErrorIs(t, outerErr, ErrClosed)
	assert.ErrorIs(t, innerErr, ErrClosed)
	assert.Empty(t, sess.pending, "no leaked pending entries after teardown")
}

func TestNestedRequestCompletesBeforeOuterResponse(t *testing.T) {
	sess, p := newPair(t)

	go func() {
		p.send(msgrpc.NewRequest(100, "outer", nil))

		m := p.recv()
		assert.Equal(t, "mid", m.Method)
		midID := m.ID

		// Before answering "mid", make a nested request of our own.
		p.send(msgrpc.NewRequest(101, "nested", nil))
		m = p.recv()
		assert.Equal(t, msgrpc.KindResponse, m.Kind)
		assert.Equal(t, uint32(101), m.ID)
		assert.Equal(t, "n-ok", m.Result)

		p.send(msgrpc.NewResponse(midID, nil, "m-ok"))

		m = p.recv()
		assert.Equal(t, uint32(100), m.ID)
		assert.Equal(t, "outer:m-ok", m.Result)

		p.tr.Close()
	}()

	err := sess.Run(func(method string, args []any) (any, error) {
		switch method {
		case "outer":
			mid, err := sess.Request("mid")
			if err != nil {
				return nil, err
			}
			return "outer:" + mid.(string), nil
		case "nested":
			return "n-ok", nil
		}
		return nil, nil
	}, func(string, []any) {}, nil)
	require.NoError(t, err)
}

func TestBlockingRequestQueuesUnrelatedInbound(t *testing.T) {
	sess, p := newPair(t)

	go func() {
		m := p.recv()
		assert.Equal(t, "first", m.Method)
		// Deliver an unrelated notification before the response.
		p.send(msgrpc.NewNotification("note", []any{"queued"}))
		p.send(msgrpc.NewResponse(m.ID, nil, "r1"))
	}()

	result, err := sess.Request("first")
	require.NoError(t, err)
	assert.Equal(t, "r1", result)

	// The notification was not dropped: Run delivers it first.
	var got []any
	err = sess.Run(func(string, []any) (any, error) { return nil, nil },
		func(method string, args []any) {
			if method == "note" {
				got = args
				sess.Stop()
			}
		}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"queued"}, got)
}

func TestLocalCloseEndsRunCleanly(t *testing.T) {
	sess, _ := newPair(t)

	go func() {
		time.Sleep(20 * time.Millisecond)
		sess.Close()
	}()

	// Closing our own side of an idle session is a deliberate shutdown,
	// not a lost connection.
	err := sess.Run(func(string, []any) (any, error) { return nil, nil },
		func(string, []any) {}, nil)
	require.NoError(t, err)
}

func TestNextMessagePullMode(t *testing.T) {
	sess, p := newPair(t)

	go func() {
		p.send(msgrpc.NewNotification("evt", []any{"a"}))
		p.send(msgrpc.NewRequest(42, "ask", nil))
		m := p.recv()
		assert.Equal(t, msgrpc.KindResponse, m.Kind)
		assert.Equal(t, uint32(42), m.ID)
		assert.Equal(t, "answer", m.Result)
	}()

	in, err := sess.NextMessage()
	require.NoError(t, err)
	assert.False(t, in.IsRequest)
	assert.Equal(t, "evt", in.Method)

	in, err = sess.NextMessage()
	require.NoError(t, err)
	assert.True(t, in.IsRequest)
	assert.Equal(t, "ask", in.Method)
	require.NoError(t, in.Reply("answer"))
}

func TestInterruptedRequestRetiresID(t *testing.T) {
	sess, p := newPair(t)

	reqID := make(chan uint32, 1)
	go func() {
		m := p.recv()
		reqID <- m.ID
	}()

	go func() {
		time.Sleep(20 * time.Millisecond)
		sess.Stop()
	}()

	_, err := sess.Request("slow")
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.Empty(t, sess.pending)

	// A late response for the retired id is discarded, not surfaced.
	go func() {
		p.send(msgrpc.NewResponse(<-reqID, nil, "too late"))
		p.send(msgrpc.NewNotification("after", nil))
	}()

	in, err := sess.NextMessage()
	require.NoError(t, err)
	assert.Equal(t, "after", in.Method)
}

func TestHandlerFailureBecomesErrorResponse(t *testing.T) {
	sess, p := newPair(t)

	go func() {
		p.send(msgrpc.NewRequest(1, "boom", nil))
		m := p.recv()
		assert.Equal(t, uint32(1), m.ID)
		assert.Contains(t, m.Err, "boom payload")
		assert.Nil(t, m.Result)

		// The loop survived: a later request is still served.
		p.send(msgrpc.NewRequest(2, "panic", nil))
		m = p.recv()
		assert.Equal(t, uint32(2), m.ID)
		assert.Contains(t, m.Err, "handler panic")

		p.send(msgrpc.NewRequest(3, "fine", nil))
		m = p.recv()
		assert.Equal(t, uint32(3), m.ID)
		assert.Nil(t, m.Err)
		assert.Equal(t, "ok", m.Result)

		p.tr.Close()
	}()

	err := sess.Run(func(method string, args []any) (any, error) {
		switch method {
		case "boom":
			return nil, &ErrorResponse{Message: "boom payload"}
		case "panic":
			panic("unexpected state")
		}
		return "ok", nil
	}, func(string, []any) {}, nil)
	require.NoError(t, err)
}

func TestNotificationHandlerPanicIsSwallowed(t *testing.T) {
	sess, p := newPair(t)

	go func() {
		p.send(msgrpc.NewNotification("bad", nil))
		p.send(msgrpc.NewRequest(1, "still_alive", nil))
		m := p.recv()
		assert.Equal(t, "yes", m.Result)
		p.tr.Close()
	}()

	err := sess.Run(func(string, []any) (any, error) { return "yes", nil },
		func(method string, args []any) {
			panic("notification handler exploded")
		}, nil)
	require.NoError(t, err)
}

func TestThreadsafeCallMarshalsOntoLoop(t *testing.T) {
	sess, p := newPair(t)

	go func() {
		// Wait for the injected notification, then end the session.
		m := p.recv()
		assert.Equal(t, msgrpc.KindNotification, m.Kind)
		assert.Equal(t, "from_other_goroutine", m.Method)
		p.tr.Close()
	}()

	go func() {
		time.Sleep(10 * time.Millisecond)
		sess.ThreadsafeCall(func() {
			_ = sess.Notify("from_other_goroutine")
		})
	}()

	err := sess.Run(func(string, []any) (any, error) { return nil, nil },
		func(string, []any) {}, nil)
	require.NoError(t, err)
}

func TestSetupErrorAbortsRun(t *testing.T) {
	sess, _ := newPair(t)

	err := sess.Run(func(string, []any) (any, error) { return nil, nil },
		func(string, []any) {},
		func() error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)
}
