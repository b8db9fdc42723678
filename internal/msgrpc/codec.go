package msgrpc

import (
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Encoder writes wire frames to an underlying stream. It is not safe
// for concurrent use; callers serialize writes.
type Encoder struct {
	enc *msgpack.Encoder
}

// NewEncoder wraps w in a frame encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: msgpack.NewEncoder(w)}
}

// Encode writes one frame.
func (e *Encoder) Encode(m Message) error {
	switch m.Kind {
	case KindRequest:
		return e.enc.Encode([]any{int(KindRequest), m.ID, m.Method, m.Args})
	case KindResponse:
		return e.enc.Encode([]any{int(KindResponse), m.ID, m.Err, m.Result})
	case KindNotification:
		return e.enc.Encode([]any{int(KindNotification), m.Method, m.Args})
	default:
		return fmt.Errorf("msgrpc: cannot encode message kind %d", int(m.Kind))
	}
}

// Decoder reads wire frames from an underlying stream, buffering
// partial frames internally until a complete one is available.
type Decoder struct {
	dec *msgpack.Decoder
}

// NewDecoder wraps r in a frame decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: msgpack.NewDecoder(r)}
}

// Decode reads the next complete frame. It returns io.EOF when the
// stream ends cleanly between frames and io.ErrUnexpectedEOF when it
// ends mid-frame.
func (d *Decoder) Decode() (Message, error) {
	n, err := d.dec.DecodeArrayLen()
	if err != nil {
		return Message{}, err
	}
	kind, err := d.dec.DecodeInt()
	if err != nil {
		return Message{}, fmt.Errorf("msgrpc: decode type tag: %w", err)
	}
	switch Kind(kind) {
	case KindRequest:
		if n != 4 {
			return Message{}, fmt.Errorf("msgrpc: request frame has %d elements, want 4", n)
		}
		id, err := d.dec.DecodeUint32()
		if err != nil {
			return Message{}, fmt.Errorf("msgrpc: decode request id: %w", err)
		}
		method, err := d.dec.DecodeString()
		if err != nil {
			return Message{}, fmt.Errorf("msgrpc: decode request method: %w", err)
		}
		args, err := d.decodeArgs()
		if err != nil {
			return Message{}, fmt.Errorf("msgrpc: decode request args: %w", err)
		}
		return NewRequest(id, method, args), nil
	case KindResponse:
		if n != 4 {
			return Message{}, fmt.Errorf("msgrpc: response frame has %d elements, want 4", n)
		}
		id, err := d.dec.DecodeUint32()
		if err != nil {
			return Message{}, fmt.Errorf("msgrpc: decode response id: %w", err)
		}
		errVal, err := d.dec.DecodeInterface()
		if err != nil {
			return Message{}, fmt.Errorf("msgrpc: decode response error: %w", err)
		}
		result, err := d.dec.DecodeInterface()
		if err != nil {
			return Message{}, fmt.Errorf("msgrpc: decode response result: %w", err)
		}
		return NewResponse(id, errVal, result), nil
	case KindNotification:
		if n != 3 {
			return Message{}, fmt.Errorf("msgrpc: notification frame has %d elements, want 3", n)
		}
		method, err := d.dec.DecodeString()
		if err != nil {
			return Message{}, fmt.Errorf("msgrpc: decode notification method: %w", err)
		}
		args, err := d.decodeArgs()
		if err != nil {
			return Message{}, fmt.Errorf("msgrpc: decode notification args: %w", err)
		}
		return NewNotification(method, args), nil
	default:
		return Message{}, fmt.Errorf("msgrpc: unknown message type tag %d", kind)
	}
}

func (d *Decoder) decodeArgs() ([]any, error) {
	args, err := d.dec.DecodeSlice()
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = []any{}
	}
	return args, nil
}
